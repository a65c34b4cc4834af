package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// ErrObjectMissing is returned when a declared output has no object in the
// store. After a backend success report this is the incomplete-output
// failure.
var ErrObjectMissing = errors.New("artifact object missing")

// Store writes and reads artifact payloads in the object store and produces
// the immutable artifact records that the record store persists. Records
// carry the payload's sha256 and size; the payload itself never crosses the
// orchestration core.
type Store struct {
	client   *minio.Client
	bucket   string
	registry *Registry
	now      func() time.Time
}

func NewStore(client *minio.Client, bucket string, registry *Registry) (*Store, error) {
	if client == nil {
		return nil, errors.New("object store client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Store{client: client, bucket: bucket, registry: registry, now: time.Now}, nil
}

// OutputObjectKey is where a step run writes one declared output.
func OutputObjectKey(runID, stepName, outputName string) string {
	return fmt.Sprintf("runs/%s/steps/%s/outputs/%s", strings.TrimSpace(runID), strings.TrimSpace(stepName), strings.TrimSpace(outputName))
}

// ExternalObjectKey is where trigger-time uploads land.
func ExternalObjectKey(artifactID string) string {
	return "external/" + strings.TrimSpace(artifactID)
}

// Write materializes a value under the artifact's object key using the
// materializer registered for its type tag.
func (s *Store) Write(ctx context.Context, ref domain.Artifact, value any) error {
	m, err := s.registry.Lookup(ref.Type)
	if err != nil {
		return err
	}
	data, err := m.Encode(value)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, ref.ObjectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: m.MediaType(),
	})
	if err != nil {
		return fmt.Errorf("put artifact object %s: %w", ref.ObjectKey, err)
	}
	return nil
}

// Read fetches and decodes an artifact payload.
func (s *Store) Read(ctx context.Context, ref domain.Artifact) (any, error) {
	m, err := s.registry.Lookup(ref.Type)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, ref.ObjectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact object %s: %w", ref.ObjectKey, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read artifact object %s: %w", ref.ObjectKey, err)
	}
	return m.Decode(data)
}

// UploadExternal stores a trigger-time payload and returns its artifact
// record. External artifacts have no producer step run.
func (s *Store) UploadExternal(ctx context.Context, typeTag string, payload []byte) (domain.Artifact, error) {
	if _, err := s.registry.Lookup(typeTag); err != nil {
		return domain.Artifact{}, err
	}
	id := uuid.NewString()
	key := ExternalObjectKey(id)
	sum := sha256.Sum256(payload)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{})
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("put external artifact: %w", err)
	}

	return domain.Artifact{
		ID:        id,
		Type:      strings.TrimSpace(typeTag),
		ObjectKey: key,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(payload)),
		CreatedAt: s.now().UTC(),
	}, nil
}

// ResolveOutput locates one declared output of a finished step run and
// produces its artifact record, hashing the stored payload. A missing
// object returns ErrObjectMissing so the caller can fail the step instead
// of caching a partial result.
func (s *Store) ResolveOutput(ctx context.Context, runID, stepName, producerStepRunID string, out domain.OutputSpec) (domain.Artifact, error) {
	key := OutputObjectKey(runID, stepName, out.Name)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return domain.Artifact{}, fmt.Errorf("output %q at %s: %w", out.Name, key, ErrObjectMissing)
		}
		return domain.Artifact{}, fmt.Errorf("stat output object %s: %w", key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("get output object %s: %w", key, err)
	}
	defer obj.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, obj); err != nil {
		return domain.Artifact{}, fmt.Errorf("hash output object %s: %w", key, err)
	}

	return domain.Artifact{
		ID:                uuid.NewString(),
		Type:              strings.TrimSpace(out.Type),
		ObjectKey:         key,
		SHA256:            hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:         info.Size,
		ProducerStepRunID: strings.TrimSpace(producerStepRunID),
		CreatedAt:         s.now().UTC(),
	}, nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
