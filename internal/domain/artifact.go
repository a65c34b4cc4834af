package domain

import (
	"errors"
	"strings"
	"time"
)

// Binding directions for step run artifact associations.
const (
	ArtifactDirectionInput  = "input"
	ArtifactDirectionOutput = "output"
)

// Artifact is a content-addressed record of data in object storage. External
// artifacts (uploaded at trigger time) have no producer step run.
type Artifact struct {
	ID                string
	Type              string
	ObjectKey         string
	SHA256            string
	SizeBytes         int64
	ProducerStepRunID string
	CreatedAt         time.Time
}

// External reports whether the artifact was supplied from outside the
// pipeline rather than produced by a step.
func (a Artifact) External() bool {
	return strings.TrimSpace(a.ProducerStepRunID) == ""
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return errors.New("artifact type is required")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("size bytes must not be negative")
	}
	return nil
}

// EnsureArtifactImmutable enforces that artifact identity and storage fields
// never change once written.
func EnsureArtifactImmutable(before, after Artifact) error {
	if before.ID == "" || after.ID == "" {
		return errors.New("artifact ids are required")
	}
	if before.ID != after.ID {
		return errors.New("artifact id is immutable")
	}
	if before.Type != after.Type {
		return errors.New("artifact type is immutable")
	}
	if before.ObjectKey != after.ObjectKey {
		return errors.New("object key is immutable")
	}
	if before.SHA256 != after.SHA256 {
		return errors.New("sha256 is immutable")
	}
	if before.SizeBytes != after.SizeBytes {
		return errors.New("size bytes is immutable")
	}
	if before.ProducerStepRunID != after.ProducerStepRunID {
		return errors.New("producer step run is immutable")
	}
	return nil
}
