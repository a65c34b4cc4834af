// Package artifact handles materialized step data: an explicit registry of
// type-tagged materializers and an object-store-backed Store that turns
// payloads into immutable, content-addressed artifact records. The
// orchestration core only ever sees artifact identity; payload encoding
// stays behind the Materializer interface.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Materializer encodes and decodes one artifact payload type.
type Materializer interface {
	MediaType() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Registry maps artifact type tags to materializers. Registration is
// explicit and happens at composition time; there is no load-time
// self-registration.
type Registry struct {
	mu            sync.RWMutex
	materializers map[string]Materializer
}

func NewRegistry() *Registry {
	return &Registry{materializers: make(map[string]Materializer)}
}

// Register binds a type tag to a materializer. Registering a tag twice is
// an error: silent replacement would change artifact semantics under the
// caller.
func (r *Registry) Register(typeTag string, m Materializer) error {
	typeTag = strings.TrimSpace(typeTag)
	if typeTag == "" {
		return errors.New("type tag is required")
	}
	if m == nil {
		return errors.New("materializer is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.materializers[typeTag]; exists {
		return fmt.Errorf("materializer for type %q already registered", typeTag)
	}
	r.materializers[typeTag] = m
	return nil
}

// Lookup returns the materializer for a type tag.
func (r *Registry) Lookup(typeTag string) (Materializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.materializers[strings.TrimSpace(typeTag)]
	if !ok {
		return nil, fmt.Errorf("no materializer registered for type %q", typeTag)
	}
	return m, nil
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.materializers))
	for t := range r.materializers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultRegistry registers the built-in materializers: bytes and json.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Both registrations are against a fresh registry and cannot collide.
	_ = r.Register("bytes", BytesMaterializer{})
	_ = r.Register("json", JSONMaterializer{})
	return r
}

// BytesMaterializer passes raw byte payloads through unchanged.
type BytesMaterializer struct{}

func (BytesMaterializer) MediaType() string {
	return "application/octet-stream"
}

func (BytesMaterializer) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("bytes materializer cannot encode %T", value)
	}
}

func (BytesMaterializer) Decode(data []byte) (any, error) {
	return data, nil
}

// JSONMaterializer stores values as canonical JSON.
type JSONMaterializer struct{}

func (JSONMaterializer) MediaType() string {
	return "application/json"
}

func (JSONMaterializer) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json artifact: %w", err)
	}
	return data, nil
}

func (JSONMaterializer) Decode(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode json artifact: %w", err)
	}
	return value, nil
}
