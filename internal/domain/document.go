package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocumentSchemaV1 is the schema identifier a pipeline document must carry.
const DocumentSchemaV1 = "cascade.pipeline.v1"

const defaultOutputType = "bytes"

// Document is the submitted YAML form of a pipeline. It is stored verbatim;
// ToSpec produces the executable PipelineSpec.
type Document struct {
	Schema string         `json:"schema" yaml:"schema"`
	Name   string         `json:"name" yaml:"name"`
	Cache  *bool          `json:"cache,omitempty" yaml:"cache,omitempty"`
	Steps  []DocumentStep `json:"steps" yaml:"steps"`
}

type DocumentStep struct {
	Name       string            `json:"name" yaml:"name"`
	Image      string            `json:"image" yaml:"image"`
	Command    []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	SourceHash string            `json:"source_hash" yaml:"source_hash"`
	Cache      *bool             `json:"cache,omitempty" yaml:"cache,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Inputs     []DocumentInput   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []DocumentOutput  `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

type DocumentInput struct {
	Name     string `json:"name" yaml:"name"`
	FromStep string `json:"from_step,omitempty" yaml:"from_step,omitempty"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
	External string `json:"external,omitempty" yaml:"external,omitempty"`
}

type DocumentOutput struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// ParseDocument decodes a pipeline document and checks its outer shape.
// Decoding is strict: fields the document schema does not declare are
// rejected rather than dropped. Graph validation happens separately once
// the document is converted to a spec.
func ParseDocument(input []byte) (Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode pipeline document: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != DocumentSchemaV1 {
		return Document{}, fmt.Errorf("document schema must be %q", DocumentSchemaV1)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return Document{}, errors.New("document name is required")
	}
	if len(doc.Steps) == 0 {
		return Document{}, errors.New("document must declare at least one step")
	}
	return doc, nil
}

// ToSpec converts the document into an executable spec, applying defaults:
// caching on unless disabled, output type bytes, env sorted by name.
func (d Document) ToSpec() PipelineSpec {
	pipelineCache := true
	if d.Cache != nil {
		pipelineCache = *d.Cache
	}

	spec := PipelineSpec{
		Name:  strings.TrimSpace(d.Name),
		Steps: make([]StepSpec, 0, len(d.Steps)),
	}
	for _, ds := range d.Steps {
		step := StepSpec{
			Name:         strings.TrimSpace(ds.Name),
			Image:        strings.TrimSpace(ds.Image),
			Command:      append([]string(nil), ds.Command...),
			Args:         append([]string(nil), ds.Args...),
			Env:          envVars(ds.Env),
			SourceHash:   strings.TrimSpace(ds.SourceHash),
			Parameters:   Params(ds.Parameters).Clone(),
			CacheEnabled: pipelineCache,
		}
		if ds.Cache != nil {
			step.CacheEnabled = *ds.Cache
		}
		for _, in := range ds.Inputs {
			step.Inputs = append(step.Inputs, InputBinding{
				Name:     strings.TrimSpace(in.Name),
				FromStep: strings.TrimSpace(in.FromStep),
				Output:   strings.TrimSpace(in.Output),
				External: strings.TrimSpace(in.External),
			})
		}
		for _, out := range ds.Outputs {
			outType := strings.TrimSpace(out.Type)
			if outType == "" {
				outType = defaultOutputType
			}
			step.Outputs = append(step.Outputs, OutputSpec{
				Name: strings.TrimSpace(out.Name),
				Type: outType,
			})
		}
		spec.Steps = append(spec.Steps, step)
	}
	return spec
}

// ComputeSpecHash hashes the canonical JSON form of the document. Two
// submissions with the same content hash to the same value regardless of
// YAML formatting, which makes registration idempotent.
func ComputeSpecHash(doc Document) (string, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func envVars(env map[string]string) []EnvVar {
	if len(env) == 0 {
		return nil
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	vars := make([]EnvVar, 0, len(names))
	for _, name := range names {
		vars = append(vars, EnvVar{Name: name, Value: env[name]})
	}
	return vars
}
