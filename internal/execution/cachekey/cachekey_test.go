package cachekey

import (
	"testing"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

func baseInput() Input {
	return Input{
		SourceHash: "source-v1",
		Parameters: domain.Params{"rate": "0.5", "region": "eu-west-1"},
		InputArtifacts: map[string]string{
			"raw":    "art-raw-1",
			"labels": "art-labels-1",
		},
	}
}

func TestComputeDeterministic(t *testing.T) {
	first := Compute(baseInput())
	second := Compute(baseInput())
	if first != second {
		t.Fatalf("identical inputs produced different keys: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("key %q is not a hex sha256", first)
	}
}

func TestComputeInsensitiveToMapOrder(t *testing.T) {
	a := baseInput()
	b := Input{
		SourceHash: "source-v1",
		Parameters: domain.Params{"region": "eu-west-1", "rate": "0.5"},
		InputArtifacts: map[string]string{
			"labels": "art-labels-1",
			"raw":    "art-raw-1",
		},
	}
	if Compute(a) != Compute(b) {
		t.Fatal("key depends on map declaration order")
	}
}

func TestComputeSensitivity(t *testing.T) {
	base := Compute(baseInput())

	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"source hash", func(in *Input) { in.SourceHash = "source-v2" }},
		{"parameter value", func(in *Input) { in.Parameters["rate"] = "0.6" }},
		{"parameter added", func(in *Input) { in.Parameters["new"] = "x" }},
		{"parameter removed", func(in *Input) { delete(in.Parameters, "rate") }},
		{"artifact identity", func(in *Input) { in.InputArtifacts["raw"] = "art-raw-2" }},
		{"artifact input renamed", func(in *Input) {
			delete(in.InputArtifacts, "raw")
			in.InputArtifacts["raw2"] = "art-raw-1"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			if Compute(in) == base {
				t.Fatal("key did not change")
			}
		})
	}
}

func TestComputeFieldBoundaries(t *testing.T) {
	a := Compute(Input{SourceHash: "ab", Parameters: domain.Params{"c": ""}})
	b := Compute(Input{SourceHash: "a", Parameters: domain.Params{"bc": ""}})
	if a == b {
		t.Fatal("length prefixing failed: shifted field boundary collides")
	}
}

func TestComputeEmptyInput(t *testing.T) {
	key := Compute(Input{})
	if len(key) != 64 {
		t.Fatalf("empty input key %q is not a hex sha256", key)
	}
	if key == Compute(Input{SourceHash: "x"}) {
		t.Fatal("empty and non-empty inputs collide")
	}
}
