// Package cachekey computes the cache identity of a step run. Two step runs
// with equal keys would produce identical outputs, so a prior completed run
// with the same key can be reused instead of executing again.
package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

// keyVersion is folded into every key so a change to the key layout can
// never collide with keys computed before it.
const keyVersion = "cascade.cachekey.v1"

// Input is the cache identity of a step run: the step's source hash, its
// parameters, and the artifacts bound to its inputs by input name.
type Input struct {
	SourceHash     string
	Parameters     domain.Params
	InputArtifacts map[string]string
}

// Compute returns the hex sha256 cache key for the given identity. The key
// is a pure function of its input: parameters and artifacts are sorted by
// name and every component is length-prefixed before hashing.
func Compute(in Input) string {
	h := sha256.New()
	writeField := func(data []byte) {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
		h.Write(prefix[:])
		h.Write(data)
	}
	writeCount := func(n int) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		h.Write(buf[:])
	}

	writeField([]byte(keyVersion))
	writeField([]byte(in.SourceHash))

	paramKeys := in.Parameters.SortedKeys()
	writeCount(len(paramKeys))
	for _, k := range paramKeys {
		writeField([]byte(k))
		writeField([]byte(in.Parameters[k]))
	}

	inputNames := make([]string, 0, len(in.InputArtifacts))
	for name := range in.InputArtifacts {
		inputNames = append(inputNames, name)
	}
	sort.Strings(inputNames)
	writeCount(len(inputNames))
	for _, name := range inputNames {
		writeField([]byte(name))
		writeField([]byte(in.InputArtifacts[name]))
	}

	return hex.EncodeToString(h.Sum(nil))
}
