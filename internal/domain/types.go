package domain

import "sort"

// Params holds step parameters as flat name/value pairs. Values are kept as
// strings so their contribution to cache keys is stable.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	copy := make(Params, len(p))
	for k, v := range p {
		copy[k] = v
	}
	return copy
}

// SortedKeys returns the parameter names in lexicographic order.
func (p Params) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
