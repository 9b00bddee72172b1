package valueobjects

import (
	"sort"
	"strings"
)

// ModelKey names one of the external model backends.
type ModelKey string

const (
	PoseModel  ModelKey = "pose"
	WarpModel  ModelKey = "warp"
	BlendModel ModelKey = "blend"
)

var ModelKeys = []ModelKey{PoseModel, WarpModel, BlendModel}

func (k ModelKey) Valid() bool {
	switch k {
	case PoseModel, WarpModel, BlendModel:
		return true
	}
	return false
}

// ModelVersionSet records which backend version produced (or will produce) a
// result. Treat values as immutable; use With to derive a new set.
type ModelVersionSet map[ModelKey]string

func (s ModelVersionSet) Version(key ModelKey) string {
	return s[key]
}

func (s ModelVersionSet) With(key ModelKey, version string) ModelVersionSet {
	out := s.Clone()
	out[key] = version
	return out
}

func (s ModelVersionSet) Clone() ModelVersionSet {
	out := make(ModelVersionSet, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s ModelVersionSet) Complete() bool {
	for _, key := range ModelKeys {
		if s[key] == "" {
			return false
		}
	}
	return true
}

func (s ModelVersionSet) Equal(other ModelVersionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if other[k] != v {
			return false
		}
	}
	return true
}

// String is the canonical, order-independent form used in fingerprints.
func (s ModelVersionSet) String() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s[ModelKey(k)])
	}
	return strings.Join(parts, ";")
}
