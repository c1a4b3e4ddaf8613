package constraint

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MarshalMap renders a variable-to-constraint map as yaml, formulas only.
func MarshalMap(cs map[string]*Constraint) ([]byte, error) {
	m := make(map[string]string, len(cs))
	for k, c := range cs {
		m[k] = c.Formula()
	}
	return yaml.Marshal(m)
}

// UnmarshalMap parses yaml written by MarshalMap. Keys found in translate
// are renamed, which lets old archives use current variable names.
func UnmarshalMap(data []byte, translate map[string]string) (map[string]*Constraint, error) {
	var m map[string]string
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	out := make(map[string]*Constraint, len(m))
	for k, f := range m {
		c, err := New(f)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: %w", k, err)
		}
		if nk, ok := translate[k]; ok {
			k = nk
		}
		out[k] = c
	}
	return out, nil
}

// CloneMap deep-copies a constraint map.
func CloneMap(cs map[string]*Constraint) map[string]*Constraint {
	out := make(map[string]*Constraint, len(cs))
	for k, c := range cs {
		out[k] = c.Clone()
	}
	return out
}
