package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON converts the on-disk config into JSON bytes so YAML and JSON files
// share one strict decode path (DisallowUnknownFields). Anything that isn't
// a .yaml/.yml file is passed through as-is.
func toJSON(path string, raw []byte) ([]byte, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return raw, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	b, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return b, nil
}

// stringifyKeys rewrites any map[any]any nodes the yaml decoder produced;
// json.Marshal refuses non-string map keys.
func stringifyKeys(v any) any {
	switch n := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range n {
			n[k] = stringifyKeys(val)
		}
		return n
	case []any:
		for i, val := range n {
			n[i] = stringifyKeys(val)
		}
		return n
	}
	return v
}
