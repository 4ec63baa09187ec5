package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// normalizeToJSON renders raw config bytes as JSON so one strict decoder
// (DisallowUnknownFields) serves both formats. YAML is the primary
// format; only an explicit .json extension bypasses the YAML front end.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func normalizeToJSON(path string, data []byte) ([]byte, string, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringifyKeys rewrites every map key to a string. The YAML decoder
// falls back to map[any]any for documents with non-string keys, which
// json.Marshal refuses to touch.
func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = stringifyKeys(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	}
	return v
}
