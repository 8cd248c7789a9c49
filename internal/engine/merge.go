package engine

import "encoding/json"

// MergeShallow returns base with the keys of override replacing same-named
// keys. Neither argument is modified.
func MergeShallow(base, override map[string]string) map[string]string {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// DeepMerge merges override into base key by key. Nested objects merge
// recursively, override wins on conflicts and arrays are replaced whole.
// Neither argument is modified.
func DeepMerge(base, override map[string]interface{}) map[string]interface{} {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = deepCopyValue(v)
	}
	for k, v := range override {
		if baseVal, exists := out[k]; exists {
			baseMap, baseIsMap := baseVal.(map[string]interface{})
			overMap, overIsMap := v.(map[string]interface{})
			if baseIsMap && overIsMap {
				out[k] = DeepMerge(baseMap, overMap)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// DeepCopy returns an independent copy of a JSON-like map.
func DeepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return deepCopyValue(m).(map[string]interface{})
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// normalizeJSON converts v into the generic types encoding/json produces.
func normalizeJSON(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
