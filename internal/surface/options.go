package surface

import (
	"encoding/json"
	"maps"
)

// LocalOptions is the presentation state a surface reports about itself,
// such as hidden, width, height and mode. The host caches the last value.
type LocalOptions map[string]any

// Clone returns a shallow copy.
func (o LocalOptions) Clone() LocalOptions {
	out := make(LocalOptions, len(o))
	maps.Copy(out, o)
	return out
}

// Merge returns a copy of o with patch applied. A nil value in patch
// deletes the key.
func (o LocalOptions) Merge(patch map[string]any) LocalOptions {
	out := o.Clone()
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Bool returns a boolean option.
func (o LocalOptions) Bool(key string) (bool, bool) {
	v, ok := o[key].(bool)
	return v, ok
}

// Number returns a numeric option. JSON numbers, Go integers and floats
// are accepted.
func (o LocalOptions) Number(key string) (float64, bool) {
	switch v := o[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// String returns a string option.
func (o LocalOptions) String(key string) (string, bool) {
	v, ok := o[key].(string)
	return v, ok
}

func decodePatch(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var patch map[string]any
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}
