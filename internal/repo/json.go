package repo

import (
	"encoding/json"
	"fmt"
)

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

// mergeJSON overlays patch onto base, both JSON objects. Used by the SQLite
// backend, which lacks jsonb concatenation.
func mergeJSON(base []byte, patch map[string]any) ([]byte, error) {
	merged := fromJSON(base)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range patch {
		merged[k] = v
	}
	return toJSON(merged)
}
