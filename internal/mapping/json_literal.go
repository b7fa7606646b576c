package mapping

import "encoding/json"

// decodeJSONLiteral decodes the raw text of a backtick-delimited literal
// (e.g. `42`, `"a"`, `[1,2]`, `{"a":1}`) into a Go value using the same
// shapes the rest of the engine expects: map[string]any, []any,
// string, float64, bool, nil.
func decodeJSONLiteral(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
