package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeJSON marshals v according to the per-file minification policy.
// User-edited artifacts (themes, flows, config) must always pass
// minify=false so indentation and key order survive round trips; only
// machine-owned artifacts honor the minifyJson setting.
func EncodeJSON(v any, minify bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if !minify {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding json: %w", err)
	}
	return buf.Bytes(), nil
}
