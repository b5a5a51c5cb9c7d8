package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape marshals JSON with HTML escaping off, so bodies relayed
// over the back-channel keep their literal angle brackets instead of
// growing < escapes.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Drop the encoder's trailing newline for parity with json.Marshal.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
