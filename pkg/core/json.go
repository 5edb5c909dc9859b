package core

import (
	"encoding/json"
	"fmt"
)

// JSONEncode encodes a value to JSON bytes (fail-fast)
// Uses the standard library's json.Marshal for reliable JSON encoding
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, NewError(KindValidation, "INVALID_INPUT", "cannot encode nil value")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return data, nil
}

// JSONDecode decodes JSON bytes to a value (fail-fast)
// Uses the standard library's json.Unmarshal for reliable JSON decoding
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return NewError(KindValidation, "INVALID_INPUT", "cannot decode empty data")
	}
	if v == nil {
		return NewError(KindValidation, "INVALID_INPUT", "cannot decode into nil value")
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
