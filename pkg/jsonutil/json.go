/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package jsonutil

import (
	"bytes"
	"encoding/json"
)

// Unmarshal parses the JSON-encoded data and stores the result in the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	d := json.NewDecoder(bytes.NewReader(data))
	return d.Decode(v)
}

// MarshalSilently converts the given value to its JSON representation,
// returning nil on failure.
func MarshalSilently(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// IsValid reports whether data is well-formed JSON.
func IsValid(data []byte) bool {
	return json.Valid(data)
}

// Canonical re-encodes raw JSON with sorted object keys and no insignificant
// whitespace so equal value trees produce identical bytes.
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys during encode.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
