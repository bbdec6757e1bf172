// Package payload reads values out of decoded webhook JSON by dotted path.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decode parses a JSON document, keeping numbers as json.Number so their
// literal text survives.
func Decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	return v, nil
}

// Lookup walks v along path. Segments that parse as integers index arrays,
// negative ones counting back from the end; all others index objects. A
// missing key, an out of range index or a segment applied to the wrong kind
// of value reports false. An empty path returns v itself.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}

	cur := v
	for _, seg := range strings.Split(path, ".") {
		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			if idx < 0 {
				idx += len(arr)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// String looks up path and returns its scalar text. Strings are returned
// as-is and numbers by their literal; anything else reports false.
func String(v any, path string) (string, bool) {
	got, ok := Lookup(v, path)
	if !ok {
		return "", false
	}
	switch s := got.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	default:
		return "", false
	}
}

// Get returns the value at path, or fallback when it is missing.
func Get(v any, path string, fallback any) any {
	if got, ok := Lookup(v, path); ok {
		return got
	}
	return fallback
}
