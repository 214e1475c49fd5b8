//go:build nojsonsimd

package jsonx

import stdjson "encoding/json"

// Marshal encodes v using the standard library.
func Marshal(v interface{}) ([]byte, error) {
	return stdjson.Marshal(v)
}

// Unmarshal decodes data into v using the standard library.
func Unmarshal(data []byte, v interface{}) error {
	return stdjson.Unmarshal(data, v)
}
