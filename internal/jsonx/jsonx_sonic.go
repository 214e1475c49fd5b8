//go:build !nojsonsimd

// Package jsonx is the JSON codec used for the pool wire messages this
// repo sends or parses: eth_getWork/eth_submitWork/eth_submitHashrate
// bodies. The status server encodes its payloads with encoding/json
// instead. It mirrors the pool server's own
// sonic/stdlib build-tag split so the fast path is the default and a
// plain `encoding/json` fallback stays available for platforms sonic
// doesn't support.
package jsonx

import "github.com/bytedance/sonic"

var fast = sonic.ConfigDefault

// Marshal encodes v using the sonic fast path.
func Marshal(v interface{}) ([]byte, error) {
	return fast.Marshal(v)
}

// Unmarshal decodes data into v using the sonic fast path.
func Unmarshal(data []byte, v interface{}) error {
	return fast.Unmarshal(data, v)
}
