package jsonx

import "encoding/json"

// RawMessage re-exports encoding/json's delayed-decode type so callers
// don't need to import encoding/json just to hold an undecoded field; both
// codec backends understand it since sonic's API is json.RawMessage
// compatible.
type RawMessage = json.RawMessage
