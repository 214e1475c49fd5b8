package pooltypes

import "encoding/hex"

// Hash256 is a fixed 32-byte value: a header, seed, or boundary (target).
type Hash256 [32]byte

// IsZero reports whether every byte of the hash is zero.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// Hex renders the hash as lowercase hex without a leading "0x", matching
// WorkPackage.job's derivation from the header in the original protocol.
func (h Hash256) Hex() string {
	return hex.EncodeToString(h[:])
}

// HexPrefixed renders the hash as "0x"-prefixed lowercase hex, the form
// used on the wire in JSON-RPC params.
func (h Hash256) HexPrefixed() string {
	return "0x" + h.Hex()
}

// Hash256FromHex parses a "0x"-prefixed or bare hex string. A string
// shorter than 64 hex digits is right-aligned (left-padded with zero
// bytes), a longer one keeps only its last 32 bytes, and a malformed
// string (non-hex or an odd number of digits) yields the zero hash,
// mirroring the original's tolerant h256(string) constructor rather than
// failing the whole getWork response over one bad field.
func Hash256FromHex(s string) Hash256 {
	var out Hash256
	if len(s) >= 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out
	}
	if len(b) > len(out) {
		b = b[len(b)-len(out):]
	}
	copy(out[len(out)-len(b):], b)
	return out
}

// DeadbeefHeader is the sentinel header value used for the ZIL dummy work
// package sent when a PoW window opens before any real work has arrived,
// to force early DAG initialization.
var DeadbeefHeader = Hash256{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xDE, 0xAD, 0xBE, 0xEF}

// WorkPackage is one unit of mining work handed from a PoolClient to the
// MiningEngine.
type WorkPackage struct {
	Header      Hash256
	Seed        Hash256
	Boundary    Hash256
	Job         string
	Block       int64 // -1 if unknown
	Epoch       uint64
	ExSizeBytes uint
}

// Present reports whether this package carries real work (header != 0).
func (w WorkPackage) Present() bool {
	return !w.Header.IsZero()
}

// IsDummy reports whether this is the ZIL-mode placeholder package used to
// force DAG initialization before real work for a PoW window arrives.
func (w WorkPackage) IsDummy() bool {
	return w.Header == DeadbeefHeader
}

// Solution is a candidate nonce/mix-hash pair proving work for a package.
type Solution struct {
	Nonce      uint64
	MixHash    Hash256
	Work       WorkPackage
	MinerIndex uint
}
