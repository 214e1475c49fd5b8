package pooltypes

import "testing"

func TestHash256FromHex(t *testing.T) {
	h := Hash256FromHex("0xdeadbeef")
	if h[28] != 0xde || h[29] != 0xad || h[30] != 0xbe || h[31] != 0xef {
		t.Fatalf("expected right-aligned deadbeef, got %x", h)
	}
	for i := 0; i < 28; i++ {
		if h[i] != 0 {
			t.Fatalf("expected leading bytes to be zero, got %x", h)
		}
	}
}

func TestHash256FromHexMalformed(t *testing.T) {
	h := Hash256FromHex("not-hex")
	if !h.IsZero() {
		t.Fatalf("malformed input should yield zero hash, got %x", h)
	}
}

func TestWorkPackagePresentAndDummy(t *testing.T) {
	var wp WorkPackage
	if wp.Present() {
		t.Fatalf("zero-header package should not be present")
	}
	wp.Header = DeadbeefHeader
	if !wp.Present() {
		t.Fatalf("deadbeef header should count as present")
	}
	if !wp.IsDummy() {
		t.Fatalf("expected IsDummy true for deadbeef header")
	}
}

func TestHexPrefixed(t *testing.T) {
	h := Hash256FromHex("0x01")
	if h.HexPrefixed()[:2] != "0x" {
		t.Fatalf("expected 0x prefix, got %s", h.HexPrefixed())
	}
}
