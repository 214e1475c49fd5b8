package epoch

import (
	"testing"

	"poolminerd/internal/pooltypes"
)

func TestEpochForBlock(t *testing.T) {
	cases := []struct {
		block int64
		want  uint64
	}{
		{-1, 0},
		{0, 0},
		{29999, 0},
		{30000, 1},
		{60001, 2},
	}
	for _, c := range cases {
		if got := EpochForBlock(c.block); got != c.want {
			t.Errorf("EpochForBlock(%d) = %d, want %d", c.block, got, c.want)
		}
	}
}

func TestChainOracleFromSeedZero(t *testing.T) {
	o := NewChainOracle()
	if got := o.FromSeed(pooltypes.Hash256{}); got != 0 {
		t.Fatalf("epoch 0 seed should map to 0, got %d", got)
	}
}

func TestChainOracleWalksChain(t *testing.T) {
	o := NewChainOracle()
	epoch1Seed := fingerprint(pooltypes.Hash256{})
	if got := o.FromSeed(epoch1Seed); got != 1 {
		t.Fatalf("expected epoch 1, got %d", got)
	}
	epoch2Seed := fingerprint(epoch1Seed)
	if got := o.FromSeed(epoch2Seed); got != 2 {
		t.Fatalf("expected epoch 2, got %d", got)
	}
	// Re-querying an already-discovered seed should be served from cache.
	if got := o.FromSeed(epoch1Seed); got != 1 {
		t.Fatalf("expected cached epoch 1, got %d", got)
	}
}

func TestChainOracleUnknownSeedFallsBackToZero(t *testing.T) {
	o := NewChainOracle()
	unknown := pooltypes.Hash256{0xff}
	if got := o.FromSeed(unknown); got != 0 {
		t.Fatalf("expected fallback to 0 for unreachable seed, got %d", got)
	}
}
