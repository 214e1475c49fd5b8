// Package epoch implements EpochOracle, the seed-hash-to-epoch-number
// lookup the spec treats as an external collaborator (the real
// implementation lives in the mining engine's cryptographic library, out
// of scope here). This is a minimal, self-contained stand-in: epoch 0's
// seed is the zero hash, and each subsequent epoch's seed is the
// fingerprint hash of the previous one, so the oracle recovers an epoch
// number by walking that chain.
package epoch

import (
	"sync"

	sha256simd "github.com/minio/sha256-simd"

	"poolminerd/internal/pooltypes"
)

// BlocksPerEpoch is the number of blocks sharing one epoch's dataset.
const BlocksPerEpoch = 30000

// maxEpoch bounds the forward search so a seed that will never match
// doesn't walk the chain forever; this comfortably covers mainnet-scale
// chain heights.
const maxEpoch = 4096

// Oracle maps a work package's seed hash to an epoch number.
type Oracle interface {
	FromSeed(seed pooltypes.Hash256) uint64
}

// ChainOracle is the default Oracle: it lazily extends and memoizes the
// seed chain as higher epochs are requested, so repeated lookups for the
// current epoch are O(1) after the first walk to it.
type ChainOracle struct {
	mu     sync.Mutex
	chain  []pooltypes.Hash256 // chain[e] is epoch e's seed
	byHash map[pooltypes.Hash256]uint64
}

// NewChainOracle returns an Oracle seeded with epoch 0's all-zero seed.
func NewChainOracle() *ChainOracle {
	o := &ChainOracle{
		chain:  []pooltypes.Hash256{{}},
		byHash: map[pooltypes.Hash256]uint64{{}: 0},
	}
	return o
}

// FromSeed returns the epoch number whose seed chain produces the given
// hash, extending the chain as needed. A seed that never matches within
// maxEpoch returns 0, matching the oracle's "unknown maps to genesis"
// fallback rather than panicking on a malformed work package.
func (o *ChainOracle) FromSeed(seed pooltypes.Hash256) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.byHash[seed]; ok {
		return e
	}
	for uint64(len(o.chain)) <= maxEpoch {
		next := fingerprint(o.chain[len(o.chain)-1])
		e := uint64(len(o.chain))
		o.chain = append(o.chain, next)
		o.byHash[next] = e
		if next == seed {
			return e
		}
	}
	return 0
}

// fingerprint derives the next epoch's seed from the previous one. The
// real ethash chain uses keccak256; sha256-simd stands in here since no
// keccak implementation is part of this repo's dependency surface and the
// exact hash function is an implementation detail of the (out-of-scope)
// cryptographic collaborator.
func fingerprint(prev pooltypes.Hash256) pooltypes.Hash256 {
	sum := sha256simd.Sum256(prev[:])
	return pooltypes.Hash256(sum)
}

// EpochForBlock implements the spec's other epoch path: when the block
// number is known, epoch is simply block/30000, and the oracle is never
// consulted.
func EpochForBlock(block int64) uint64 {
	if block <= 0 {
		return 0
	}
	return uint64(block) / BlocksPerEpoch
}
