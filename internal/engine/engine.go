// Package engine defines the MiningEngine collaborator the spec treats as
// external (GPU/CPU hashing is out of scope) and ships one in-memory Fake
// implementation so PoolManager can be built and tested against a real
// interface instead of a bag of closures.
package engine

import (
	"sync"
	"sync/atomic"

	"poolminerd/internal/pooltypes"
)

// MinerType selects which backend(s) the engine should spin up.
type MinerType int

const (
	MinerCL MinerType = iota
	MinerCUDA
	MinerMixed
)

// Progress is a snapshot of the engine's current throughput.
type Progress struct {
	HashRate uint64 // hashes per second
}

// SolutionHandler is invoked by the engine whenever a worker finds a
// candidate solution. Matching the original's callback contract, the
// return value is ignored by the engine (it never "consumes" the
// solution) but is kept for symmetry with the event-sink style used
// elsewhere in this repo.
type SolutionHandler func(sol pooltypes.Solution) bool

// Engine is the mining engine contract PoolManager drives. Implementations
// are process-wide singletons in the original; here they are passed in
// explicitly so tests can substitute Fake.
type Engine interface {
	// Start spins up the given backend(s). Safe to call when already
	// mining (starting an additional backend for MinerMixed).
	Start(kind MinerType)
	// Stop shuts every worker down.
	Stop()
	// Pause suspends workers without tearing them down.
	Pause()
	// Resume un-suspends previously paused workers.
	Resume()
	// IsMining reports whether any worker is running (paused or not).
	IsMining() bool
	// Paused reports whether workers are currently suspended.
	Paused() bool
	// Shuffle re-spreads the nonce space across workers to reduce
	// overlap between miners working the same job.
	Shuffle()
	// SetWork hands the engine the work package it should mine against.
	// An empty package (Present() == false) pauses mining on that work.
	SetWork(wp pooltypes.WorkPackage)
	// Progress reports current throughput.
	Progress() Progress
	// OnSolutionFound installs the callback invoked when a worker finds a
	// solution. Set once by the owner (PoolManager).
	OnSolutionFound(h SolutionHandler)
	// AcceptedSolution and RejectedSolution let the owner account pool
	// responses back against the engine's stats.
	AcceptedSolution(stale bool, minerIndex uint)
	RejectedSolution(minerIndex uint)
}

// Fake is an in-memory Engine used by tests and by cmd/poolminerd's
// -fake-engine development mode. It tracks state transitions faithfully
// enough to exercise PoolManager's invariants without doing any real
// hashing.
type Fake struct {
	mu      sync.Mutex
	mining  bool
	paused  bool
	work    pooltypes.WorkPackage
	handler SolutionHandler

	shuffles  atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	hashRate  atomic.Uint64
	startKind MinerType
}

// NewFake returns a ready-to-use Fake with a configurable reported
// hashrate.
func NewFake(hashRate uint64) *Fake {
	f := &Fake{}
	f.hashRate.Store(hashRate)
	return f
}

func (f *Fake) Start(kind MinerType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mining = true
	f.paused = false
	f.startKind = kind
}

func (f *Fake) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mining = false
	f.paused = false
	f.work = pooltypes.WorkPackage{}
}

func (f *Fake) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *Fake) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *Fake) IsMining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mining
}

func (f *Fake) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *Fake) Shuffle() {
	f.shuffles.Add(1)
}

// Shuffles reports how many times Shuffle has been called, for tests.
func (f *Fake) Shuffles() uint64 {
	return f.shuffles.Load()
}

func (f *Fake) SetWork(wp pooltypes.WorkPackage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = wp
}

// CurrentWork returns the last work package handed to the engine, for
// tests.
func (f *Fake) CurrentWork() pooltypes.WorkPackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.work
}

func (f *Fake) Progress() Progress {
	return Progress{HashRate: f.hashRate.Load()}
}

// SetHashRate lets a test change the reported hashrate mid-run.
func (f *Fake) SetHashRate(rate uint64) {
	f.hashRate.Store(rate)
}

func (f *Fake) OnSolutionFound(h SolutionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// FindSolution simulates a worker finding sol, invoking the installed
// handler the way a real backend would.
func (f *Fake) FindSolution(sol pooltypes.Solution) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(sol)
	}
}

func (f *Fake) AcceptedSolution(stale bool, minerIndex uint) {
	f.accepted.Add(1)
}

func (f *Fake) RejectedSolution(minerIndex uint) {
	f.rejected.Add(1)
}

// Accepted and Rejected report accounting counters, for tests.
func (f *Fake) Accepted() uint64 { return f.accepted.Load() }
func (f *Fake) Rejected() uint64 { return f.rejected.Load() }
