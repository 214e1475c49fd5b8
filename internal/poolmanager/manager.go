// Package poolmanager implements PoolManager: the pool-list owner,
// failover/rotation state machine, and event fan-out between a PoolClient
// and a MiningEngine.
//
// All state mutation driven by pool/timer events happens on a single
// dispatch goroutine (the "strand", named after the original's
// boost::asio::io_service::strand) so rotateConnect, onWorkReceived, and
// the timers never race each other. External callers that add/remove/
// list connections take activeConnMu instead of hopping onto the strand,
// matching the spec's two-tier concurrency model.
package poolmanager

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"

	"poolminerd/internal/engine"
	"poolminerd/internal/epoch"
	"poolminerd/internal/logx"
	"poolminerd/internal/pooltypes"
)

// Options configures a Manager at construction time.
type Options struct {
	MinerType       engine.MinerType
	Ergodicity      int // 0, 1, or 2 per spec
	MaxTries        uint
	FailoverMinutes uint
	HashrateReport  time.Duration
	Logger          *logx.Logger
	// OnTerminate is invoked when rotation exhausts the connection list
	// or hits the "exit" sentinel host. cmd/poolminerd's hook cancels its
	// SIGINT/SIGTERM signal context, which runs the same shutdown as a
	// received termination signal; tests substitute a no-op or a
	// channel-closing stub. A nil hook is replaced by a no-op.
	OnTerminate func()
}

// Manager is the PoolManager described in the spec.
type Manager struct {
	client pooltypes.PoolClient
	eng    engine.Engine
	oracle epoch.Oracle
	log    *logx.Logger

	minerType        engine.MinerType
	ergodicity       int
	maxTries         uint
	failoverMinutes  uint
	hrReportInterval time.Duration
	onTerminate      func()
	minerID          string

	// activeConnMu guards connections/activeIdx/selectedHostLabel against
	// concurrent access from outside the dispatch goroutine. The strand
	// also takes this lock when it mutates these same fields.
	activeConnMu      sync.RWMutex
	connections       []pooltypes.URI
	activeIdx         int
	selectedHostLabel string

	// attempts is guarded by activeConnMu: the dispatch goroutine updates
	// it during rotation and failover, and SetActiveConnection resets it
	// from the caller's goroutine.
	attempts uint

	// wpMu guards currentWp so read-only getters (GetCurrentEpoch,
	// GetCurrentDifficulty) don't need to round-trip through the strand.
	wpMu      sync.RWMutex
	currentWp pooltypes.WorkPackage

	connectionSwitches atomic.Uint64
	epochChanges       atomic.Uint64
	running            atomic.Bool
	stopping           atomic.Bool
	startedAt          time.Time

	cmdCh chan func()

	failoverTimer *time.Timer
	hrTimer       *time.Timer
}

// New builds a Manager wired to client and eng. SetEventSink is called on
// client so its events route back onto the Manager's strand.
func New(client pooltypes.PoolClient, eng engine.Engine, oracle epoch.Oracle, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logx.Default
	}
	if opts.OnTerminate == nil {
		opts.OnTerminate = func() {}
	}
	m := &Manager{
		client:           client,
		eng:              eng,
		oracle:           oracle,
		log:              opts.Logger,
		minerType:        opts.MinerType,
		ergodicity:       opts.Ergodicity,
		maxTries:         opts.MaxTries,
		failoverMinutes:  opts.FailoverMinutes,
		hrReportInterval: opts.HashrateReport,
		onTerminate:      opts.OnTerminate,
		minerID:          randomMinerID(),
		cmdCh:            make(chan func(), 64),
	}
	client.SetEventSink(m)
	eng.OnSolutionFound(m.onSolutionFound)
	go m.run()
	return m
}

func randomMinerID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "0x" + hex.EncodeToString(b[:])
}

func (m *Manager) run() {
	for task := range m.cmdCh {
		task()
	}
}

// post enqueues f to run on the dispatch goroutine.
func (m *Manager) post(f func()) {
	m.cmdCh <- f
}

// ---- external-thread-safe connection list management ----

// AddConnection appends a pool endpoint to the end of the list.
func (m *Manager) AddConnection(conn pooltypes.URI) {
	m.activeConnMu.Lock()
	m.connections = append(m.connections, conn)
	m.activeConnMu.Unlock()
}

// RemoveConnection removes the entry at idx. Returns 0 on success, -1 if
// idx is out of range, -2 if idx is the active connection (removal
// refused — see DESIGN.md Open Question (a)).
func (m *Manager) RemoveConnection(idx uint) int {
	m.activeConnMu.Lock()
	defer m.activeConnMu.Unlock()
	if int(idx) >= len(m.connections) {
		return -1
	}
	if int(idx) == m.activeIdx {
		return -2
	}
	m.connections = append(m.connections[:idx], m.connections[idx+1:]...)
	if int(idx) < m.activeIdx {
		m.activeIdx--
	}
	return 0
}

// ClearConnections empties the list and, if currently connected, forces a
// disconnect. The rotation that follows the disconnect finds the list
// empty and terminates, as rotateConnect does for an exhausted list.
func (m *Manager) ClearConnections() {
	m.activeConnMu.Lock()
	m.connections = nil
	m.activeIdx = 0
	m.activeConnMu.Unlock()

	if m.client.IsConnected() {
		m.client.Disconnect()
	}
}

// SetActiveConnection switches the active pool immediately. Returns 0 on
// success, -1 if idx is out of range.
func (m *Manager) SetActiveConnection(idx uint) int {
	m.activeConnMu.Lock()
	if int(idx) >= len(m.connections) {
		m.activeConnMu.Unlock()
		return -1
	}
	if int(idx) == m.activeIdx {
		m.activeConnMu.Unlock()
		return 0
	}
	m.connectionSwitches.Add(1)
	m.activeIdx = int(idx)
	m.attempts = 0
	m.activeConnMu.Unlock()

	m.client.Disconnect()
	m.log.Info("suspend mining: switching pool")
	m.eng.Pause()
	return 0
}

// ConnectionView is one row of the JSON connections report.
type ConnectionView struct {
	Index  int    `json:"index"`
	Active bool   `json:"active"`
	URI    string `json:"uri"`
}

// GetConnectionsJson returns the configured pool list in order.
func (m *Manager) GetConnectionsJson() []ConnectionView {
	m.activeConnMu.RLock()
	defer m.activeConnMu.RUnlock()
	out := make([]ConnectionView, len(m.connections))
	for i, c := range m.connections {
		out[i] = ConnectionView{Index: i, Active: i == m.activeIdx, URI: c.String()}
	}
	return out
}

// GetActiveConnectionCopy returns a copy of the currently active URI, or
// the zero URI if none is configured.
func (m *Manager) GetActiveConnectionCopy() pooltypes.URI {
	m.activeConnMu.RLock()
	defer m.activeConnMu.RUnlock()
	if m.activeIdx < len(m.connections) {
		return m.connections[m.activeIdx]
	}
	return pooltypes.URI{}
}

// ---- lifecycle ----

// Start arms the scheduler and posts the first rotation attempt.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.startedAt = time.Now()
	m.connectionSwitches.Add(1)
	m.post(m.rotateConnect)
}

// Stop requests an orderly shutdown and blocks until quiesced.
func (m *Manager) Stop() {
	if !m.running.Load() {
		return
	}
	m.log.Info("stopping", "uptime", durafmt.Parse(time.Since(m.startedAt)).String())
	m.stopping.Store(true)

	if m.client.IsConnected() {
		m.client.Disconnect()
		for m.running.Load() {
			time.Sleep(500 * time.Millisecond)
		}
		return
	}

	done := make(chan struct{})
	m.post(func() {
		m.cancelTimers()
		if m.eng.IsMining() {
			m.log.Info("shutting down miners")
			m.eng.Stop()
		}
		close(done)
	})
	<-done
	m.running.Store(false)
}

func (m *Manager) cancelTimers() {
	if m.failoverTimer != nil {
		m.failoverTimer.Stop()
		m.failoverTimer = nil
	}
	if m.hrTimer != nil {
		m.hrTimer.Stop()
		m.hrTimer = nil
	}
}

// ---- rotateConnect ----

func (m *Manager) rotateConnect() {
	if m.client.IsConnected() {
		return
	}

	m.activeConnMu.Lock()

	if m.activeIdx >= len(m.connections) {
		m.activeIdx = 0
	}

	switch {
	case len(m.connections) > 0 && m.connections[m.activeIdx].IsUnrecoverable:
		m.connections = append(m.connections[:m.activeIdx], m.connections[m.activeIdx+1:]...)
		m.attempts = 0
		if m.activeIdx >= len(m.connections) {
			m.activeIdx = 0
		}
		m.connectionSwitches.Add(1)

	case m.attempts >= m.maxTries:
		if len(m.connections) == 1 {
			m.connections = m.connections[:0]
		} else if len(m.connections) > 1 {
			m.attempts = 0
			m.activeIdx++
			if m.activeIdx >= len(m.connections) {
				m.activeIdx = 0
			}
			m.connectionSwitches.Add(1)
		}
	}

	if len(m.connections) == 0 || m.connections[m.activeIdx].IsExit() {
		empty := len(m.connections) == 0
		m.activeConnMu.Unlock()
		if empty {
			m.log.Info("no more connections to try, exiting")
		} else {
			m.log.Info("'exit' failover hit, exiting")
		}
		if m.eng.IsMining() {
			m.log.Info("shutting down miners")
			m.eng.Stop()
		}
		m.running.Store(false)
		m.onTerminate()
		return
	}

	m.attempts++
	uri := m.connections[m.activeIdx]
	m.selectedHostLabel = uri.HostPort()
	m.activeConnMu.Unlock()

	m.log.Info("selected pool", "host", m.selectedHostLabel)
	m.client.SetConnection(&uri)
	m.client.Connect()
}

// ---- EventSink (pooltypes.EventSink) ----

func (m *Manager) OnConnected() {
	m.post(m.handleConnected)
}

func (m *Manager) handleConnected() {
	m.activeConnMu.RLock()
	host := m.selectedHostLabel
	idx := m.activeIdx
	m.activeConnMu.RUnlock()
	m.log.Info("established connection", "host", host)

	m.wpMu.Lock()
	m.currentWp.Job = ""
	m.wpMu.Unlock()

	if m.ergodicity == 1 {
		m.eng.Shuffle()
	}

	if idx != 0 && m.failoverMinutes > 0 {
		d := time.Duration(m.failoverMinutes) * time.Minute
		m.log.Info("will fail back to primary pool", "in", durafmt.Parse(d).String())
		m.cancelFailoverTimer()
		m.failoverTimer = time.AfterFunc(d, func() {
			m.post(m.handleFailoverTimer)
		})
	} else {
		m.cancelFailoverTimer()
	}

	if !m.eng.IsMining() {
		m.log.Info("spinning up miners")
		m.eng.Start(m.minerType)
	} else if m.eng.Paused() {
		m.log.Info("resume mining")
		m.eng.Resume()
	}

	m.armHashrateTimer()
}

func (m *Manager) cancelFailoverTimer() {
	if m.failoverTimer != nil {
		m.failoverTimer.Stop()
		m.failoverTimer = nil
	}
}

func (m *Manager) armHashrateTimer() {
	if m.hrTimer != nil {
		m.hrTimer.Stop()
	}
	if m.hrReportInterval <= 0 {
		return
	}
	m.hrTimer = time.AfterFunc(m.hrReportInterval, func() {
		m.post(m.handleHashrateTimer)
	})
}

func (m *Manager) OnDisconnected() {
	m.post(m.handleDisconnected)
}

func (m *Manager) handleDisconnected() {
	m.activeConnMu.RLock()
	host := m.selectedHostLabel
	m.activeConnMu.RUnlock()
	m.log.Info("disconnected", "host", host)

	m.client.UnsetConnection()
	m.wpMu.Lock()
	m.currentWp.Header = pooltypes.Hash256{}
	m.wpMu.Unlock()
	m.cancelTimers()

	if m.stopping.Load() {
		if m.eng.IsMining() {
			m.log.Info("shutting down miners")
			m.eng.Stop()
		}
		m.running.Store(false)
		return
	}

	m.log.Info("no connection, suspending mining")
	m.eng.Pause()
	m.rotateConnect()
}

func (m *Manager) OnWorkReceived(wp pooltypes.WorkPackage) {
	m.post(func() { m.handleWorkReceived(wp) })
}

func (m *Manager) handleWorkReceived(wp pooltypes.WorkPackage) {
	if !wp.Present() {
		return
	}

	m.wpMu.Lock()
	prev := m.currentWp
	newEpoch := wp.Seed != prev.Seed
	newDiff := wp.Boundary != prev.Boundary
	if newEpoch {
		if wp.Block > 0 {
			wp.Epoch = epoch.EpochForBlock(wp.Block)
		} else {
			wp.Epoch = m.oracle.FromSeed(wp.Seed)
		}
	} else {
		wp.Epoch = prev.Epoch
	}
	m.currentWp = wp
	m.wpMu.Unlock()

	if newEpoch {
		m.epochChanges.Add(1)
		m.log.Info("epoch", "epoch", wp.Epoch)
	}
	if newDiff {
		m.log.Info("difficulty", "megahash", m.GetCurrentDifficulty()/1e6)
	}

	m.activeConnMu.RLock()
	host := m.selectedHostLabel
	m.activeConnMu.RUnlock()
	blockInfo := ""
	if wp.Block >= 0 {
		blockInfo = fmt.Sprintf(" block %d", wp.Block)
	}
	m.log.Info("job", "job", wp.Job, "detail", blockInfo, "host", host)

	if m.ergodicity == 2 && wp.ExSizeBytes == 0 {
		m.eng.Shuffle()
	}
	m.eng.SetWork(wp)
}

func (m *Manager) OnSolutionAccepted(stale bool, elapsed time.Duration, minerIndex uint) {
	m.post(func() {
		m.activeConnMu.RLock()
		host := m.selectedHostLabel
		m.activeConnMu.RUnlock()
		tag := ""
		if stale {
			tag = " (stale)"
		}
		m.log.Info("accepted"+tag, "elapsed_ms", elapsed.Milliseconds(), "host", host)
		m.eng.AcceptedSolution(stale, minerIndex)
	})
}

func (m *Manager) OnSolutionRejected(stale bool, elapsed time.Duration, minerIndex uint) {
	m.post(func() {
		m.activeConnMu.RLock()
		host := m.selectedHostLabel
		m.activeConnMu.RUnlock()
		tag := ""
		if stale {
			tag = " (stale)"
		}
		m.log.Warn("rejected"+tag, "elapsed_ms", elapsed.Milliseconds(), "host", host)
		m.eng.RejectedSolution(minerIndex)
	})
}

func (m *Manager) OnPoWStart() {
	m.post(func() { m.log.Info("pow window start") })
}

func (m *Manager) OnPoWEnd() {
	m.post(func() { m.log.Info("pow window end") })
}

// onSolutionFound is registered with the engine. Deliberately *not*
// routed through the dispatch strand: the spec calls this decision out as
// local and non-queued, so a solution never gets delivered to a
// reconnected-but-unrelated session.
func (m *Manager) onSolutionFound(sol pooltypes.Solution) bool {
	if m.client.IsConnected() {
		m.client.SubmitSolution(sol)
	} else {
		m.log.Info("solution wasted, waiting for connection",
			"nonce", fmt.Sprintf("0x%x", sol.Nonce))
	}
	return false
}

// ---- timers ----

func (m *Manager) handleFailoverTimer() {
	if !m.running.Load() {
		return
	}
	m.activeConnMu.Lock()
	if m.activeIdx == 0 {
		m.activeConnMu.Unlock()
		return
	}
	m.activeIdx = 0
	m.attempts = 0
	m.connectionSwitches.Add(1)
	m.activeConnMu.Unlock()

	m.log.Info("failover timeout reached, retrying primary pool")
	m.client.Disconnect()
}

func (m *Manager) handleHashrateTimer() {
	if !m.running.Load() || !m.client.IsConnected() {
		return
	}
	rate := m.eng.Progress().HashRate
	m.client.SubmitHashrate(hashrateHex(rate), m.minerID)
	m.armHashrateTimer()
}

// hashrateHex renders rate as a 64-hex-digit, "0x"-prefixed big-endian
// compact hex string, matching eth_submitHashrate's wire format.
func hashrateHex(rate uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rate)
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	h := hex.EncodeToString(buf[i:])
	if len(h) > 1 && h[0] == '0' {
		h = h[1:]
	}
	if len(h) < 64 {
		h = strings.Repeat("0", 64-len(h)) + h
	}
	return "0x" + h
}

// ---- counters & derived state ----

func (m *Manager) GetConnectionSwitches() uint64 { return m.connectionSwitches.Load() }
func (m *Manager) GetEpochChanges() uint64       { return m.epochChanges.Load() }

func (m *Manager) GetCurrentEpoch() uint64 {
	m.wpMu.RLock()
	defer m.wpMu.RUnlock()
	if !m.currentWp.Present() {
		return 0
	}
	return m.currentWp.Epoch
}

var difficultyDividend = new(big.Int).Lsh(big.NewInt(0xffff), 240)

// GetCurrentDifficulty returns floor(0xffff*2^240 / boundary) as a double,
// or zero when there is no current work.
func (m *Manager) GetCurrentDifficulty() float64 {
	m.wpMu.RLock()
	wp := m.currentWp
	m.wpMu.RUnlock()

	if !wp.Present() {
		return 0
	}
	divisor := new(big.Int).SetBytes(wp.Boundary[:])
	if divisor.Sign() == 0 {
		return 0
	}
	quotient := new(big.Int).Div(difficultyDividend, divisor)
	f := new(big.Float).SetInt(quotient)
	out, _ := f.Float64()
	return out
}

// IsRunning reports whether the manager's dispatch loop is actively
// pursuing a connection.
func (m *Manager) IsRunning() bool { return m.running.Load() }
