package getwork

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"poolminerd/internal/pooltypes"
)

type rpcCall struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// stubPool is a minimal eth_getWork/eth_submitWork/eth_submitHashrate
// JSON-RPC server for exercising Client without a real pool. In ZIL mode
// it appends powRunning/secondsToNextPoW as native JSON bool/number
// fields, matching the real wire contract.
type stubPool struct {
	mu               sync.Mutex
	header           string
	seed             string
	boundary         string
	zil              bool
	powRunning       bool
	secondsToNextPoW uint64
	submitResult     bool
	submitCalls      atomic.Int32
	hashrateCall     atomic.Int32
}

func newStubPool() *stubPool {
	return &stubPool{
		header:       "0x01",
		seed:         "0x02",
		boundary:     "0x03",
		submitResult: true,
	}
}

func (s *stubPool) setWork(header, seed, boundary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header, s.seed, s.boundary = header, seed, boundary
}

func (s *stubPool) setZIL(powRunning bool, secondsToNextPoW uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zil = true
	s.powRunning = powRunning
	s.secondsToNextPoW = secondsToNextPoW
}

func (s *stubPool) handler(w http.ResponseWriter, r *http.Request) {
	var call rpcCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result interface{}
	switch call.Method {
	case "eth_getWork":
		s.mu.Lock()
		fields := []interface{}{s.header, s.seed, s.boundary}
		if s.zil {
			fields = append(fields, s.powRunning, s.secondsToNextPoW)
		}
		result = fields
		s.mu.Unlock()
	case "eth_submitWork":
		s.submitCalls.Add(1)
		s.mu.Lock()
		result = s.submitResult
		s.mu.Unlock()
	case "eth_submitHashrate":
		s.hashrateCall.Add(1)
		result = true
	default:
		http.Error(w, "unknown method", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"id":      call.ID,
		"jsonrpc": "2.0",
		"result":  result,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type recordingSink struct {
	mu          sync.Mutex
	connected   int
	disconnects int
	work        []pooltypes.WorkPackage
	accepted    int
	rejected    int
	powStarts   int
	powEnds     int
}

func (s *recordingSink) OnConnected() {
	s.mu.Lock()
	s.connected++
	s.mu.Unlock()
}
func (s *recordingSink) OnDisconnected() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
}
func (s *recordingSink) OnWorkReceived(wp pooltypes.WorkPackage) {
	s.mu.Lock()
	s.work = append(s.work, wp)
	s.mu.Unlock()
}
func (s *recordingSink) OnSolutionAccepted(stale bool, elapsed time.Duration, minerIndex uint) {
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
}
func (s *recordingSink) OnSolutionRejected(stale bool, elapsed time.Duration, minerIndex uint) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}
func (s *recordingSink) OnPoWStart() {
	s.mu.Lock()
	s.powStarts++
	s.mu.Unlock()
}
func (s *recordingSink) OnPoWEnd() {
	s.mu.Lock()
	s.powEnds++
	s.mu.Unlock()
}

func (s *recordingSink) workCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.work)
}

func (s *recordingSink) lastWork() pooltypes.WorkPackage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.work[len(s.work)-1]
}

func uriFor(t *testing.T, srv *httptest.Server) pooltypes.URI {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return pooltypes.URI{Scheme: "http", Host: u.Hostname(), Port: uint16(port)}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestClientConnectAndPoll(t *testing.T) {
	pool := newStubPool()
	srv := httptest.NewServer(http.HandlerFunc(pool.handler))
	defer srv.Close()

	sink := &recordingSink{}
	c := New(Options{FarmRecheck: 20 * time.Millisecond})
	c.SetEventSink(sink)
	u := uriFor(t, srv)
	c.SetConnection(&u)
	c.Connect()

	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.connected == 1
	})
	if !c.IsConnected() {
		t.Fatalf("expected client to report connected")
	}
	waitUntil(t, func() bool { return sink.workCount() >= 1 })

	c.Disconnect()
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.disconnects >= 1
	})
}

func TestClientDuplicateWorkSuppressed(t *testing.T) {
	pool := newStubPool()
	srv := httptest.NewServer(http.HandlerFunc(pool.handler))
	defer srv.Close()

	sink := &recordingSink{}
	c := New(Options{FarmRecheck: 10 * time.Millisecond})
	c.SetEventSink(sink)
	u := uriFor(t, srv)
	c.SetConnection(&u)
	c.Connect()

	waitUntil(t, func() bool { return sink.workCount() >= 1 })
	// Pool keeps serving the same (header, seed, boundary) on every poll;
	// repeated identical polls must not produce more onWorkReceived calls.
	time.Sleep(100 * time.Millisecond)
	if got := sink.workCount(); got != 1 {
		t.Fatalf("expected identical repeated work to be suppressed, got %d onWorkReceived calls", got)
	}
	c.Disconnect()
}

func TestClientSubmitSolution(t *testing.T) {
	pool := newStubPool()
	srv := httptest.NewServer(http.HandlerFunc(pool.handler))
	defer srv.Close()

	sink := &recordingSink{}
	c := New(Options{FarmRecheck: 50 * time.Millisecond})
	c.SetEventSink(sink)
	u := uriFor(t, srv)
	c.SetConnection(&u)
	c.Connect()
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.connected == 1
	})

	sol := pooltypes.Solution{
		Nonce:   1234,
		MixHash: pooltypes.Hash256{5},
		Work:    pooltypes.WorkPackage{Header: pooltypes.Hash256FromHex("0x01")},
	}
	c.SubmitSolution(sol)
	waitUntil(t, func() bool { return pool.submitCalls.Load() == 1 })
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.accepted == 1
	})
	if got := c.SolutionSubmittedMaxID(); got != idSubmitWorkBase {
		t.Fatalf("expected solutionSubmittedMaxId %d, got %d", idSubmitWorkBase, got)
	}

	c.SubmitHashrate("0x"+"00"+"64", "0xminer")
	waitUntil(t, func() bool { return pool.hashrateCall.Load() == 1 })

	c.Disconnect()
}

func TestClientRejectsWhenPoolRejects(t *testing.T) {
	pool := newStubPool()
	pool.submitResult = false
	srv := httptest.NewServer(http.HandlerFunc(pool.handler))
	defer srv.Close()

	sink := &recordingSink{}
	c := New(Options{FarmRecheck: 50 * time.Millisecond})
	c.SetEventSink(sink)
	u := uriFor(t, srv)
	c.SetConnection(&u)
	c.Connect()
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.connected == 1
	})

	c.SubmitSolution(pooltypes.Solution{
		Nonce: 1,
		Work:  pooltypes.WorkPackage{Header: pooltypes.Hash256FromHex("0x01")},
	})
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.rejected == 1
	})
	c.Disconnect()
}

// TestClientZILModeDummyWorkTransitions exercises the windowed-mining
// state machine: the pool only ever reports powRunning/secondsToNextPoW,
// never a literal dummy header. The client itself must synthesize the
// 0xDEADBEEF package on window start when no real job has arrived yet,
// gate real work on the window being open, and deliver an empty package
// on window end.
func TestClientZILModeDummyWorkTransitions(t *testing.T) {
	pool := newStubPool()
	pool.setWork(pooltypes.Hash256{}.HexPrefixed(), "0x00", "0x00")
	pool.setZIL(false, 100)
	srv := httptest.NewServer(http.HandlerFunc(pool.handler))
	defer srv.Close()

	sink := &recordingSink{}
	c := New(Options{
		ZILMode:       true,
		FarmRecheck:   10 * time.Millisecond,
		PowStart:      5 * time.Second,
		PowEndTimeout: time.Second,
	})
	c.SetEventSink(sink)
	u := uriFor(t, srv)
	c.SetConnection(&u)
	c.Connect()

	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.connected == 1
	})
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	starts, works := sink.powStarts, len(sink.work)
	sink.mu.Unlock()
	if starts != 0 {
		t.Fatalf("expected no pow start while window is closed, got %d", starts)
	}
	if works != 0 {
		t.Fatalf("expected no work forwarded while window is closed, got %d", works)
	}

	// Pool opens the window with no real job yet: client must synthesize
	// the dummy package itself.
	pool.setZIL(true, 0)
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.powStarts == 1
	})
	waitUntil(t, func() bool { return sink.workCount() >= 1 })
	dummy := sink.lastWork()
	if dummy.Header != pooltypes.DeadbeefHeader {
		t.Fatalf("expected client-synthesized dummy header, got %x", dummy.Header)
	}
	if dummy.Boundary[3] != 0x04 {
		t.Fatalf("expected dummy boundary[3] == 0x04, got %x", dummy.Boundary[3])
	}

	// Pool now hands out a real job while the window stays open: it must
	// be forwarded.
	pool.setWork("0x0123", "0x04", "0x05")
	waitUntil(t, func() bool {
		wp := sink.lastWork()
		return wp.Header == pooltypes.Hash256FromHex("0x0123")
	})

	// Window closes: OnPoWEnd exactly once, empty work delivered.
	pool.setZIL(false, 100)
	waitUntil(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.powEnds == 1
	})
	waitUntil(t, func() bool { return !sink.lastWork().Present() })

	c.Disconnect()
}
