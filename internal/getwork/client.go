// Package getwork implements the GetworkClient: a PoolClient that polls a
// pool's eth_getWork JSON-RPC endpoint over plain HTTP, submitting found
// solutions via eth_submitWork and periodic hashrate reports via
// eth_submitHashrate. Every request opens and tears down its own
// connection (no keep-alive pooling), matching the wire behavior of the
// original protocol this client descends from.
package getwork

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"poolminerd/internal/jsonx"
	"poolminerd/internal/logx"
	"poolminerd/internal/pooltypes"
)

const maxResponseBytes = 1 << 20

// Fixed JSON-RPC request ids. eth_submitWork uses 40+minerIndex instead.
const (
	idGetWork        = 1
	idSubmitHashrate = 9
	idSubmitWorkBase = 40
)

// Options configures a Client at construction time.
type Options struct {
	// ZILMode switches on windowed mining: outside an active PoW window
	// the pool reports powRunning=false, and the client pauses the
	// engine between windows instead of expecting continuous real work.
	ZILMode bool

	FarmRecheck    time.Duration // poll interval while connected
	WorkTimeout    time.Duration // reconnect if no new work for this long (0 disables)
	PowStart       time.Duration // threshold: window opens once secondsToNextPoW is within this
	PowEndTimeout  time.Duration // safety cutoff for a ZIL window that never closes normally
	RequestTimeout time.Duration // per-HTTP-request timeout

	Logger *logx.Logger
}

// Client is a GetworkClient.
type Client struct {
	log *logx.Logger

	zilMode       bool
	farmRecheck   time.Duration
	workTimeout   time.Duration
	powStart      time.Duration
	powEndTimeout time.Duration

	httpClient *http.Client

	mu         sync.Mutex
	uri        *pooltypes.URI
	session    *pooltypes.Session
	generation uint64
	stopCh     chan struct{}

	connecting atomic.Bool
	connected  atomic.Bool

	// zilPowRunning, powWindowTimeout and currentStartNano track the ZIL
	// windowed-mining state machine. zilPowRunning is read from
	// SubmitSolution/SubmitHashrate on other goroutines so it stays
	// atomic; the others are written by the poll goroutine and reset by
	// Disconnect, which may run on another goroutine, so they are atomic
	// as well.
	zilPowRunning    atomic.Bool
	powWindowTimeout atomic.Bool
	currentStartNano atomic.Int64

	sink pooltypes.EventSink

	solutionSubmittedMaxID atomic.Uint64

	currentWork atomic.Value // pooltypes.WorkPackage
	lastWorkAt  atomic.Int64 // unix nano

	wg sync.WaitGroup
}

// New builds a Client. SetEventSink must be called before Connect.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logx.Default
	}
	if opts.FarmRecheck <= 0 {
		opts.FarmRecheck = 500 * time.Millisecond
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	c := &Client{
		log:           opts.Logger,
		zilMode:       opts.ZILMode,
		farmRecheck:   opts.FarmRecheck,
		workTimeout:   opts.WorkTimeout,
		powStart:      opts.PowStart,
		powEndTimeout: opts.PowEndTimeout,
		httpClient: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	c.currentWork.Store(pooltypes.WorkPackage{Block: -1})
	return c
}

func (c *Client) SetEventSink(sink pooltypes.EventSink) { c.sink = sink }

func (c *Client) SetConnection(conn *pooltypes.URI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == nil {
		c.uri = nil
		return
	}
	u := *conn
	c.uri = &u
}

func (c *Client) UnsetConnection() {
	c.mu.Lock()
	c.uri = nil
	c.mu.Unlock()
}

func (c *Client) activeURI() pooltypes.URI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uri == nil {
		return pooltypes.URI{}
	}
	return *c.uri
}

func (c *Client) IsConnected() bool { return c.connected.Load() }
func (c *Client) IsZILMode() bool   { return c.zilMode }

func (c *Client) ActiveEndpoint() string {
	if !c.connected.Load() {
		return ""
	}
	return c.activeURI().HostPort()
}

// Connect begins an asynchronous first eth_getWork round trip. A connect
// already in flight, or an already-live session, is a no-op.
func (c *Client) Connect() {
	if c.connected.Load() {
		return
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}
	uri := c.activeURI()
	if uri.Host == "" {
		c.connecting.Store(false)
		return
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	stop := make(chan struct{})
	c.stopCh = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(gen, uri, stop)
}

func (c *Client) run(gen uint64, uri pooltypes.URI, stop chan struct{}) {
	defer c.wg.Done()

	raw, err := c.call(uri, "eth_getWork", idGetWork, []interface{}{})
	c.connecting.Store(false)
	if !c.stillCurrent(gen) {
		return
	}
	if err != nil {
		c.log.Warn("connect failed", "host", uri.HostPort(), "err", err)
		c.sink.OnDisconnected()
		return
	}

	c.connected.Store(true)
	c.mu.Lock()
	c.session = pooltypes.NewSession(true, true)
	c.mu.Unlock()
	c.sink.OnConnected()

	delay := c.handleGetworkResult(raw)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if !c.stillCurrent(gen) {
				return
			}
			if c.workTimeout > 0 && time.Since(c.lastWorkTime()) > c.workTimeout {
				c.log.Warn("getwork: no new work within timeout, reconnecting")
				c.Disconnect()
				return
			}
			next, ok := c.pollTick(uri, gen)
			if !ok {
				return
			}
			timer.Reset(next)
		}
	}
}

func (c *Client) pollTick(uri pooltypes.URI, gen uint64) (time.Duration, bool) {
	raw, err := c.call(uri, "eth_getWork", idGetWork, []interface{}{})
	if !c.stillCurrent(gen) {
		return 0, false
	}
	if err != nil {
		c.log.Warn("getwork poll failed", "err", err)
		c.Disconnect()
		return 0, false
	}
	return c.handleGetworkResult(raw), true
}

func (c *Client) stillCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// Disconnect tears down the live (or in-flight) session and fires
// OnDisconnected exactly once. Safe to call from the poll loop itself.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopCh == nil && !c.connected.Load() && !c.connecting.Load() {
		c.mu.Unlock()
		return
	}
	c.generation++
	stop := c.stopCh
	c.stopCh = nil
	c.session = nil
	c.mu.Unlock()

	c.connected.Store(false)
	c.connecting.Store(false)
	c.zilPowRunning.Store(false)
	c.powWindowTimeout.Store(false)
	if stop != nil {
		close(stop)
	}
	c.sink.OnDisconnected()
}

func (c *Client) lastWorkTime() time.Time {
	ns := c.lastWorkAt.Load()
	if ns == 0 {
		return time.Now()
	}
	return time.Unix(0, ns)
}

func (c *Client) loadCurrentWork() pooltypes.WorkPackage {
	wp, _ := c.currentWork.Load().(pooltypes.WorkPackage)
	return wp
}

func (c *Client) storeCurrentWork(wp pooltypes.WorkPackage) {
	c.currentWork.Store(wp)
}

func (c *Client) currentStart() time.Time {
	ns := c.currentStartNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) setCurrentStart(t time.Time) {
	c.currentStartNano.Store(t.UnixNano())
}

// handleGetworkResult parses one eth_getWork result and drives the
// default-mode dedup logic or the ZIL windowed-mining state machine. It
// returns the delay to wait before the next poll.
func (c *Client) handleGetworkResult(raw jsonx.RawMessage) time.Duration {
	var fields []interface{}
	if err := jsonx.Unmarshal(raw, &fields); err != nil {
		c.log.Warn("getwork: unexpected result shape", "err", err)
		return c.farmRecheck
	}
	if len(fields) < 3 {
		c.log.Warn("getwork: short result", "fields", len(fields))
		return c.farmRecheck
	}

	seedStr := fieldString(fields, 1)
	newWp := pooltypes.WorkPackage{Block: -1}
	newWp.Header = pooltypes.Hash256FromHex(fieldString(fields, 0))
	newWp.Seed = pooltypes.Hash256FromHex(seedStr)
	newWp.Boundary = pooltypes.Hash256FromHex(fieldString(fields, 2))
	newWp.Job = newWp.Header.Hex()

	var powRunning bool
	var secondsToNextPoW uint64
	if c.zilMode {
		powRunning = fieldBool(fields, 3)
		secondsToNextPoW = fieldUint(fields, 4)
	}

	current := c.loadCurrentWork()

	if c.zilMode {
		if newWp.Present() {
			c.setCurrentStart(time.Now())
			c.powWindowTimeout.Store(false)
		}

		powstartSec := uint64(c.powStart / time.Second)
		if (powRunning || secondsToNextPoW <= powstartSec) &&
			!c.powWindowTimeout.Load() && !c.zilPowRunning.Load() {
			c.zilPowRunning.Store(true)
			c.sink.OnPoWStart()

			if !newWp.Present() {
				dummy := pooltypes.WorkPackage{Block: -1}
				dummy.Header = pooltypes.DeadbeefHeader
				if seedStr != "" {
					dummy.Seed = newWp.Seed
				} else {
					dummy.Seed = current.Seed
				}
				dummy.Boundary[3] = 0x04
				dummy.Job = dummy.Header.Hex()
				c.sink.OnWorkReceived(dummy)
			}

			c.setCurrentStart(time.Now())
		}
	}

	if newWp.Header != current.Header || newWp.Boundary != current.Boundary {
		c.lastWorkAt.Store(time.Now().UnixNano())
		if !c.zilMode || c.zilPowRunning.Load() {
			c.storeCurrentWork(newWp)
			c.setCurrentStart(time.Now())
			c.sink.OnWorkReceived(newWp)
		}
	}

	if !c.zilMode {
		return c.farmRecheck
	}

	sleep := c.farmRecheck
	powstartSec := uint64(c.powStart / time.Second)
	powEnd := !powRunning && secondsToNextPoW > powstartSec
	if powEnd {
		c.powWindowTimeout.Store(false)
	} else {
		timedOut := c.powEndTimeout > 0 && time.Since(c.currentStart()) > c.powEndTimeout
		c.powWindowTimeout.Store(timedOut)
		powEnd = timedOut
	}

	if powEnd {
		if secondsToNextPoW > 0 {
			recheck := time.Duration(secondsToNextPoW) * time.Second
			if recheck < sleep {
				sleep = recheck
			}
		}
		if c.zilPowRunning.CompareAndSwap(true, false) {
			c.log.Info("zil pow window end")
			c.stopWork()
			c.sink.OnPoWEnd()
		}
	}

	return sleep
}

// stopWork clears the current work package and forwards the empty package
// so the engine pauses, matching a ZIL window closing.
func (c *Client) stopWork() {
	empty := pooltypes.WorkPackage{Block: -1}
	c.storeCurrentWork(empty)
	c.sink.OnWorkReceived(empty)
}

func fieldString(fields []interface{}, idx int) string {
	if idx >= len(fields) {
		return ""
	}
	s, _ := fields[idx].(string)
	return s
}

func fieldBool(fields []interface{}, idx int) bool {
	if idx >= len(fields) {
		return false
	}
	b, _ := fields[idx].(bool)
	return b
}

func fieldUint(fields []interface{}, idx int) uint64 {
	if idx >= len(fields) {
		return 0
	}
	switch v := fields[idx].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case bool:
		return 0
	default:
		return 0
	}
}

func (c *Client) currentHeader() pooltypes.Hash256 {
	return c.loadCurrentWork().Header
}

// bumpSolutionSubmittedMaxID keeps solutionSubmittedMaxID monotonically
// non-decreasing across concurrent submissions.
func (c *Client) bumpSolutionSubmittedMaxID(id uint64) {
	for {
		cur := c.solutionSubmittedMaxID.Load()
		if id <= cur {
			return
		}
		if c.solutionSubmittedMaxID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// SolutionSubmittedMaxID reports the highest eth_submitWork request id sent
// so far, 0 if none.
func (c *Client) SolutionSubmittedMaxID() uint64 { return c.solutionSubmittedMaxID.Load() }

// SubmitSolution posts eth_submitWork on its own short-lived connection,
// independent of the poll loop.
func (c *Client) SubmitSolution(sol pooltypes.Solution) {
	if !c.connected.Load() {
		return
	}
	if c.zilMode && !c.zilPowRunning.Load() {
		c.stopWork()
		return
	}
	if sol.Work.Header == pooltypes.DeadbeefHeader {
		c.stopWork()
		return
	}

	uri := c.activeURI()
	stale := sol.Work.Header != c.currentHeader()
	id := idSubmitWorkBase + uint64(sol.MinerIndex)
	c.bumpSolutionSubmittedMaxID(id)

	go func() {
		start := time.Now()
		params := []interface{}{
			fmt.Sprintf("0x%016x", sol.Nonce),
			sol.Work.Header.HexPrefixed(),
			sol.MixHash.HexPrefixed(),
		}
		if c.zilMode {
			params = append(params, sol.Work.Boundary.HexPrefixed(), uri.User, uri.Workername)
		}
		raw, err := c.call(uri, "eth_submitWork", id, params)
		elapsed := time.Since(start)
		if err != nil {
			c.log.Warn("submitWork failed", "err", err)
			c.sink.OnSolutionRejected(stale, elapsed, sol.MinerIndex)
			return
		}
		var accepted bool
		_ = jsonx.Unmarshal(raw, &accepted)
		if accepted {
			c.sink.OnSolutionAccepted(stale, elapsed, sol.MinerIndex)
		} else {
			c.sink.OnSolutionRejected(stale, elapsed, sol.MinerIndex)
		}
	}()
}

// SubmitHashrate posts eth_submitHashrate fire-and-forget.
func (c *Client) SubmitHashrate(rateHex string, minerID string) {
	if !c.connected.Load() {
		return
	}
	if c.zilMode && !c.zilPowRunning.Load() {
		return
	}
	uri := c.activeURI()
	params := []interface{}{rateHex}
	if c.zilMode {
		params = append(params, uri.User, uri.Workername)
	} else {
		params = append(params, minerID)
	}
	go func() {
		_, err := c.call(uri, "eth_submitHashrate", idSubmitHashrate, params)
		if err != nil {
			c.log.Warn("submitHashrate failed", "err", err)
		}
	}()
}

type rpcRequest struct {
	ID      uint64        `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     uint64           `json:"id"`
	Result jsonx.RawMessage `json:"result"`
	Error  *rpcError        `json:"error"`
}

// call performs one JSON-RPC request over its own connection: req.Close
// forces net/http to close the underlying TCP connection after the
// response is read instead of returning it to a keep-alive pool, giving
// the per-request connection lifecycle the wire contract calls for. id is
// the fixed request id for method (1/9/40+minerIndex); the response's own
// id is advisory only — some pools always echo id:0, so it is logged but
// never used to reject a response.
func (c *Client) call(uri pooltypes.URI, method string, id uint64, params []interface{}) (jsonx.RawMessage, error) {
	body, err := jsonx.Marshal(rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("getwork: encode request: %w", err)
	}

	target := fmt.Sprintf("%s://%s%s", httpSchemeFor(uri), uri.HostPort(), uri.Path)
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("getwork: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Close = true
	if uri.User != "" {
		req.SetBasicAuth(uri.User, uri.Password)
	}

	if logx.WireLoggingEnabled() {
		c.log.Debug("getwork request", "method", method, "body", string(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("getwork: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getwork: http status %d", resp.StatusCode)
	}

	if logx.WireLoggingEnabled() {
		c.log.Debug("getwork response", "method", method, "body", string(data))
	}

	var rr rpcResponse
	if err := jsonx.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("getwork: decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("getwork: rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	if rr.ID != id {
		c.log.Debug("getwork: response id differs from request id, tolerating", "want", id, "got", rr.ID)
	}
	return rr.Result, nil
}

func httpSchemeFor(uri pooltypes.URI) string {
	if strings.Contains(strings.ToLower(uri.Scheme), "ssl") || strings.ToLower(uri.Scheme) == "https" {
		return "https"
	}
	return "http"
}
