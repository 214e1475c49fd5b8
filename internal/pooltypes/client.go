package pooltypes

import "time"

// PoolClient is a connection to one pool. Implementations (GetworkClient
// being the one this repo ships) must serialize all state transitions on a
// single logical goroutine; PoolManager is the sole caller of every method
// here and the sole owner of the client's lifetime.
type PoolClient interface {
	// SetConnection assigns (or reassigns) the endpoint this client talks
	// to. Called before Connect, never while connected.
	SetConnection(conn *URI)
	// UnsetConnection clears the previously assigned endpoint.
	UnsetConnection()
	// Connect begins an asynchronous connection attempt to the
	// currently-set URI. A connect already in flight is a no-op.
	Connect()
	// Disconnect tears down any live connection and fires OnDisconnected.
	Disconnect()
	// IsConnected reports whether a session is currently live.
	IsConnected() bool
	// SubmitSolution forwards a found solution to the pool.
	SubmitSolution(sol Solution)
	// SubmitHashrate reports the miner's current hashrate, already
	// rendered as a "0x"-prefixed hex string, tagged with a worker id.
	SubmitHashrate(rateHex string, minerID string)
	// ActiveEndpoint returns a "host:port" label for the live connection,
	// or "" when not connected.
	ActiveEndpoint() string
	// IsZILMode reports whether this client runs the windowed ZIL mining
	// mode instead of the default continuous-poll mode.
	IsZILMode() bool

	// SetEventSink installs the single subscriber for this client's
	// events. Called exactly once by the owning PoolManager.
	SetEventSink(sink EventSink)
}

// EventSink is the single-subscriber callback surface a PoolClient
// delivers its lifecycle events to. PoolManager implements this; the
// client holds only this interface, never a concrete *Manager, so
// ownership stays one-way (client -> manager event flow only).
type EventSink interface {
	OnConnected()
	OnDisconnected()
	OnWorkReceived(wp WorkPackage)
	OnSolutionAccepted(stale bool, elapsed time.Duration, minerIndex uint)
	OnSolutionRejected(stale bool, elapsed time.Duration, minerIndex uint)
	// OnPoWStart and OnPoWEnd are only emitted by windowed-mining clients
	// (the ZIL mode of GetworkClient). A sink that doesn't care about
	// windowed mining can implement these as no-ops.
	OnPoWStart()
	OnPoWEnd()
}
