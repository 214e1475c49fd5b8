// Package status exposes the running pool client over HTTP: a JSON
// snapshot at /status, Prometheus exposition at /metrics, and a
// WebSocket push feed at /events. None of this sits on the hot path of
// connecting or mining; it only reads counters the rest of the repo
// already maintains.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poolminerd/internal/engine"
	"poolminerd/internal/logx"
	"poolminerd/internal/poolmanager"
)

// Snapshot is the process's point-in-time state, serialized to both
// /status and /events.
type Snapshot struct {
	Connections        []poolmanager.ConnectionView `json:"connections"`
	ActiveHost         string                       `json:"active_host"`
	Epoch              uint64                       `json:"epoch"`
	Difficulty         float64                      `json:"difficulty"`
	ConnectionSwitches uint64                       `json:"connection_switches"`
	EpochChanges       uint64                       `json:"epoch_changes"`
	HashRate           uint64                       `json:"hash_rate"`
	Mining             bool                         `json:"mining"`
	Paused             bool                         `json:"paused"`
	Running            bool                         `json:"running"`
	TakenAt            time.Time                    `json:"taken_at"`
}

// Server is the status HTTP server.
type Server struct {
	mgr *poolmanager.Manager
	eng engine.Engine
	log *logx.Logger

	httpServer *http.Server
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader

	subMu sync.Mutex
	subs  map[*websocket.Conn]struct{}

	broadcastInterval time.Duration
	stopBroadcast     chan struct{}
	wg                sync.WaitGroup
}

// New builds a Server bound to addr. Start must be called to begin
// serving.
func New(addr string, mgr *poolmanager.Manager, eng engine.Engine, log *logx.Logger) *Server {
	if log == nil {
		log = logx.Default
	}
	s := &Server{
		mgr:               mgr,
		eng:               eng,
		log:               log,
		registry:          prometheus.NewRegistry(),
		subs:              make(map[*websocket.Conn]struct{}),
		broadcastInterval: time.Second,
		stopBroadcast:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerMetrics() {
	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_hash_rate",
			Help: "Reported hash rate in hashes per second.",
		}, func() float64 { return float64(s.eng.Progress().HashRate) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_difficulty",
			Help: "Current job difficulty derived from the work boundary.",
		}, func() float64 { return s.mgr.GetCurrentDifficulty() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_epoch",
			Help: "Current DAG epoch.",
		}, func() float64 { return float64(s.mgr.GetCurrentEpoch()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_connection_switches_total",
			Help: "Number of times the active pool connection has changed.",
		}, func() float64 { return float64(s.mgr.GetConnectionSwitches()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_epoch_changes_total",
			Help: "Number of times the current epoch has changed.",
		}, func() float64 { return float64(s.mgr.GetEpochChanges()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "poolminerd_mining",
			Help: "1 if the mining engine is currently running.",
		}, func() float64 {
			if s.eng.IsMining() {
				return 1
			}
			return 0
		}),
	)
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		Connections:        s.mgr.GetConnectionsJson(),
		ActiveHost:         s.mgr.GetActiveConnectionCopy().HostPort(),
		Epoch:              s.mgr.GetCurrentEpoch(),
		Difficulty:         s.mgr.GetCurrentDifficulty(),
		ConnectionSwitches: s.mgr.GetConnectionSwitches(),
		EpochChanges:       s.mgr.GetEpochChanges(),
		HashRate:           s.eng.Progress().HashRate,
		Mining:             s.eng.IsMining(),
		Paused:             s.eng.Paused(),
		Running:            s.mgr.IsRunning(),
		TakenAt:            time.Now(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Warn("status: encode failed", "err", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("status: websocket upgrade failed", "err", err)
		return
	}
	s.subMu.Lock()
	s.subs[conn] = struct{}{}
	s.subMu.Unlock()

	// Drain and discard client reads; a closed connection (or any read
	// error) drops the subscriber.
	go func() {
		defer s.dropSubscriber(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropSubscriber(conn *websocket.Conn) {
	s.subMu.Lock()
	delete(s.subs, conn)
	s.subMu.Unlock()
	_ = conn.Close()
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopBroadcast:
			return
		case <-ticker.C:
			s.broadcastOnce()
		}
	}
}

func (s *Server) broadcastOnce() {
	snap := s.snapshot()
	s.subMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.subs))
	for c := range s.subs {
		conns = append(conns, c)
	}
	s.subMu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(snap); err != nil {
			s.dropSubscriber(c)
		}
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server exited", "err", err)
		}
	}()
}

// Shutdown stops serving and closes any open WebSocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopBroadcast)
	s.subMu.Lock()
	for c := range s.subs {
		_ = c.Close()
	}
	s.subMu.Unlock()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}
