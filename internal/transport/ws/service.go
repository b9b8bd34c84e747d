// Package ws is the client-facing transport: a WebSocket feed per
// facility plus the JSON query API over the same listener. Each
// connection becomes one engine subscription; liveness is the
// transport's job (ping/pong), so the engine only ever sees clean
// unsubscribes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"taisrelay/internal/relay"
	"taisrelay/pkg/logx"
)

// Engine is the slice of the relay core the hub needs.
type Engine interface {
	Subscribe(facility string, sink relay.Sink) string
	Unsubscribe(facility, id string)
	Snapshot(facility string) relay.SnapshotResult
	Directory() []relay.DirectoryEntry
}

// Config sizes the listener. Zero values get defaults.
type Config struct {
	Addr         string        // default ":8080"
	ReadTimeout  time.Duration // default 15s
	WriteTimeout time.Duration // default 15s
	IdleTimeout  time.Duration // default 75s
	ClientBuffer int           // default 64 outbound frames per client
}

type Service struct {
	log    logx.Logger
	cfg    Config
	engine Engine

	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	clients map[*client]struct{}
	active  sync.WaitGroup

	connected atomic.Int64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
}

func New(cfg Config, engine Engine, log logx.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 75 * time.Second
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	return &Service{
		log:     log,
		cfg:     cfg,
		engine:  engine,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The relay serves whoever can reach it; access control is
			// the deployment's perimeter, not this process.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler exposes the route table for tests.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/facilities", s.handleDirectory)
	mux.HandleFunc("/api/v1/facilities/", s.handleSnapshot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler: s.Handler(),
		// ReadTimeout would kill long-lived WebSocket reads; header
		// timeout covers the handshake, the pumps own the rest.
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ws server failed", logx.Err(err))
		}
	}()

	s.log.Info("ws listening",
		logx.String("addr", ln.Addr().String()),
		logx.Int("client_buffer", s.cfg.ClientBuffer))
	return nil
}

// Addr returns the bound address, usable when Config.Addr had port 0.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener, shuts every connected client down, then
// waits for their pumps until ctx expires. Clients see a going-away
// close frame from their write pumps.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	_ = srv.Close()

	// Shutdown and Close both skip hijacked connections; the upgraded
	// sockets only come down when their clients do.
	for _, c := range clients {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.log.Info("ws stopped",
		logx.Uint64("accepted_total", s.accepted.Load()),
		logx.Int64("still_connected", s.connected.Load()))
	return err
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	facility := normalizeFacility(r.URL.Query().Get("facility"))
	if facility == "" {
		s.rejected.Add(1)
		http.Error(w, "missing facility", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.rejected.Add(1)
		s.log.Debug("ws upgrade failed", logx.String("facility", facility), logx.Err(err))
		return
	}

	c := newClient(conn, facility, s.cfg.ClientBuffer, s.log)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Subscribe queues the snapshot before returning, so it is the first
	// frame the write pump sees.
	c.id = s.engine.Subscribe(facility, c)

	s.accepted.Add(1)
	s.connected.Add(1)
	s.log.Debug("ws client connected",
		logx.String("facility", facility),
		logx.String("client", c.id),
		logx.String("remote", conn.RemoteAddr().String()))

	s.active.Add(2)
	go func() {
		defer s.active.Done()
		c.writePump()
	}()
	go func() {
		defer s.active.Done()
		c.readPump()
		// Read pump exit means the peer is gone (or we dropped it).
		s.engine.Unsubscribe(c.facility, c.id)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.connected.Add(-1)
		s.log.Debug("ws client disconnected",
			logx.String("facility", c.facility),
			logx.String("client", c.id))
	}()
}

func (s *Service) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.engine.Directory(), s.log)
}

// handleSnapshot serves /api/v1/facilities/{facility}/tracks.
func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/facilities/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "tracks" {
		http.NotFound(w, r)
		return
	}
	facility := normalizeFacility(parts[0])
	if facility == "" {
		http.Error(w, "missing facility", http.StatusBadRequest)
		return
	}

	// Unknown facilities answer with an empty list; to a reader there is
	// no difference between "not tracked" and "nothing flying".
	writeJSON(w, s.engine.Snapshot(facility), s.log)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func writeJSON(w http.ResponseWriter, v any, log logx.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("query response write failed", logx.Err(err))
	}
}

// normalizeFacility trims and uppercases a facility code; feed sources
// and clients disagree on case, the store does not.
func normalizeFacility(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Connected int64  `json:"connected"`
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Connected: s.connected.Load(),
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
	}
}
