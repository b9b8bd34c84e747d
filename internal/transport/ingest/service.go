// Package ingest bridges a feed gateway into the engine. Raw messages
// arrive as HTTP POSTs and are queued for normalization off the request
// path, so a burst from upstream costs the gateway nothing but queue
// space.
package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taisrelay/pkg/logx"
)

// Processor consumes one raw feed message. Must be safe for concurrent
// use; the worker pool calls it from several goroutines.
type Processor interface {
	ProcessMessage(topic string, body []byte)
}

// Config sizes the bridge. Zero values get defaults.
type Config struct {
	Addr         string // default 127.0.0.1:9091
	Workers      int    // default 4
	QueueSize    int    // default 1024
	MaxBodyBytes int64  // default 1 MiB
}

type message struct {
	topic string
	body  []byte
}

type Service struct {
	log  logx.Logger
	cfg  Config
	proc Processor

	queue   chan message
	dropLog *rate.Limiter

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	stopCh chan struct{}
	wg     sync.WaitGroup

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
}

func New(cfg Config, proc Processor, log logx.Logger) *Service {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9091"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Service{
		log:     log,
		cfg:     cfg,
		proc:    proc,
		queue:   make(chan message, cfg.QueueSize),
		dropLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start binds the listener and launches the worker pool. A bind failure
// is returned synchronously so a bad address fails boot instead of being
// discovered in the logs.
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

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.ln = ln
	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.stopCh = make(chan struct{})

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ingest server failed", logx.Err(err))
		}
	}()

	s.log.Info("ingest listening",
		logx.String("addr", ln.Addr().String()),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize))
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

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.ln = nil

	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if left := len(s.queue); left > 0 {
		s.log.Warn("ingest stopped with messages still queued", logx.Int("queued", left))
	}
	s.log.Info("ingest stopped",
		logx.Uint64("accepted", s.accepted.Load()),
		logx.Uint64("dropped", s.dropped.Load()))
	return err
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	topic := strings.TrimSpace(r.Header.Get("X-Feed-Topic"))
	if topic == "" {
		topic = strings.TrimSpace(r.URL.Query().Get("topic"))
	}
	if topic == "" {
		s.rejected.Add(1)
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.rejected.Add(1)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	select {
	case s.queue <- message{topic: topic, body: body}:
		s.accepted.Add(1)
		w.WriteHeader(http.StatusAccepted)
	default:
		s.dropped.Add(1)
		if s.dropLog.Allow() {
			s.log.Warn("ingest queue full, dropping message",
				logx.String("topic", topic),
				logx.Uint64("dropped_total", s.dropped.Load()))
		}
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case m := <-s.queue:
			s.proc.ProcessMessage(m.topic, m.body)
			s.processed.Add(1)
		}
	}
}

// Stats is a point-in-time view of bridge counters.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Queued    int    `json:"queued"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
		Dropped:   s.dropped.Load(),
		Processed: s.processed.Load(),
		Queued:    len(s.queue),
	}
}
