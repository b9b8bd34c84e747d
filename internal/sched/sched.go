// Package sched runs the relay's fixed-cadence jobs (broadcast flushes,
// stale sweeps) on a shared cron. Ticks go through a small bounded queue;
// a job still queued or running when its next tick fires is skipped, so a
// slow cycle coalesces with the next one instead of stacking up behind it.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taisrelay/pkg/logx"
)

// Config sizes the worker pool and tick queue. Zero values get defaults.
type Config struct {
	Workers   int
	QueueSize int
}

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context)

	// pending is set from tick acceptance until the run finishes.
	pending atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	lastNS  atomic.Int64
}

type Service struct {
	log logx.Logger
	cfg Config

	mu      sync.Mutex
	jobs    []*job
	c       *cron.Cron
	queue   chan *job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Service{log: log, cfg: cfg}
}

// Add registers a job to run every interval. Jobs must be added before
// Start; the interval floor is one second, the schedule's granularity.
func (s *Service) Add(name string, every time.Duration, run func(ctx context.Context)) error {
	if every < time.Second {
		return fmt.Errorf("job %q: interval %s below 1s floor", name, every)
	}
	if run == nil {
		return fmt.Errorf("job %q: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.jobs = append(s.jobs, &job{name: name, every: every, run: run})
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.queue = make(chan *job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.c = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	for _, j := range s.jobs {
		j := j
		spec := fmt.Sprintf("@every %s", j.every)
		if _, err := s.c.AddFunc(spec, func() { s.tick(j) }); err != nil {
			return fmt.Errorf("registering job %q: %w", j.name, err)
		}
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.c.Start()
	s.started = true

	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.jobs)),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

// Stop halts the cron, then waits for in-flight runs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	cronDone := s.c.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}

	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs in flight")
		return ctx.Err()
	}
}

// tick runs on the cron goroutine; it must never block.
func (s *Service) tick(j *job) {
	if !j.pending.CompareAndSwap(false, true) {
		j.skips.Add(1)
		return
	}
	select {
	case s.queue <- j:
	default:
		j.pending.Store(false)
		j.skips.Add(1)
		s.log.Warn("tick queue full, dropping cycle", logx.String("job", j.name))
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case j := <-s.queue:
			s.runOne(ctx, j)
		}
	}
}

func (s *Service) runOne(ctx context.Context, j *job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked",
				logx.String("job", j.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
		took := time.Since(start)
		j.lastNS.Store(int64(took))
		j.runs.Add(1)
		j.pending.Store(false)
		if took > j.every {
			s.log.Warn("job overran its interval",
				logx.String("job", j.name),
				logx.Duration("took", took),
				logx.Duration("every", j.every))
		}
	}()
	j.run(ctx)
}

// JobStatus is one job's counters for status reporting.
type JobStatus struct {
	Name     string `json:"name"`
	Every    string `json:"every"`
	Runs     uint64 `json:"runs"`
	Skips    uint64 `json:"skips"`
	LastTook string `json:"last_took,omitempty"`
}

func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		st := JobStatus{
			Name:  j.name,
			Every: j.every.String(),
			Runs:  j.runs.Load(),
			Skips: j.skips.Load(),
		}
		if ns := j.lastNS.Load(); ns > 0 {
			st.LastTook = time.Duration(ns).String()
		}
		out = append(out, st)
	}
	return out
}
