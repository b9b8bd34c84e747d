package sched

import (
	"context"
	"testing"
	"time"

	"taisrelay/pkg/logx"
)

func waitForRuns(t *testing.T, s *Service, idx int, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot()[idx].Runs == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached %d runs: %+v", idx, want, s.Snapshot())
}

func TestAddRejectsBadJobs(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	if err := s.Add("fast", 100*time.Millisecond, func(context.Context) {}); err == nil {
		t.Fatalf("sub-second interval accepted")
	}
	if err := s.Add("nil", time.Second, nil); err == nil {
		t.Fatalf("nil func accepted")
	}
	if err := s.Add("ok", time.Second, func(context.Context) {}); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
}

func TestTickRunsJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Workers: 1}, logx.Nop())
	if err := s.Add("count", time.Hour, func(context.Context) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	s.tick(s.jobs[0])
	waitForRuns(t, s, 0, 1)

	snap := s.Snapshot()
	if snap[0].Name != "count" || snap[0].Every != "1h0m0s" || snap[0].LastTook == "" {
		t.Fatalf("snapshot = %+v", snap[0])
	}
}

func TestOverlappingTicksCoalesce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Workers: 1}, logx.Nop())
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	err := s.Add("slow", time.Hour, func(context.Context) {
		started <- struct{}{}
		<-block
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	j := s.jobs[0]
	s.tick(j)
	<-started

	// The cycle is still running; these ticks must coalesce away.
	s.tick(j)
	s.tick(j)
	if got := j.skips.Load(); got != 2 {
		t.Fatalf("skips = %d, want 2", got)
	}

	close(block)
	waitForRuns(t, s, 0, 1)

	// Finished: the next tick is accepted again.
	s.tick(j)
	waitForRuns(t, s, 0, 2)
}

func TestFullQueueDropsTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	_ = s.Add("a", time.Hour, func(context.Context) {
		started <- struct{}{}
		<-block
	})
	_ = s.Add("b", time.Hour, func(context.Context) {})
	_ = s.Add("c", time.Hour, func(context.Context) {})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	s.tick(s.jobs[0]) // occupies the only worker
	<-started
	s.tick(s.jobs[1]) // fills the queue
	s.tick(s.jobs[2]) // no room

	c := s.jobs[2]
	if got := c.skips.Load(); got != 1 {
		t.Fatalf("skips = %d, want 1", got)
	}
	if c.pending.Load() {
		t.Fatalf("dropped tick left job pending")
	}
	close(block)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{}, logx.Nop())
	_ = s.Add("idle", time.Hour, func(context.Context) {})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
