package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("fails", func(ctx context.Context) error { return boom })

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want %v", err, boom)
	}
	if s.Context().Err() == nil {
		t.Fatalf("expected supervisor context cancelled after error")
	}
}

func TestGoPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panics", func(ctx context.Context) error { panic("kaput") })

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(waitCtx)
	if err == nil {
		t.Fatalf("expected panic surfaced as error")
	}

	snap := s.SnapshotNow()
	var found bool
	for _, ts := range snap.Tasks {
		if ts.Name == "panics" {
			found = true
			if ts.Panics != 1 {
				t.Fatalf("panics = %d, want 1", ts.Panics)
			}
		}
	}
	if !found {
		t.Fatalf("no stats recorded for panicking goroutine")
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(waitCtx); err != nil {
		t.Fatalf("Wait err = %v, want nil", err)
	}
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	snap := s.SnapshotNow()
	for _, ts := range snap.Tasks {
		if ts.Name == "flaky" && ts.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", ts.Restarts)
		}
	}
}

func TestStopCancelsLongRunners(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	started := make(chan struct{})
	s.Go0("blocker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
	if c := s.CountersNow(); c.Active != 0 {
		t.Fatalf("active = %d after Stop, want 0", c.Active)
	}
}
