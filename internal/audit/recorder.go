// Package audit turns relay lifecycle events into persistent records:
// every client subscription and stale-track eviction lands in the
// configured store for later inspection.
package audit

import (
	"context"
	"time"

	"taisrelay/internal/eventbus"
	"taisrelay/internal/storage"
	"taisrelay/pkg/logx"
)

const writeTimeout = 2 * time.Second

// Recorder drains relay events from the bus into a store. It subscribes
// at construction, so events published before Run starts sit in the
// subscription buffer instead of being lost.
type Recorder struct {
	log   logx.Logger
	store storage.Store

	events <-chan eventbus.Event
	unsub  func()
}

func New(bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	events, unsub := bus.Subscribe(128)
	return &Recorder{log: log, store: store, events: events, unsub: unsub}
}

// Run consumes events until ctx is canceled. Intended to be hosted by
// the supervisor; storage-disabled deployments simply never start it.
func (r *Recorder) Run(ctx context.Context) {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.record(ctx, e)
		}
	}
}

// drain writes out whatever the bus queued before cancellation, so the
// tail of a session survives shutdown. Uses a fresh context: the run
// context is already dead here.
func (r *Recorder) drain() {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.record(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, e eventbus.Event) {
	entry, ok := entryFor(e)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.store.AppendEvent(wctx, entry); err != nil {
		r.log.Warn("recording event failed", logx.String("kind", entry.Kind), logx.Err(err))
	}
}

// entryFor maps bus events onto storage entries. Event types the audit
// trail doesn't cover are skipped.
func entryFor(e eventbus.Event) (storage.Entry, bool) {
	entry := storage.Entry{At: e.Time, Kind: e.Type}
	switch data := e.Data.(type) {
	case eventbus.ClientEvent:
		entry.Facility = data.Facility
		entry.ClientID = data.ClientID
	case eventbus.EvictEvent:
		entry.Facility = data.Facility
		entry.TrackNum = data.TrackNum
		entry.AgeSec = data.AgeSec
	default:
		return storage.Entry{}, false
	}
	return entry, true
}
