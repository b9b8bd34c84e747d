package relay

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"

	"taisrelay/internal/eventbus"
	"taisrelay/internal/tais"
	"taisrelay/pkg/logx"
)

// DefaultStaleAfter is the cutoff for tracks with no fresh updates.
const DefaultStaleAfter = 60 * time.Second

// Options configure a new Engine. Zero values get sane defaults.
type Options struct {
	Log        logx.Logger
	Bus        eventbus.Bus
	StaleAfter time.Duration
}

// Engine is the track state core: it merges normalized feed messages into
// the store, fans batched state out to subscribers, and retires tracks the
// feed stopped mentioning.
//
// The engine owns no timers. Broadcast and EvictStale are single cycles;
// the scheduler decides cadence.
type Engine struct {
	log logx.Logger
	bus eventbus.Bus

	store *Store
	dirty *dirtySet
	reg   *registry

	staleAfter time.Duration

	// Throttles malformed-feed logging so a broken upstream can't flood.
	badInput *rate.Limiter

	msgsApplied    atomic.Uint64
	msgsIgnored    atomic.Uint64
	msgsMalformed  atomic.Uint64
	recordsApplied atomic.Uint64
	recordsSkipped atomic.Uint64
	batchesSent    atomic.Uint64
	removesSent    atomic.Uint64
	snapshotsSent  atomic.Uint64
	enqueueDrops   atomic.Uint64
}

func New(opts Options) *Engine {
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Engine{
		log:        opts.Log,
		bus:        opts.Bus,
		store:      NewStore(),
		dirty:      newDirtySet(),
		reg:        newRegistry(),
		staleAfter: staleAfter,
		badInput:   rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// ProcessMessage ingests one raw feed message. Foreign topics are counted
// and dropped without logging; malformed payloads on recognized topics are
// counted and logged under the rate limit. Neither disturbs existing state.
func (e *Engine) ProcessMessage(topic string, body []byte) {
	msg, err := tais.Normalize(topic, body)
	if err != nil {
		if errors.Is(err, tais.ErrTopic) {
			e.msgsIgnored.Add(1)
			return
		}
		e.msgsMalformed.Add(1)
		if e.badInput.Allow() {
			e.log.Warn("dropping malformed feed message",
				logx.String("topic", topic),
				logx.Int("bytes", len(body)),
				logx.Err(err))
		}
		return
	}

	now := time.Now()
	for _, up := range msg.Updates {
		e.store.GetOrCreate(msg.Facility, up.TrackNum).Apply(up, now)
	}

	e.msgsApplied.Add(1)
	if msg.Skipped > 0 {
		e.recordsSkipped.Add(uint64(msg.Skipped))
	}
	if len(msg.Updates) > 0 {
		e.recordsApplied.Add(uint64(len(msg.Updates)))
		e.dirty.Mark(msg.Facility)
	}
}

// Subscribe registers a sink for one facility's stream and primes it with
// a snapshot of current state. The returned ID is the handle for
// Unsubscribe. Registration happens before the snapshot is built, so any
// batch racing in between only repeats state the snapshot already has.
func (e *Engine) Subscribe(facility string, sink Sink) string {
	id := ksuid.New().String()
	e.reg.add(facility, id, sink)

	frame, err := encodeTrackList(TypeSnapshot, e.wireTracks(facility, time.Now()))
	if err != nil {
		e.log.Error("encoding snapshot", logx.String("facility", facility), logx.Err(err))
	} else if sink.Enqueue(frame) {
		e.snapshotsSent.Add(1)
	} else {
		e.enqueueDrops.Add(1)
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeClientSubscribed,
			Data: eventbus.ClientEvent{Facility: facility, ClientID: id},
		})
	}
	e.log.Debug("client subscribed",
		logx.String("facility", facility),
		logx.String("client", id),
		logx.Int("tracks", e.store.Count(facility)))
	return id
}

// Unsubscribe drops a client registration. Unknown IDs are a no-op, so
// transports may call it from every teardown path.
func (e *Engine) Unsubscribe(facility, id string) {
	if !e.reg.remove(facility, id) {
		return
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeClientUnsubscribed,
			Data: eventbus.ClientEvent{Facility: facility, ClientID: id},
		})
	}
	e.log.Debug("client unsubscribed",
		logx.String("facility", facility),
		logx.String("client", id),
		logx.Int("remaining", e.reg.count(facility)))
}

// Broadcast runs one fan-out cycle: every facility marked dirty since the
// last cycle gets its full track list serialized once and the same bytes
// handed to each subscriber. Facilities with no subscribers or no tracks
// are skipped without being re-marked; their next update marks them again.
func (e *Engine) Broadcast() {
	now := time.Now()
	for _, facility := range e.dirty.Drain() {
		sinks := e.reg.sinks(facility)
		if len(sinks) == 0 {
			continue
		}
		tracks := e.wireTracks(facility, now)
		if len(tracks) == 0 {
			continue
		}
		frame, err := encodeTrackList(TypeBatch, tracks)
		if err != nil {
			e.log.Error("encoding batch", logx.String("facility", facility), logx.Err(err))
			continue
		}
		e.fanOut(sinks, frame)
		e.batchesSent.Add(1)
	}
}

// EvictStale runs one sweep, removing tracks whose last update is older
// than the stale cutoff and announcing each removal to the facility's
// subscribers.
func (e *Engine) EvictStale() {
	e.evictStaleAt(time.Now())
}

func (e *Engine) evictStaleAt(now time.Time) {
	cutoff := now.Add(-e.staleAfter)
	for _, ref := range e.store.StaleBefore(cutoff) {
		t, ok := e.store.Get(ref.Facility, ref.TrackNum)
		if !ok {
			continue
		}
		lastSeen := t.LastSeen()
		if !lastSeen.Before(cutoff) {
			continue // refreshed after the sweep built its list
		}
		e.store.Remove(ref.Facility, ref.TrackNum)

		frame, err := encodeRemove(ref.Facility, ref.TrackNum)
		if err != nil {
			e.log.Error("encoding remove", logx.String("facility", ref.Facility), logx.Err(err))
			continue
		}
		e.fanOut(e.reg.sinks(ref.Facility), frame)
		e.removesSent.Add(1)

		ageSec := int64(now.Sub(lastSeen).Seconds())
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{
				Type: eventbus.TypeTrackEvicted,
				Data: eventbus.EvictEvent{Facility: ref.Facility, TrackNum: ref.TrackNum, AgeSec: ageSec},
			})
		}
		e.log.Debug("evicted stale track",
			logx.String("facility", ref.Facility),
			logx.String("track", ref.TrackNum),
			logx.Int64("age_sec", ageSec))
	}
}

// fanOut delivers one frame to every open sink. Closed sinks are skipped,
// not removed; cleanup belongs to the transport's Unsubscribe.
func (e *Engine) fanOut(sinks []Sink, frame []byte) {
	for _, s := range sinks {
		if s.Closed() {
			continue
		}
		if !s.Enqueue(frame) {
			e.enqueueDrops.Add(1)
		}
	}
}

// wireTracks renders a facility's current tracks in wire order.
func (e *Engine) wireTracks(facility string, now time.Time) []TrackJSON {
	list := e.store.List(facility)
	if len(list) == 0 {
		return nil
	}
	out := make([]TrackJSON, 0, len(list))
	for _, t := range list {
		out = append(out, t.Wire(now))
	}
	sortTracks(out)
	return out
}

// Stats is a point-in-time view of engine state and counters for status
// surfaces.
type Stats struct {
	Facilities        int    `json:"facilities"`
	Tracks            int    `json:"tracks"`
	Clients           int    `json:"clients"`
	DirtyFacilities   int    `json:"dirty_facilities"`
	MessagesApplied   uint64 `json:"messages_applied"`
	MessagesIgnored   uint64 `json:"messages_ignored"`
	MessagesMalformed uint64 `json:"messages_malformed"`
	RecordsApplied    uint64 `json:"records_applied"`
	RecordsSkipped    uint64 `json:"records_skipped"`
	BatchesSent       uint64 `json:"batches_sent"`
	RemovesSent       uint64 `json:"removes_sent"`
	SnapshotsSent     uint64 `json:"snapshots_sent"`
	EnqueueDrops      uint64 `json:"enqueue_drops"`
}

func (e *Engine) Stats() Stats {
	facilities, tracks := e.store.Totals()
	return Stats{
		Facilities:        facilities,
		Tracks:            tracks,
		Clients:           e.reg.total(),
		DirtyFacilities:   e.dirty.Len(),
		MessagesApplied:   e.msgsApplied.Load(),
		MessagesIgnored:   e.msgsIgnored.Load(),
		MessagesMalformed: e.msgsMalformed.Load(),
		RecordsApplied:    e.recordsApplied.Load(),
		RecordsSkipped:    e.recordsSkipped.Load(),
		BatchesSent:       e.batchesSent.Load(),
		RemovesSent:       e.removesSent.Load(),
		SnapshotsSent:     e.snapshotsSent.Load(),
		EnqueueDrops:      e.enqueueDrops.Load(),
	}
}
