package relay

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"taisrelay/internal/eventbus"
	"taisrelay/internal/tais"
	"taisrelay/pkg/logx"
)

// fakeSink records every frame it accepts. closed/full simulate the two
// ways a real client stops taking data.
type fakeSink struct {
	mu     sync.Mutex
	frames []string
	closed bool
	full   bool
}

func (f *fakeSink) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.frames = append(f.frames, string(frame))
	return true
}

func (f *fakeSink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSink) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func newTestEngine() *Engine {
	return New(Options{Log: logx.Nop(), Bus: eventbus.New()})
}

// record builds one feed record with position and, optionally, a callsign.
func record(trackNum, callsign string) string {
	rec := "<record><track><trackNum>" + trackNum + "</trackNum><lat>33.64</lat><lon>-84.43</lon></track>"
	if callsign != "" {
		rec += "<flightPlan><acid>" + callsign + "</acid></flightPlan>"
	}
	return rec + "</record>"
}

func feed(e *Engine, facility string, records ...string) {
	body := "<TATrackAndFlightPlan><src>" + facility + "</src>" +
		strings.Join(records, "") + "</TATrackAndFlightPlan>"
	e.ProcessMessage("TAIS/"+facility, []byte(body))
}

type envelopeFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeFrame(t *testing.T, frame string) envelopeFrame {
	t.Helper()
	var env envelopeFrame
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		t.Fatalf("bad frame %q: %v", frame, err)
	}
	return env
}

func decodeTracks(t *testing.T, frame string) (string, []TrackJSON) {
	t.Helper()
	env := decodeFrame(t, frame)
	var tracks []TrackJSON
	if err := json.Unmarshal(env.Payload, &tracks); err != nil {
		t.Fatalf("bad track payload %s: %v", env.Payload, err)
	}
	return env.Type, tracks
}

func TestSubscribeDeliversSortedSnapshot(t *testing.T) {
	e := newTestEngine()
	feed(e, "A80", record("1203", ""), record("1042", "DAL123"), record("1100", "AAL9"))

	sink := &fakeSink{}
	id := e.Subscribe("A80", sink)
	if id == "" {
		t.Fatalf("empty client ID")
	}

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("got %d frames on subscribe, want 1", len(frames))
	}
	typ, tracks := decodeTracks(t, frames[0])
	if typ != TypeSnapshot {
		t.Fatalf("type = %q, want %q", typ, TypeSnapshot)
	}

	got := make([]string, len(tracks))
	for i, tr := range tracks {
		got[i] = tr.TrackNum
	}
	// Unassigned 1203 keys on its track number, which sorts before the
	// callsigns.
	want := []string{"1203", "1100", "1042"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot order = %v, want %v", got, want)
	}
}

func TestSubscribeUnknownFacilityGetsEmptySnapshot(t *testing.T) {
	e := newTestEngine()
	sink := &fakeSink{}
	e.Subscribe("ZZZ", sink)

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0] != `{"type":"snapshot","payload":[]}` {
		t.Fatalf("empty snapshot = %s", frames[0])
	}
}

func TestBroadcastOnlyDirtyFacilities(t *testing.T) {
	e := newTestEngine()
	a80, ztl := &fakeSink{}, &fakeSink{}
	e.Subscribe("A80", a80)
	e.Subscribe("ZTL", ztl)
	a80.take()
	ztl.take()

	feed(e, "A80", record("1", "DAL1"))
	e.Broadcast()

	frames := a80.take()
	if len(frames) != 1 {
		t.Fatalf("dirty facility: got %d frames, want 1", len(frames))
	}
	if typ, tracks := decodeTracks(t, frames[0]); typ != TypeBatch || len(tracks) != 1 {
		t.Fatalf("got type=%q tracks=%d, want one-track batch", typ, len(tracks))
	}
	if frames := ztl.take(); len(frames) != 0 {
		t.Fatalf("clean facility received %d frames", len(frames))
	}

	// Nothing new arrived: the next cycle is silent for everyone.
	e.Broadcast()
	if n := len(a80.take()) + len(ztl.take()); n != 0 {
		t.Fatalf("idle cycle sent %d frames", n)
	}
}

func TestBatchCarriesFullFacilityState(t *testing.T) {
	e := newTestEngine()
	feed(e, "A80", record("1", "DAL1"), record("2", "UAL2"))

	sink := &fakeSink{}
	e.Subscribe("A80", sink)
	sink.take()

	// Only track 1 refreshes; the batch still carries both.
	feed(e, "A80", record("1", ""))
	e.Broadcast()

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	_, tracks := decodeTracks(t, frames[0])
	if len(tracks) != 2 {
		t.Fatalf("batch carries %d tracks, want full facility state (2)", len(tracks))
	}
}

func TestBroadcastSameBytesToAllSubscribers(t *testing.T) {
	e := newTestEngine()
	one, two := &fakeSink{}, &fakeSink{}
	e.Subscribe("A80", one)
	e.Subscribe("A80", two)
	one.take()
	two.take()

	feed(e, "A80", record("1", "DAL1"), record("2", ""))
	e.Broadcast()

	f1, f2 := one.take(), two.take()
	if len(f1) != 1 || len(f2) != 1 {
		t.Fatalf("frame counts = %d, %d, want 1 each", len(f1), len(f2))
	}
	if f1[0] != f2[0] {
		t.Fatalf("subscribers saw different bytes:\n%s\n%s", f1[0], f2[0])
	}
}

func TestSkippedFacilityStaysCleanUntilNextUpdate(t *testing.T) {
	e := newTestEngine()
	feed(e, "A80", record("1", "DAL1"))
	e.Broadcast() // nobody subscribed; the dirty mark is consumed

	sink := &fakeSink{}
	e.Subscribe("A80", sink)
	sink.take()

	e.Broadcast()
	if frames := sink.take(); len(frames) != 0 {
		t.Fatalf("facility re-broadcast without new data: %d frames", len(frames))
	}

	feed(e, "A80", record("1", "DAL1"))
	e.Broadcast()
	if frames := sink.take(); len(frames) != 1 {
		t.Fatalf("fresh update not broadcast: got %d frames, want 1", len(frames))
	}
}

func TestEvictStaleNotifiesSubscribers(t *testing.T) {
	e := newTestEngine()
	feed(e, "A80", record("1042", "DAL123"), record("1203", ""))

	sink := &fakeSink{}
	e.Subscribe("A80", sink)

	// Refresh 1203 well inside the window; 1042 goes stale.
	tr, ok := e.store.Get("A80", "1203")
	if !ok {
		t.Fatalf("track 1203 missing")
	}
	tr.Apply(tais.TrackUpdate{TrackNum: "1203", Lat: 1, Lon: 2}, time.Now().Add(30*time.Second))

	sink.take()
	e.evictStaleAt(time.Now().Add(61 * time.Second))

	frames := sink.take()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 remove", len(frames))
	}
	env := decodeFrame(t, frames[0])
	if env.Type != TypeRemove {
		t.Fatalf("type = %q, want %q", env.Type, TypeRemove)
	}
	var ref TrackRef
	if err := json.Unmarshal(env.Payload, &ref); err != nil {
		t.Fatalf("bad remove payload: %v", err)
	}
	if ref.Facility != "A80" || ref.TrackNum != "1042" {
		t.Fatalf("removed %+v, want A80/1042", ref)
	}

	snap := e.Snapshot("A80")
	if len(snap.Tracks) != 1 || snap.Tracks[0].TrackNum != "1203" {
		t.Fatalf("survivors = %+v, want only 1203", snap.Tracks)
	}
}

func TestEvictionEmptiesFacility(t *testing.T) {
	e := newTestEngine()
	feed(e, "ZTL", record("9", ""))

	e.evictStaleAt(time.Now().Add(61 * time.Second))

	if got := e.Directory(); len(got) != 0 {
		t.Fatalf("directory still lists %v", got)
	}
	if f, n := e.store.Totals(); f != 0 || n != 0 {
		t.Fatalf("store totals = (%d, %d), want empty", f, n)
	}
}

func TestEvictionPublishesBusEvent(t *testing.T) {
	bus := eventbus.New()
	e := New(Options{Log: logx.Nop(), Bus: bus})
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	feed(e, "A80", record("1", ""))
	e.evictStaleAt(time.Now().Add(61 * time.Second))

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeTrackEvicted {
			t.Fatalf("event type = %q", ev.Type)
		}
		data, ok := ev.Data.(eventbus.EvictEvent)
		if !ok {
			t.Fatalf("event data = %T", ev.Data)
		}
		if data.Facility != "A80" || data.TrackNum != "1" || data.AgeSec < 60 {
			t.Fatalf("evict event = %+v", data)
		}
	default:
		t.Fatalf("no evict event published")
	}
}

func TestDirectoryOrdering(t *testing.T) {
	e := newTestEngine()
	feed(e, "ZTL", record("1", ""), record("2", ""), record("3", ""))
	feed(e, "ZME", record("8", ""))
	feed(e, "A80", record("7", ""))

	got := e.Directory()
	want := []DirectoryEntry{
		{Facility: "ZTL", TrackCount: 3},
		{Facility: "A80", TrackCount: 1},
		{Facility: "ZME", TrackCount: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("directory = %v, want %v", got, want)
	}
}

func TestSnapshotUnknownFacility(t *testing.T) {
	e := newTestEngine()
	snap := e.Snapshot("NOPE")
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"facility":"NOPE","tracks":[]}` {
		t.Fatalf("snapshot = %s", raw)
	}
}

func TestClosedSinkSkippedFullSinkCounted(t *testing.T) {
	e := newTestEngine()
	healthy := &fakeSink{}
	gone := &fakeSink{closed: true}
	stuck := &fakeSink{full: true}
	e.Subscribe("A80", healthy)
	e.Subscribe("A80", gone)
	e.Subscribe("A80", stuck)
	healthy.take()

	before := e.Stats().EnqueueDrops
	feed(e, "A80", record("1", "DAL1"))
	e.Broadcast()

	if frames := healthy.take(); len(frames) != 1 {
		t.Fatalf("healthy subscriber got %d frames, want 1", len(frames))
	}
	// The closed sink is skipped outright; only the full one counts as a
	// drop.
	if drops := e.Stats().EnqueueDrops - before; drops != 1 {
		t.Fatalf("EnqueueDrops delta = %d, want 1", drops)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine()
	sink := &fakeSink{}
	id := e.Subscribe("A80", sink)
	sink.take()

	e.Unsubscribe("A80", id)
	e.Unsubscribe("A80", id) // repeat is a no-op

	feed(e, "A80", record("1", ""))
	e.Broadcast()
	if frames := sink.take(); len(frames) != 0 {
		t.Fatalf("unsubscribed sink received %d frames", len(frames))
	}
	if got := e.Stats().Clients; got != 0 {
		t.Fatalf("Clients = %d, want 0", got)
	}
}

func TestProcessMessageCounters(t *testing.T) {
	e := newTestEngine()

	e.ProcessMessage("WEATHER/A80", []byte("<ignored/>"))
	e.ProcessMessage("TAIS/A80", []byte("not xml at all"))

	// One good record, one with an unusable position.
	body := "<TATrackAndFlightPlan><src>A80</src>" +
		record("1", "DAL1") +
		"<record><track><trackNum>2</trackNum><lat>bogus</lat><lon>0</lon></track></record>" +
		"</TATrackAndFlightPlan>"
	e.ProcessMessage("TAIS/A80", []byte(body))

	st := e.Stats()
	if st.MessagesIgnored != 1 {
		t.Errorf("MessagesIgnored = %d, want 1", st.MessagesIgnored)
	}
	if st.MessagesMalformed != 1 {
		t.Errorf("MessagesMalformed = %d, want 1", st.MessagesMalformed)
	}
	if st.MessagesApplied != 1 {
		t.Errorf("MessagesApplied = %d, want 1", st.MessagesApplied)
	}
	if st.RecordsApplied != 1 || st.RecordsSkipped != 1 {
		t.Errorf("records applied/skipped = %d/%d, want 1/1", st.RecordsApplied, st.RecordsSkipped)
	}
	if st.Facilities != 1 || st.Tracks != 1 {
		t.Errorf("store holds %d facilities / %d tracks, want 1/1", st.Facilities, st.Tracks)
	}
}

func TestFeedMergePreservesPlanFields(t *testing.T) {
	e := newTestEngine()

	full := "<record>" +
		"<track><trackNum>1042</trackNum><lat>33.64</lat><lon>-84.43</lon><reportedAltitude>11000</reportedAltitude></track>" +
		"<flightPlan><acid>DAL123</acid><acType>B738</acType></flightPlan>" +
		"<enhancedData><departureAirport>KATL</departureAirport><destinationAirport>KMCO</destinationAirport></enhancedData>" +
		"</record>"
	feed(e, "A80", full)
	feed(e, "A80", "<record><track><trackNum>1042</trackNum><lat>33.70</lat><lon>-84.40</lon></track></record>")

	snap := e.Snapshot("A80")
	if len(snap.Tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(snap.Tracks))
	}
	tr := snap.Tracks[0]
	if tr.Lat != 33.70 || tr.Lon != -84.40 {
		t.Errorf("position = (%v, %v), want refreshed values", tr.Lat, tr.Lon)
	}
	if tr.Callsign != "DAL123" || tr.ACType != "B738" {
		t.Errorf("plan fields lost: %+v", tr)
	}
	if tr.Origin != "KATL" || tr.Dest != "KMCO" {
		t.Errorf("route lost: origin=%q dest=%q", tr.Origin, tr.Dest)
	}
	if tr.AltFt == nil || *tr.AltFt != 11000 {
		t.Errorf("altitude lost: %v", tr.AltFt)
	}
}
