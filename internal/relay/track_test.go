package relay

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"taisrelay/internal/tais"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestApplyMergesSparseUpdates(t *testing.T) {
	tr := &Track{Facility: "A80", TrackNum: "1042"}
	base := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	tr.Apply(tais.TrackUpdate{
		TrackNum: "1042",
		Lat:      33.64,
		Lon:      -84.43,
		AltFt:    intPtr(11000),
		VS:       intPtr(-500),
		GS:       intPtr(250),
		Trk:      intPtr(90),
		Callsign: "DAL123",
		ACType:   "B738",
		Owner:    "1A",
		Frozen:   boolPtr(true),
	}, base)

	// Position-only follow-up, the common case between plan refreshes.
	tr.Apply(tais.TrackUpdate{TrackNum: "1042", Lat: 33.70, Lon: -84.40}, base.Add(time.Second))

	got := tr.Wire(base.Add(time.Second))
	if got.Lat != 33.70 || got.Lon != -84.40 {
		t.Fatalf("position not updated: lat=%v lon=%v", got.Lat, got.Lon)
	}
	if got.Callsign != "DAL123" || got.ACType != "B738" || got.Owner != "1A" {
		t.Errorf("plan fields lost on sparse update: %+v", got)
	}
	if got.AltFt == nil || *got.AltFt != 11000 {
		t.Errorf("altitude lost on sparse update: %v", got.AltFt)
	}
	if got.GS == nil || *got.GS != 250 || got.Trk == nil || *got.Trk != 90 {
		t.Errorf("velocity lost on sparse update: gs=%v trk=%v", got.GS, got.Trk)
	}
	if !got.Frozen {
		t.Errorf("frozen flag lost on sparse update")
	}
	if got.AgeSec != 0 {
		t.Errorf("AgeSec = %d, want 0 right after an update", got.AgeSec)
	}
}

func TestApplyZeroSpeedKeepsHeading(t *testing.T) {
	tr := &Track{Facility: "A80", TrackNum: "1042"}
	now := time.Now()

	tr.Apply(tais.TrackUpdate{TrackNum: "1042", Lat: 1, Lon: 2, GS: intPtr(140), Trk: intPtr(275)}, now)
	// Stopped: speed present, heading deliberately absent.
	tr.Apply(tais.TrackUpdate{TrackNum: "1042", Lat: 1, Lon: 2, GS: intPtr(0)}, now)

	got := tr.Wire(now)
	if got.GS == nil || *got.GS != 0 {
		t.Fatalf("gs = %v, want 0", got.GS)
	}
	if got.Trk == nil || *got.Trk != 275 {
		t.Fatalf("trk = %v, want previous heading 275", got.Trk)
	}
}

func TestApplyFlagLifecycle(t *testing.T) {
	tr := &Track{Facility: "A80", TrackNum: "7"}
	now := time.Now()

	tr.Apply(tais.TrackUpdate{TrackNum: "7", Lat: 1, Lon: 2}, now)
	if w := tr.Wire(now); w.Frozen || w.Pseudo {
		t.Fatalf("flags on a fresh track should be false: %+v", w)
	}

	tr.Apply(tais.TrackUpdate{TrackNum: "7", Lat: 1, Lon: 2, Frozen: boolPtr(true)}, now)
	if !tr.Wire(now).Frozen {
		t.Fatalf("explicit set did not stick")
	}

	tr.Apply(tais.TrackUpdate{TrackNum: "7", Lat: 1, Lon: 2}, now)
	if !tr.Wire(now).Frozen {
		t.Fatalf("absent flag must not reset a set flag")
	}

	tr.Apply(tais.TrackUpdate{TrackNum: "7", Lat: 1, Lon: 2, Frozen: boolPtr(false)}, now)
	if tr.Wire(now).Frozen {
		t.Fatalf("explicit clear did not stick")
	}
}

func TestWireFieldPresence(t *testing.T) {
	tr := &Track{Facility: "A80", TrackNum: "1042"}
	seen := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	tr.Apply(tais.TrackUpdate{TrackNum: "1042", Lat: 33.64, Lon: -84.43}, seen)

	w := tr.Wire(seen.Add(90 * time.Second))
	if w.AgeSec != 90 {
		t.Fatalf("AgeSec = %d, want 90", w.AgeSec)
	}

	raw, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{
		`"facility":"A80"`, `"trackNum":"1042"`,
		`"lat":33.64`, `"lon":-84.43`,
		`"frozen":false`, `"pseudo":false`, `"ageSec":90`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("serialized track missing %s: %s", want, s)
		}
	}
	for _, absent := range []string{"callsign", "altFt", "gs", "trk", "vs", "modeS", "owner", "sp1"} {
		if strings.Contains(s, `"`+absent+`"`) {
			t.Errorf("serialized track should omit empty %q: %s", absent, s)
		}
	}
}

func TestSortTracksCallsignThenTrackNum(t *testing.T) {
	tracks := []TrackJSON{
		{TrackNum: "900"},
		{TrackNum: "12", Callsign: "UAL5"},
		{TrackNum: "44", Callsign: "AAL10"},
		{TrackNum: "100"},
		{TrackNum: "2", Callsign: "AAL10"},
	}
	sortTracks(tracks)

	got := make([]string, len(tracks))
	for i, tr := range tracks {
		got[i] = tr.TrackNum
	}
	// Digits sort before letters, so unassigned tracks lead; the AAL10
	// pair falls back to track-number order.
	want := []string{"100", "900", "2", "44", "12"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}
