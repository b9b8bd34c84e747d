package relay

import (
	"sync"
	"time"

	"taisrelay/internal/tais"
)

// Track is one aircraft's live state within a facility. Identity is fixed
// at creation; everything else merges in over time, field by field.
//
// The per-track mutex covers merges against concurrent serialization, so
// ingestion for one track never waits on unrelated tracks.
type Track struct {
	Facility string
	TrackNum string

	mu       sync.Mutex
	lastSeen time.Time

	lat float64
	lon float64

	altFt *int
	gs    *int
	trk   *int
	vs    *int

	callsign    string
	acType      string
	equip       string
	wake        string
	rules       string
	origin      string
	dest        string
	entryFix    string
	exitFix     string
	assignedSqk string
	reportedSqk string
	reqAlt      string
	runway      string
	sp1         string
	sp2         string
	owner       string
	handoff     string
	modeS       string

	frozen bool
	pseudo bool
}

// Apply merges one update into the track. Position and lastSeen always
// win; every other field only overwrites when the update carries data for
// it, so sparse records never erase what earlier ones established.
func (t *Track) Apply(up tais.TrackUpdate, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lat = up.Lat
	t.lon = up.Lon
	t.lastSeen = now

	if up.AltFt != nil {
		t.altFt = up.AltFt
	}
	if up.VS != nil {
		t.vs = up.VS
	}
	if up.GS != nil {
		t.gs = up.GS
	}
	if up.Trk != nil {
		t.trk = up.Trk
	}

	if up.Frozen != nil {
		t.frozen = *up.Frozen
	}
	if up.Pseudo != nil {
		t.pseudo = *up.Pseudo
	}

	if up.ReportedSqk != "" {
		t.reportedSqk = up.ReportedSqk
	}
	if up.ModeS != "" {
		t.modeS = up.ModeS
	}
	if up.Callsign != "" {
		t.callsign = up.Callsign
	}
	if up.ACType != "" {
		t.acType = up.ACType
	}
	if up.Equip != "" {
		t.equip = up.Equip
	}
	if up.Wake != "" {
		t.wake = up.Wake
	}
	if up.Rules != "" {
		t.rules = up.Rules
	}
	if up.EntryFix != "" {
		t.entryFix = up.EntryFix
	}
	if up.ExitFix != "" {
		t.exitFix = up.ExitFix
	}
	if up.AssignedSqk != "" {
		t.assignedSqk = up.AssignedSqk
	}
	if up.ReqAlt != "" {
		t.reqAlt = up.ReqAlt
	}
	if up.Runway != "" {
		t.runway = up.Runway
	}
	if up.SP1 != "" {
		t.sp1 = up.SP1
	}
	if up.SP2 != "" {
		t.sp2 = up.SP2
	}
	if up.Owner != "" {
		t.owner = up.Owner
	}
	if up.Handoff != "" {
		t.handoff = up.Handoff
	}
	if up.Origin != "" {
		t.origin = up.Origin
	}
	if up.Dest != "" {
		t.dest = up.Dest
	}
}

func (t *Track) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// TrackJSON is the wire shape of one track. Field names and order are the
// client contract; don't reorder or rename.
type TrackJSON struct {
	Facility    string  `json:"facility"`
	TrackNum    string  `json:"trackNum"`
	Callsign    string  `json:"callsign,omitempty"`
	ACType      string  `json:"acType,omitempty"`
	Equip       string  `json:"equip,omitempty"`
	Wake        string  `json:"wake,omitempty"`
	Rules       string  `json:"rules,omitempty"`
	Origin      string  `json:"origin,omitempty"`
	Dest        string  `json:"dest,omitempty"`
	EntryFix    string  `json:"entryFix,omitempty"`
	ExitFix     string  `json:"exitFix,omitempty"`
	AssignedSqk string  `json:"assignedSqk,omitempty"`
	ReportedSqk string  `json:"reportedSqk,omitempty"`
	ReqAlt      string  `json:"reqAlt,omitempty"`
	Runway      string  `json:"runway,omitempty"`
	SP1         string  `json:"sp1,omitempty"`
	SP2         string  `json:"sp2,omitempty"`
	Owner       string  `json:"owner,omitempty"`
	Handoff     string  `json:"handoff,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AltFt       *int    `json:"altFt,omitempty"`
	GS          *int    `json:"gs,omitempty"`
	Trk         *int    `json:"trk,omitempty"`
	VS          *int    `json:"vs,omitempty"`
	ModeS       string  `json:"modeS,omitempty"`
	Frozen      bool    `json:"frozen"`
	Pseudo      bool    `json:"pseudo"`
	AgeSec      int64   `json:"ageSec"`
}

// Wire renders the track for serialization. AgeSec is computed here, never
// stored, so every envelope carries the age as of send time.
func (t *Track) Wire(now time.Time) TrackJSON {
	t.mu.Lock()
	defer t.mu.Unlock()

	age := int64(now.Sub(t.lastSeen).Seconds())
	if age < 0 {
		age = 0
	}

	return TrackJSON{
		Facility:    t.Facility,
		TrackNum:    t.TrackNum,
		Callsign:    t.callsign,
		ACType:      t.acType,
		Equip:       t.equip,
		Wake:        t.wake,
		Rules:       t.rules,
		Origin:      t.origin,
		Dest:        t.dest,
		EntryFix:    t.entryFix,
		ExitFix:     t.exitFix,
		AssignedSqk: t.assignedSqk,
		ReportedSqk: t.reportedSqk,
		ReqAlt:      t.reqAlt,
		Runway:      t.runway,
		SP1:         t.sp1,
		SP2:         t.sp2,
		Owner:       t.owner,
		Handoff:     t.handoff,
		Lat:         t.lat,
		Lon:         t.lon,
		AltFt:       t.altFt,
		GS:          t.gs,
		Trk:         t.trk,
		VS:          t.vs,
		ModeS:       t.modeS,
		Frozen:      t.frozen,
		Pseudo:      t.pseudo,
		AgeSec:      age,
	}
}

// sortKey orders snapshot/batch payloads: callsign when assigned, else the
// track number. Tracks without callsigns therefore group among themselves
// in track-number order.
func (tj TrackJSON) sortKey() string {
	if tj.Callsign != "" {
		return tj.Callsign
	}
	return tj.TrackNum
}
