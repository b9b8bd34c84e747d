package tais

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TopicPrefix gates ingestion; matched case-insensitively.
const TopicPrefix = "TAIS/"

var (
	// ErrTopic marks a message on a topic this feed does not own.
	// Callers should treat it as a no-op, not a failure.
	ErrTopic = errors.New("topic not recognized")

	// ErrSchema marks a body that failed to parse or is missing required
	// structure.
	ErrSchema = errors.New("malformed feed message")
)

// Message is the normalized form of one feed message: a facility code plus
// per-track field updates, ready to apply to the store.
type Message struct {
	Facility string
	Updates  []TrackUpdate

	// Skipped counts records dropped for a missing track number or an
	// unparseable position.
	Skipped int
}

// TrackUpdate is one record's worth of validated fields.
//
// Presence rules: Lat/Lon are always valid (records without them are
// skipped upstream of this type). Pointer fields are nil when the source
// element was absent or unparseable; empty strings mean "no data" for the
// string fields. Appliers must leave stored values untouched for nil/empty
// entries.
type TrackUpdate struct {
	TrackNum string
	Lat      float64
	Lon      float64

	AltFt *int
	VS    *int
	GS    *int // derived from vx/vy
	Trk   *int // derived from vx/vy, only when GS > 0

	ReportedSqk string
	ModeS       string

	Frozen *bool
	Pseudo *bool

	// flightPlan block
	Callsign    string
	ACType      string
	Equip       string
	Wake        string
	Rules       string
	EntryFix    string
	ExitFix     string
	AssignedSqk string
	ReqAlt      string
	Runway      string
	SP1         string
	SP2         string
	Owner       string
	Handoff     string

	// enhancedData block
	Origin string
	Dest   string
}

// RecognizedTopic reports whether topic belongs to this feed.
func RecognizedTopic(topic string) bool {
	return len(topic) >= len(TopicPrefix) &&
		strings.EqualFold(topic[:len(TopicPrefix)], TopicPrefix)
}

// Normalize parses one raw feed message into per-track updates.
//
// A foreign topic returns ErrTopic; an unparseable body or a body without
// a facility code returns an error wrapping ErrSchema. Records inside a
// well-formed body never fail the whole message: bad ones are counted in
// Skipped, bad optional fields inside good records are dropped field-wise.
func Normalize(topic string, body []byte) (Message, error) {
	if !RecognizedTopic(topic) {
		return Message{}, fmt.Errorf("%w: %q", ErrTopic, topic)
	}

	var doc trackMessage
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	facility := strings.TrimSpace(doc.Src)
	if facility == "" {
		return Message{}, fmt.Errorf("%w: missing src", ErrSchema)
	}

	msg := Message{Facility: facility}
	for _, rec := range doc.Records {
		up, ok := normalizeRecord(rec)
		if !ok {
			msg.Skipped++
			continue
		}
		msg.Updates = append(msg.Updates, up)
	}
	return msg, nil
}

func normalizeRecord(rec recordXML) (TrackUpdate, bool) {
	tr := rec.Track
	if tr == nil {
		return TrackUpdate{}, false
	}

	num := strings.TrimSpace(tr.TrackNum)
	if num == "" {
		return TrackUpdate{}, false
	}
	lat, okLat := parseCoord(tr.Lat)
	lon, okLon := parseCoord(tr.Lon)
	if !okLat || !okLon {
		return TrackUpdate{}, false
	}

	up := TrackUpdate{TrackNum: num, Lat: lat, Lon: lon}

	up.AltFt = parseOptInt(tr.ReportedAltitude)
	up.VS = parseOptInt(tr.VVert)
	up.GS, up.Trk = deriveVelocity(tr.VX, tr.VY)

	up.ReportedSqk = strings.TrimSpace(tr.ReportedBeaconCode)
	if addr := strings.TrimSpace(tr.ACAddress); addr != "" && !allZeros(addr) {
		up.ModeS = addr
	}

	up.Frozen = parseOptFlag(tr.Frozen)
	up.Pseudo = parseOptFlag(tr.Pseudo)

	if fp := rec.FlightPlan; fp != nil {
		up.Callsign = strings.TrimSpace(fp.ACID)
		up.ACType = strings.TrimSpace(fp.ACType)
		up.Rules = strings.TrimSpace(fp.FlightRules)
		up.EntryFix = strings.TrimSpace(fp.EntryFix)
		up.ExitFix = strings.TrimSpace(fp.ExitFix)
		up.AssignedSqk = strings.TrimSpace(fp.AssignedBeaconCode)
		up.ReqAlt = strings.TrimSpace(fp.RequestedAltitude)
		up.Runway = strings.TrimSpace(fp.Runway)
		up.SP1 = strings.TrimSpace(fp.ScratchPad1)
		up.SP2 = strings.TrimSpace(fp.ScratchPad2)
		up.Handoff = strings.TrimSpace(fp.PendingHandoff)
		up.Equip = dropSentinel(fp.EqptSuffix, "unavailable")
		up.Wake = dropSentinel(fp.Category, "unavailable")
		up.Owner = dropSentinel(fp.CPS, "unassigned")
	}

	if en := rec.EnhancedData; en != nil {
		up.Origin = strings.TrimSpace(en.DepartureAirport)
		up.Dest = strings.TrimSpace(en.DestinationAirport)
	}

	return up, true
}

func parseCoord(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseOptInt(raw string) *int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// parseOptFlag maps a present element to its literal-"1" truth value and
// keeps absence as nil so it never clears a stored flag.
func parseOptFlag(raw *string) *bool {
	if raw == nil {
		return nil
	}
	v := strings.TrimSpace(*raw) == "1"
	return &v
}

// deriveVelocity turns integer velocity components into ground speed and
// heading. Both components must parse or neither value is produced; the
// heading is only meaningful while moving.
func deriveVelocity(rawVX, rawVY string) (gs, trk *int) {
	vx := parseOptInt(rawVX)
	vy := parseOptInt(rawVY)
	if vx == nil || vy == nil {
		return nil, nil
	}
	fx, fy := float64(*vx), float64(*vy)

	speed := int(math.Round(math.Sqrt(fx*fx + fy*fy)))
	gs = &speed
	if speed <= 0 {
		return gs, nil
	}

	// Compass heading: 0 = north, 90 = east, hence atan2(x, y).
	deg := int(math.Round(math.Atan2(fx, fy) * 180 / math.Pi))
	deg = ((deg % 360) + 360) % 360
	trk = &deg
	return gs, trk
}

// allZeros reports whether s is the feed's "no transponder data" sentinel
// (an address of all zero digits).
func allZeros(s string) bool {
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

func dropSentinel(raw, sentinel string) string {
	s := strings.TrimSpace(raw)
	if strings.EqualFold(s, sentinel) {
		return ""
	}
	return s
}
