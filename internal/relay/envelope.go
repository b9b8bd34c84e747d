package relay

import (
	"encoding/json"
	"sort"
)

// Envelope types sent to subscribed clients.
const (
	TypeSnapshot = "snapshot"
	TypeBatch    = "batch"
	TypeRemove   = "remove"
)

// Envelope is the outer frame of every push message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// sortTracks orders a payload for the wire: callsign (or track number for
// unassigned tracks) ascending, ties broken by track number.
func sortTracks(tracks []TrackJSON) {
	sort.Slice(tracks, func(i, j int) bool {
		ki, kj := tracks[i].sortKey(), tracks[j].sortKey()
		if ki != kj {
			return ki < kj
		}
		return tracks[i].TrackNum < tracks[j].TrackNum
	})
}

// encodeTrackList builds a snapshot or batch frame. The payload is
// serialized once; broadcast hands the same bytes to every subscriber.
func encodeTrackList(typ string, tracks []TrackJSON) ([]byte, error) {
	if tracks == nil {
		tracks = []TrackJSON{}
	}
	return json.Marshal(Envelope{Type: typ, Payload: tracks})
}

// encodeRemove builds the frame announcing a stale track's eviction.
func encodeRemove(facility, trackNum string) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:    TypeRemove,
		Payload: TrackRef{Facility: facility, TrackNum: trackNum},
	})
}
