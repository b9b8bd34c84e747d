package relay

import (
	"sort"
	"time"
)

// SnapshotResult is the query shape of one facility's current state.
type SnapshotResult struct {
	Facility string      `json:"facility"`
	Tracks   []TrackJSON `json:"tracks"`
}

// Snapshot returns the facility's tracks in wire order. Unknown facilities
// yield an empty list, not an error; to a reader, "not tracked here" and
// "nothing flying" look the same.
func (e *Engine) Snapshot(facility string) SnapshotResult {
	tracks := e.wireTracks(facility, time.Now())
	if tracks == nil {
		tracks = []TrackJSON{}
	}
	return SnapshotResult{Facility: facility, Tracks: tracks}
}

// DirectoryEntry is one row of the facility directory.
type DirectoryEntry struct {
	Facility   string `json:"facility"`
	TrackCount int    `json:"trackCount"`
}

// Directory lists every facility holding at least one track, busiest
// first, ties alphabetical. Emptied facilities have already left the
// store, so they never show a zero row.
func (e *Engine) Directory() []DirectoryEntry {
	out := make([]DirectoryEntry, 0)
	for _, f := range e.store.Facilities() {
		if n := e.store.Count(f); n > 0 {
			out = append(out, DirectoryEntry{Facility: f, TrackCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrackCount != out[j].TrackCount {
			return out[i].TrackCount > out[j].TrackCount
		}
		return out[i].Facility < out[j].Facility
	})
	return out
}
