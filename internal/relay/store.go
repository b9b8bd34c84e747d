package relay

import (
	"sort"
	"sync"
	"time"
)

// Store holds live tracks keyed by facility then track number. The outer
// lock guards the map shape only; track contents are guarded by each
// track's own mutex.
type Store struct {
	mu         sync.RWMutex
	facilities map[string]map[string]*Track
}

func NewStore() *Store {
	return &Store{facilities: make(map[string]map[string]*Track)}
}

// GetOrCreate returns the track for (facility, trackNum), creating an
// empty one on first sight.
func (s *Store) GetOrCreate(facility, trackNum string) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNum := s.facilities[facility]
	if byNum == nil {
		byNum = make(map[string]*Track)
		s.facilities[facility] = byNum
	}
	t := byNum[trackNum]
	if t == nil {
		t = &Track{Facility: facility, TrackNum: trackNum}
		byNum[trackNum] = t
	}
	return t
}

func (s *Store) Get(facility, trackNum string) (*Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.facilities[facility][trackNum]
	return t, ok
}

// Remove drops one track and, when that empties the facility, the
// facility bucket itself so it stops appearing in the directory.
func (s *Store) Remove(facility, trackNum string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNum := s.facilities[facility]
	if byNum == nil {
		return
	}
	delete(byNum, trackNum)
	if len(byNum) == 0 {
		delete(s.facilities, facility)
	}
}

// List snapshots a facility's tracks in unspecified order. Callers sort
// the serialized forms, not the tracks.
func (s *Store) List(facility string) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNum := s.facilities[facility]
	if len(byNum) == 0 {
		return nil
	}
	out := make([]*Track, 0, len(byNum))
	for _, t := range byNum {
		out = append(out, t)
	}
	return out
}

// Facilities returns every facility with at least one track, sorted for
// deterministic sweeps.
func (s *Store) Facilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.facilities))
	for f := range s.facilities {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Count(facility string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facilities[facility])
}

// Totals reports facility and track counts for status reporting.
func (s *Store) Totals() (facilities, tracks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facilities = len(s.facilities)
	for _, byNum := range s.facilities {
		tracks += len(byNum)
	}
	return facilities, tracks
}

// StaleBefore returns the (facility, trackNum) pairs whose last update
// predates the cutoff. The sweep reads under the track locks, so a track
// updated mid-sweep is simply seen fresh.
func (s *Store) StaleBefore(cutoff time.Time) []TrackRef {
	var stale []TrackRef
	for _, facility := range s.Facilities() {
		for _, t := range s.List(facility) {
			if t.LastSeen().Before(cutoff) {
				stale = append(stale, TrackRef{Facility: facility, TrackNum: t.TrackNum})
			}
		}
	}
	return stale
}

// TrackRef names a track without holding it.
type TrackRef struct {
	Facility string `json:"facility"`
	TrackNum string `json:"trackNum"`
}
