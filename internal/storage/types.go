package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one relay event. Keep it compact and schema-stable; the
// JSON names double as the file format and the API shape.
type Entry struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Facility string    `json:"facility,omitempty"`
	TrackNum string    `json:"trackNum,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
	AgeSec   int64     `json:"ageSec,omitempty"`
}

// Store is the persistence API used by the audit recorder and the status
// endpoints. RecentEvents returns newest first.
type Store interface {
	AppendEvent(ctx context.Context, e Entry) error
	RecentEvents(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
