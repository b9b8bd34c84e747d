package storage

// Package storage persists the relay's event trail: client subscriptions
// and stale-track evictions, appended as they happen and readable back
// newest-first for the status surfaces.
