package app

import (
	"taisrelay/internal/relay"
	"taisrelay/internal/runtime/supervisor"
	"taisrelay/internal/sched"
	"taisrelay/internal/transport/ingest"
	"taisrelay/internal/transport/ws"
)

// statusDoc assembles the /statusz document: every service's counters in
// one read. Best-effort point-in-time values, not a consistent snapshot.
func (a *App) statusDoc() any {
	doc := struct {
		Engine     relay.Stats         `json:"engine"`
		Ingest     ingest.Stats        `json:"ingest"`
		WS         ws.Stats            `json:"ws"`
		Jobs       []sched.JobStatus   `json:"jobs"`
		BusDropped uint64              `json:"bus_dropped"`
		Supervisor supervisor.Snapshot `json:"supervisor"`
	}{
		Engine: a.engine.Stats(),
		Ingest: a.ingest.Stats(),
		WS:     a.hub.Stats(),
		Jobs:   a.timers.Snapshot(),
	}
	if a.bus != nil {
		doc.BusDropped = a.bus.Dropped()
	}
	if a.sup != nil {
		doc.Supervisor = a.sup.SnapshotNow()
	}
	return doc
}
