package config

// Config is the full on-disk configuration.
//
// File format is JSON or YAML (by extension); both decode through the same
// strict path, so unknown keys are rejected early instead of being silently
// ignored.
//
// Reload note:
//   - logging and pprof are re-applied on file change.
//   - server, ingest, relay and storage are read once at boot; editing them
//     takes effect on the next restart.
type Config struct {
	Server  ServerConfig   `json:"server"`
	Ingest  IngestConfig   `json:"ingest"`
	Relay   RelayConfig    `json:"relay"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Pprof   PprofConfig    `json:"pprof,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

// ServerConfig controls the client-facing listener (WebSocket feed + query API).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - addr: ":8080"
//   - read_timeout: "15s"
//   - write_timeout: "15s"
//   - idle_timeout: "75s"
//   - client_buffer: 64 (outbound frames queued per client before the
//     client is considered too slow and dropped)
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	ClientBuffer int    `json:"client_buffer,omitempty"`
}

// IngestConfig controls the feed-bridge listener that accepts raw upstream
// messages and hands them to the engine through a bounded worker queue.
//
// Defaults:
//   - addr: "127.0.0.1:9091" (the bridge is expected to run on the same host;
//     bind wider only behind a trusted network)
//   - workers: 4
//   - queue_size: 1024
//   - max_body_bytes: 1048576
type IngestConfig struct {
	Addr         string `json:"addr,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

// RelayConfig controls the engine's timer cadence.
//
// All durations are Go duration strings.
//
// Defaults:
//   - broadcast_interval: "1s"
//   - evict_interval: "10s"
//   - stale_after: "60s" (a track unseen for this long is evicted)
type RelayConfig struct {
	BroadcastInterval string `json:"broadcast_interval,omitempty"`
	EvictInterval     string `json:"evict_interval,omitempty"`
	StaleAfter        string `json:"stale_after,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above min_level to a Telegram
// chat. Intended for low-volume operational alerts, hence the per-minute
// rate cap (default 10).
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // bot token (do not log)
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

// StorageConfig controls the optional audit journal (client session and
// eviction events). Omit the section to disable it entirely.
//
// Example:
//
//	"storage": { "enabled": true, "driver": "file", "path": "./relay_audit" }
type StorageConfig struct {
	Enabled     bool   `json:"enabled"`
	Driver      string `json:"driver"` // "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional debug HTTP server (pprof + /statusz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. Harmless to leave enabled
// outside systemd: notifications are no-ops when NOTIFY_SOCKET is unset.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
