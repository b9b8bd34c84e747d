package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks a parsed config for values that would make the service
// misbehave at runtime. Used at boot and as the Watch() validator, so a bad
// edit is rejected before it replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	// Relay cadence: omitted is fine (defaults apply). Explicit values must
	// be whole seconds or more; the schedule runs on second granularity.
	for _, f := range []struct{ path, raw string }{
		{"relay.broadcast_interval", cfg.Relay.BroadcastInterval},
		{"relay.evict_interval", cfg.Relay.EvictInterval},
		{"relay.stale_after", cfg.Relay.StaleAfter},
	} {
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return err
		}
		if strings.TrimSpace(f.raw) != "" && d < time.Second {
			return fmt.Errorf("%s: must be at least 1s", f.path)
		}
	}

	if cfg.Server.ClientBuffer < 0 {
		return fmt.Errorf("server.client_buffer: must be >= 0")
	}
	if cfg.Ingest.Workers < 0 {
		return fmt.Errorf("ingest.workers: must be >= 0")
	}
	if cfg.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest.queue_size: must be >= 0")
	}
	if cfg.Ingest.MaxBodyBytes < 0 {
		return fmt.Errorf("ingest.max_body_bytes: must be >= 0")
	}

	switch lvl := strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)); lvl {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Logging.Telegram.Token) == "" {
			return fmt.Errorf("logging.telegram.token: required when telegram logging is enabled")
		}
		if cfg.Logging.Telegram.ChatID == 0 {
			return fmt.Errorf("logging.telegram.chat_id: required when telegram logging is enabled")
		}
	}

	if st := cfg.Storage; st != nil && st.Enabled {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", st.Driver)
		}
		if strings.TrimSpace(st.Path) == "" {
			return fmt.Errorf("storage.path: required when storage is enabled")
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}
