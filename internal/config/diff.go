package config

import (
	"sort"
	"strings"

	"taisrelay/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens) are compared by presence
// only and never included in the attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	// Server (client-facing listener)
	if strings.TrimSpace(oldCfg.Server.Addr) != strings.TrimSpace(newCfg.Server.Addr) ||
		strings.TrimSpace(oldCfg.Server.ReadTimeout) != strings.TrimSpace(newCfg.Server.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Server.WriteTimeout) != strings.TrimSpace(newCfg.Server.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Server.IdleTimeout) != strings.TrimSpace(newCfg.Server.IdleTimeout) ||
		oldCfg.Server.ClientBuffer != newCfg.Server.ClientBuffer {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Int("server.client_buffer", newCfg.Server.ClientBuffer),
		)
	}

	// Ingest bridge
	if strings.TrimSpace(oldCfg.Ingest.Addr) != strings.TrimSpace(newCfg.Ingest.Addr) ||
		oldCfg.Ingest.Workers != newCfg.Ingest.Workers ||
		oldCfg.Ingest.QueueSize != newCfg.Ingest.QueueSize ||
		oldCfg.Ingest.MaxBodyBytes != newCfg.Ingest.MaxBodyBytes {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.String("ingest.addr", strings.TrimSpace(newCfg.Ingest.Addr)),
			logx.Int("ingest.workers", newCfg.Ingest.Workers),
			logx.Int("ingest.queue_size", newCfg.Ingest.QueueSize),
		)
	}

	// Relay cadence
	if strings.TrimSpace(oldCfg.Relay.BroadcastInterval) != strings.TrimSpace(newCfg.Relay.BroadcastInterval) ||
		strings.TrimSpace(oldCfg.Relay.EvictInterval) != strings.TrimSpace(newCfg.Relay.EvictInterval) ||
		strings.TrimSpace(oldCfg.Relay.StaleAfter) != strings.TrimSpace(newCfg.Relay.StaleAfter) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.broadcast_interval", strings.TrimSpace(newCfg.Relay.BroadcastInterval)),
			logx.String("relay.evict_interval", strings.TrimSpace(newCfg.Relay.EvictInterval)),
			logx.String("relay.stale_after", strings.TrimSpace(newCfg.Relay.StaleAfter)),
		)
	}

	// Logging (never log token)
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Telegram.Enabled != newCfg.Logging.Telegram.Enabled ||
		oldCfg.Logging.Telegram.ChatID != newCfg.Logging.Telegram.ChatID ||
		oldCfg.Logging.Telegram.MinLevel != newCfg.Logging.Telegram.MinLevel ||
		oldCfg.Logging.Telegram.RatePerMin != newCfg.Logging.Telegram.RatePerMin ||
		(strings.TrimSpace(oldCfg.Logging.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Logging.Telegram.Token) != "") {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage (nil means disabled)
	var oEnabled, nEnabled, oPathSet, nPathSet bool
	var oDriver, nDriver, oBusy, nBusy string
	if st := oldCfg.Storage; st != nil {
		oEnabled = st.Enabled
		oDriver = strings.TrimSpace(st.Driver)
		oBusy = strings.TrimSpace(st.BusyTimeout)
		oPathSet = strings.TrimSpace(st.Path) != ""
	}
	if st := newCfg.Storage; st != nil {
		nEnabled = st.Enabled
		nDriver = strings.TrimSpace(st.Driver)
		nBusy = strings.TrimSpace(st.BusyTimeout)
		nPathSet = strings.TrimSpace(st.Path) != ""
	}
	if oEnabled != nEnabled || oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", nEnabled),
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}
