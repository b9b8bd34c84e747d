package app

import (
	"time"

	"taisrelay/internal/config"
	"taisrelay/internal/observability/pprof"
	"taisrelay/internal/storage"
	"taisrelay/internal/transport/ws"
	"taisrelay/pkg/logx"
)

// Mapping helpers translate the on-disk config into per-service configs.
// Durations arrive as strings and have been validated, so parse errors
// here mean the validator and a mapper disagree; surface them anyway.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			Token:      cfg.Logging.Telegram.Token,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerMin: cfg.Logging.Telegram.RatePerMin,
		},
	}
}

func mapServer(cfg *config.Config) (ws.Config, error) {
	read, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 15*time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 75*time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	return ws.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		ClientBuffer: cfg.Server.ClientBuffer,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	st := cfg.Storage
	if st == nil || !st.Enabled {
		return storage.Config{}, nil // disabled; Open returns (nil, nil)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", st.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      st.Driver,
		Path:        st.Path,
		BusyTimeout: busy,
	}, nil
}

func mapPprof(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", cfg.Pprof.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// WriteTimeout stays 0 unless set: /profile can run 30s+.
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", cfg.Pprof.IdleTimeout, time.Minute)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 cfg.Pprof.Addr,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MemProfileRate:       cfg.Pprof.MemProfileRate,
	}, nil
}
