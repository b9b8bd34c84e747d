// Package app wires the relay together: config, logging, the track
// engine, its transports and timers, and an ordered shutdown path.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taisrelay/internal/audit"
	"taisrelay/internal/config"
	"taisrelay/internal/eventbus"
	"taisrelay/internal/observability/pprof"
	"taisrelay/internal/relay"
	"taisrelay/internal/runtime/supervisor"
	"taisrelay/internal/sched"
	"taisrelay/internal/storage"
	"taisrelay/internal/transport/ingest"
	"taisrelay/internal/transport/ws"
	"taisrelay/pkg/logx"
)

// StopReason tags why the app is shutting down, for the final log line.
type StopReason string

const (
	StopSignal       StopReason = "signal"
	StopStartFailure StopReason = "start_failure"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	engine *relay.Engine
	timers *sched.Service
	ingest *ingest.Service
	hub    *ws.Service
	pprof  *pprof.Service
	rec    *audit.Recorder

	sup *supervisor.Supervisor

	notify bool
}

// New loads and validates the config, then builds every service. Nothing
// is started; a construction error leaves no goroutines behind.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(mapLogging(cfg))

	a := &App{
		cfgm:   cfgm,
		logs:   logs,
		log:    log,
		bus:    eventbus.New(),
		notify: cfg.Systemd.Notify,
	}

	storeCfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	staleAfter, err := config.ParseDurationOrDefault("relay.stale_after", cfg.Relay.StaleAfter, relay.DefaultStaleAfter)
	if err != nil {
		return nil, err
	}
	a.engine = relay.New(relay.Options{
		Log:        log.With(logx.String("comp", "relay")),
		Bus:        a.bus,
		StaleAfter: staleAfter,
	})

	broadcastEvery, err := config.ParseDurationOrDefault("relay.broadcast_interval", cfg.Relay.BroadcastInterval, time.Second)
	if err != nil {
		return nil, err
	}
	evictEvery, err := config.ParseDurationOrDefault("relay.evict_interval", cfg.Relay.EvictInterval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.timers = sched.New(sched.Config{}, log.With(logx.String("comp", "sched")))
	if err := a.timers.Add("relay.broadcast", broadcastEvery, func(context.Context) { a.engine.Broadcast() }); err != nil {
		return nil, err
	}
	if err := a.timers.Add("relay.evict", evictEvery, func(context.Context) { a.engine.EvictStale() }); err != nil {
		return nil, err
	}

	a.ingest = ingest.New(ingest.Config{
		Addr:         cfg.Ingest.Addr,
		Workers:      cfg.Ingest.Workers,
		QueueSize:    cfg.Ingest.QueueSize,
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
	}, a.engine, log.With(logx.String("comp", "ingest")))

	wsCfg, err := mapServer(cfg)
	if err != nil {
		return nil, err
	}
	a.hub = ws.New(wsCfg, a.engine, log.With(logx.String("comp", "ws")))

	ppc, err := mapPprof(cfg)
	if err != nil {
		return nil, err
	}
	a.pprof = pprof.New(ppc, a.statusDoc, log.With(logx.String("comp", "pprof")))

	if a.store != nil {
		a.rec = audit.New(a.bus, a.store, log.With(logx.String("comp", "audit")))
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish so a
	// bad edit never replaces a working config.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.ingest.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("starting ingest: %w", err)
	}
	if err := a.hub.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("starting ws: %w", err)
	}
	if err := a.timers.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}
	if a.rec != nil {
		a.sup.Go0("audit.record", a.rec.Run)
	}

	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.notify {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.log.Warn("sd_notify ready failed", logx.Err(err))
		} else if ok {
			a.log.Debug("sd_notify ready sent")
		}
		a.startWatchdog()
	}

	a.log.Info("app started")
	return nil
}

// startWatchdog heartbeats systemd at half the configured watchdog
// interval. A no-op when the unit has no WatchdogSec.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// startReloadLoop consumes config updates, coalescing bursts, and
// re-applies the hot-reloadable sections (logging, pprof). Boot-time
// sections get a warning so the operator knows a restart is pending.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, s := range sections {
					switch s {
					case "server", "ingest", "relay", "storage":
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				a.logs.Apply(mapLogging(newCfg))

				if ppc, err := mapPprof(newCfg); err != nil {
					a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				} else {
					a.pprof.Reconfigure(c, ppc)
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	// Cancel the run context so background loops start unwinding, then
	// walk the services front-to-back: stop feeding first, then stop
	// fanning out, then the rest.
	a.sup.Cancel()

	a.stopStep(ctx, "scheduler", 2*time.Second, a.timers.Stop)
	a.stopStep(ctx, "ingest", 2*time.Second, a.ingest.Stop)
	a.stopStep(ctx, "ws", 3*time.Second, a.hub.Stop)
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	// The supervisor hosts the audit recorder; wait it out before the
	// store goes away so the last events still land.
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so a single
// component can't stall the whole stop. A step that overruns is logged
// and left behind; a goroutine watches for it to eventually finish.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := ctx
	var cancel context.CancelFunc
	if max > 0 {
		// Respect the caller's deadline; never extend it.
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && stepCtx.Err() == nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			} else {
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
