package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"healthwatch/internal/api"
	"healthwatch/internal/config"
	"healthwatch/internal/controller"
	"healthwatch/internal/engine"
	"healthwatch/internal/eventbus"
	"healthwatch/internal/prober"
	"healthwatch/internal/recorder"
	"healthwatch/internal/secret"
	"healthwatch/internal/storage"
	"healthwatch/internal/uptime"
	logx "healthwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Engine
	prober *prober.Prober
	ctrl   *controller.Controller
	api    *api.Server
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	box, err := secret.NewBox(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage.encryption_key: %w", err)
	}
	if box == nil {
		log.Warn("no encryption key configured; services with basic auth cannot be saved")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc.Box = box
	store, err := storage.Open(ctx, sc, base)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	probeOpts, err := mapProberOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ctrlOpts, err := mapControllerOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	apiOpts, apiEnabled, err := mapAPIOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()

	var mirror engine.ScheduleStore
	if mirrorSchedules(cfg) {
		mirror = store
	}
	eng := engine.New(engCfg, mirror, base, bus)
	prb := prober.New(probeOpts, base.With(logx.String("comp", "prober")))
	rec := recorder.New(store, base)
	ctrl := controller.New(eng, store, prb, rec, ctrlOpts, base)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  eng,
		prober:  prb,
		ctrl:    ctrl,
	}
	if apiEnabled {
		a.api = api.New(api.Deps{
			Store:     store,
			Hooks:     ctrl,
			Scheduler: eng,
			Uptime:    uptime.NewService(store),
		}, apiOpts, base)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the engine up, loads every active service into it and then
// starts the API and background loops. Engine or bootstrap failures abort
// startup.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapProberOptions(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapAPIOptions(cfg)
		return err
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if err := a.ctrl.Bootstrap(a.sup.Context()); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if a.api != nil {
		a.sup.Go("api.serve", func(context.Context) error {
			return a.api.Serve()
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

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
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.startWatchdog()

	a.log.Info("app started", logx.Int("schedules", len(a.engine.Schedules())))
	return nil
}

// startWatchdog pings systemd at half the configured WatchdogSec while the
// engine is running.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
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
				if a.engine.Running() {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

func (a *App) logEvent(e eventbus.Event) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	fields := []logx.Field{logx.String("type", e.Type), logx.String("service_id", e.ServiceID), logx.Time("time", e.Time)}
	if je, ok := e.Data.(engine.JobEvent); ok && je.Error != "" {
		fields = append(fields, logx.Int("attempts", je.Attempts), logx.String("err", je.Error))
	}
	// Engine failures are already logged at warn; this is a debug trace.
	a.log.Debug("event", fields...)
}

func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if opts, err := mapProberOptions(newCfg); err != nil {
		a.log.Warn("invalid prober config; keeping previous", logx.Err(err))
	} else {
		a.prober.Apply(opts)
	}
	if ec, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				max = time.Millisecond
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Shutdown(c)
	})
	step("engine", 5*time.Second, a.engine.Stop)
	step("controller", time.Second, func(context.Context) error {
		a.ctrl.Close()
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
