// Package app wires streambot's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"streambot/internal/config"
	"streambot/internal/eventbus"
	"streambot/internal/logrotate"
	"streambot/internal/monitor"
	"streambot/internal/notifier"
	"streambot/internal/observability/httpserver"
	"streambot/internal/runtime/lifecycle"
	"streambot/internal/runtime/sdnotify"
	"streambot/internal/runtime/supervisor"
	"streambot/internal/storage"
	telegram "streambot/internal/transport/telegram/adapter"
	"streambot/internal/twitch"
	logx "streambot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	mon     *monitor.Monitor
	notif   *notifier.Service
	rotate  *logrotate.Service
	http    *httpserver.Service
	sd      *sdnotify.Notifier
	health  *health
}

// NewApp loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set its target, then apply the
	// final config so Apply never sees an enabled sink without a chat.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if added, err := storage.SeedIfEmpty(context.Background(), store, cfg.Channels, log); err != nil {
		return fail(fmt.Errorf("seeding channels: %w", err))
	} else if added > 0 {
		log.Info("seeded channels from config", logx.Int("added", added))
	}

	tc, err := mapTwitchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	probe, err := twitch.New(tc, nil, root.With(logx.String("comp", "twitch")))
	if err != nil {
		return fail(err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus, store)
	if !ncfg.Enabled {
		log.Warn("notifier disabled; live channels will only be logged")
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	mon, err := monitor.New(mcfg, monitor.Deps{
		Probe:     probe,
		Source:    store,
		Announcer: notif,
		Store:     store,
		Bus:       bus,
		Log:       root.With(logx.String("comp", "monitor")),
	})
	if err != nil {
		return fail(err)
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	h := newHealth(nil, mon.Config())

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		mon:     mon,
		notif:   notif,
		rotate:  logrotate.New(mapRotateConfig(cfg), logSvc, ad, bus, root.With(logx.String("comp", "logrotate"))),
		http:    httpserver.New(hcfg, root.With(logx.String("comp", "http")), httpserver.WithHealth(h.report)),
		sd:      sdnotify.New(root.With(logx.String("comp", "sdnotify"))),
		health:  h,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error,
// restart request or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// StopReason classifies why Done closed; fallback is used when the app is
// still healthy (e.g. a signal arrived).
func (a *App) StopReason(fallback lifecycle.StopReason) lifecycle.StopReason {
	switch err := a.Err(); {
	case errors.Is(err, monitor.ErrRestartRequested):
		return lifecycle.StopRestartRequested
	case err != nil:
		return lifecycle.StopFatalError
	default:
		return fallback
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	a.health.attach(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateWiring)

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if err := a.rotate.Start(runCtx); err != nil {
		return err
	}
	a.http.Start(runCtx)

	// Event fan-out: health tracking and debug visibility.
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
				a.health.observe(e)
				// Ticks are frequent; keep them at trace.
				if e.Type == eventbus.MonitorTick {
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go("monitor.run", a.mon.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("sdnotify.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status("monitoring")
	a.log.Info("app started")
	return nil
}

// validateWiring rejects reloads that parse but would fail mapping.
func validateWiring(_ context.Context, cfg *config.Config) error {
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("logrotate", 2*time.Second, func(c context.Context) error { a.rotate.Stop(c); return nil })
	// The monitor must be gone before the notifier drains and the store closes.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

// reloadLoop applies hot-reloadable sections. Sections read only at startup
// are reported as needing a restart.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		a.applyConfig(c, newCfg, sections)
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) applyConfig(c context.Context, cfg *config.Config, sections []string) {
	var restart []string
	for _, s := range sections {
		if config.RequiresRestart(s) {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Strings("sections", restart))
	}

	// Target first so Apply doesn't warn about an enabled sink without a chat.
	a.logs.SetTelegramTarget(logTarget(cfg))
	a.logs.Apply(mapLogConfig(cfg))

	if err := a.rotate.Apply(c, mapRotateConfig(cfg)); err != nil {
		a.log.Warn("log rotation config not applied", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if hc, err := mapHTTPConfig(cfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	if slices.Contains(sections, "channels") {
		if added, err := storage.Seed(c, a.store, cfg.Channels, a.log); err != nil {
			a.log.Warn("seeding channels failed", logx.Err(err))
		} else if added > 0 {
			a.log.Info("channels added from config", logx.Int("added", added))
		}
	}
}
