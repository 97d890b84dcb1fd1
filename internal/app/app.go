package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/config"
	"courtbot/internal/eventbus"
	"courtbot/internal/httpapi"
	"courtbot/internal/keepalive"
	"courtbot/internal/notifier"
	"courtbot/internal/race"
	"courtbot/internal/registry"
	"courtbot/internal/runtime/supervisor"
	"courtbot/internal/session"
	"courtbot/internal/storage"
	kit "courtbot/internal/transport"
	"courtbot/internal/transport/telegram"
	logx "courtbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif *notifier.Service
	keep  *keepalive.Service
	sd    *sdNotifier

	reg *registry.Registry
	srv *httpapi.Server

	stopped atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	return New(config.NewConfigManager(cfgPath))
}

// New loads the config through cfgm and builds every long-lived component.
// Nothing runs until Start.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	var sender kit.Sender
	if tc, enabled, err := mapTelegramConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		tg, err := telegram.New(tc, bootLog)
		if err != nil {
			return nil, err
		}
		sender = tg
	}

	// Bootstrap with the chat sink off, set the target, then apply the final
	// config so Apply does not warn about a missing target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	logSvc.SetChatTarget(chatTarget(cfg))
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ncfg.Enabled && sender == nil {
		log.Warn("notifier enabled but telegram.token is empty; notifications will be dropped")
	}
	notifSvc := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)

	kcfg, err := mapKeepaliveConfig(cfg)
	if err != nil {
		return nil, err
	}
	keep := keepalive.New(kcfg, log.With(logx.String("comp", "keepalive")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		notif: notifSvc,
		keep:  keep,
		sd:    newSDNotifier(log.With(logx.String("comp", "systemd"))),
	}, nil
}

// NewEngine builds a race engine for one session from cfg: a fresh remote
// client (own token, own rate limiter) plus the race timing.
func NewEngine(cfg *config.Config, bus eventbus.Bus, log logx.Logger) (*race.Engine, error) {
	bc, err := mapBookingConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := booking.NewHTTPClient(bc, booking.WithLogger(log.With(logx.String("comp", "booking"))))
	if err != nil {
		return nil, err
	}
	rc, err := mapRaceConfig(cfg)
	if err != nil {
		return nil, err
	}
	return race.New(client, rc, race.WithBus(bus), race.WithLogger(log.With(logx.String("comp", "race")))), nil
}

// newRunner reads the committed config per session, so remote and race
// changes apply to sessions started after a reload.
func (a *App) newRunner(st *session.State) (registry.Runner, error) {
	eng, err := NewEngine(a.cfgm.Get(), a.bus, a.log)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", st.ID(), err)
	}
	return eng, nil
}

// Registry is nil before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

// Addr is the bound HTTP address ("" before Start).
func (a *App) Addr() string {
	if a.srv == nil {
		return ""
	}
	return a.srv.Addr()
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

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return ValidateConfig(c)
	})

	a.reg = registry.New(a.sup.Context(), a.newRunner,
		registry.WithLogger(a.log.With(logx.String("comp", "registry"))),
		registry.WithMaxFinished(cfg.Registry.MaxFinished),
		registry.WithLogCapacity(cfg.Race.LogCapacity),
	)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(64)
		storeLog := a.log.With(logx.String("comp", "outcomes"))
		a.sup.Go0("outcomes.record", func(c context.Context) {
			defer unsub()
			recordOutcomes(c, a.store, events, storeLog)
		})
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.keep.Start(a.sup.Context()); err != nil {
		return err
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	opts := []httpapi.Option{
		httpapi.WithLogger(a.log.With(logx.String("comp", "http"))),
		httpapi.WithAdminToken(cfg.HTTP.AdminToken),
		httpapi.WithCookie(cfg.HTTP.CookieName, cfg.HTTP.CookieSecure),
		httpapi.WithRecentLimit(cfg.Registry.RecentLimit),
		httpapi.WithHealth(a.healthExtras),
	}
	if a.store != nil {
		opts = append(opts, httpapi.WithOutcomes(a.store))
	}
	api := httpapi.NewAPI(a.reg, opts...)
	a.srv = httpapi.NewServer(hcfg, api.Handler(), a.log.With(logx.String("comp", "http")))
	if err := a.srv.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http listen %s: %w", hcfg.Addr, err)
	}

	// Session transitions at debug level; the engine already logs them per sid.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// A broken watcher must not take the service down; hot reload just pauses.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if iv := a.sd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.sd.RunWatchdog(c, iv) })
	}
	a.sd.Ready()
	a.sd.Status("serving on " + a.srv.Addr())

	a.log.Info("app started", logx.String("addr", a.srv.Addr()))
	return nil
}

// applyConfig hot-applies the sections that support it and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	// target first, so Apply does not warn when the chat sink is enabled
	a.logs.SetChatTarget(chatTarget(newCfg))
	a.logs.Apply(mapLoggingConfig(newCfg))

	prevNotif := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	kcfg, err := mapKeepaliveConfig(newCfg)
	if err == nil {
		err = a.keep.Apply(kcfg)
	}
	if err != nil {
		a.log.Warn("invalid keepalive config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) healthExtras() map[string]any {
	out := map[string]any{
		"storage":  a.store != nil,
		"notifier": a.notif.Enabled(),
	}
	if a.reg != nil {
		out["workers"] = a.reg.Supervisor().Snapshot(false)
	}
	if last, n := a.keep.Last(); n > 0 {
		out["keepalive"] = map[string]any{"pings": n, "last": last}
	}
	return out
}

// Stop is safe to call more than once; only the first call does work.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// HTTP first so no new session sneaks in while the registry drains.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.srv.Stop(c); return nil })
	a.step(ctx, "registry", 5*time.Second, func(c context.Context) error { return a.reg.Shutdown(c) })

	// Cancel the run context so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "keepalive", time.Second, func(c context.Context) error { a.keep.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem <= 0 {
				max = 0
			} else if rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
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
		// fn must honor stepCtx; if it doesn't, log when it eventually returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
