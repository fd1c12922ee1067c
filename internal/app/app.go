// Package app wires the presence watcher, the Telegram bot and the ambient
// services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/bot"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/config"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/credstore"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/eventbus"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/notifier"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/observability/pprof"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/presence"
	rtsup "github.com/k0rnepl0d/vrchat-notifying-telegram/internal/runtime/supervisor"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/storage"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport/discord"
	telegram "github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport/telegram/adapter"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/transport/telegram/router"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/internal/vrchat"
	logx "github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/logx"
	"github.com/k0rnepl0d/vrchat-notifying-telegram/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *systemd.Notifier
	pprof *pprof.Service

	adapter *telegram.Adapter
	router  *router.Router
	bot     *bot.Bot

	notif  *notifier.Service
	creds  *credstore.Store
	poller *presence.Poller
	hb     *presence.Heartbeat

	// mu guards the cancel funcs; reloads swap them while Stop may run
	mu          sync.Mutex
	hbCancel    context.CancelFunc
	notifCancel context.CancelFunc

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// the Telegram sink gets its sender once the adapter exists
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.TelegramPollTimeout(),
	}, root)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetSender(ad)
	logSvc.SetTelegramTarget(cfg.GroupLogChatID(), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, root); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	nopts := []notifier.Option{notifier.WithBus(bus)}
	if store != nil {
		nopts = append(nopts, notifier.WithStore(store))
	}
	if d := cfg.Discord; d != nil {
		wh, err := discord.NewWebhook(d.WebhookID, d.WebhookToken, d.Username)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		nopts = append(nopts, notifier.WithMirror(wh))
		log.Info("discord mirror enabled")
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), nopts...)

	creds := credstore.New(credstore.Paths{
		Cookies: cfg.CookiesPath(),
		UserID:  cfg.UserIDPath(),
		ChatID:  cfg.ChatIDPath(),
	}, cfg.DefaultChatID())

	client, err := vrchat.New(vrchat.Options{
		BaseURL:   cfg.BaseURL(),
		UserAgent: cfg.VRChat.UserAgent,
		Timeout:   cfg.VRChatTimeout(),
	})
	if err != nil {
		return nil, err
	}

	reg := &presence.Register{}
	poller := presence.NewPoller(mapPollerConfig(cfg), presence.PollerDeps{
		Register: reg,
		Creds:    creds,
		Targets:  creds,
		Fetcher:  client,
		Notifier: notif,
		Bus:      bus,
		Log:      root.With(logx.String("comp", "presence.poller")),
	})
	hcfg, err := mapHeartbeatConfig(cfg)
	if err != nil {
		return nil, err
	}
	hb := presence.NewHeartbeat(hcfg, creds, notif, root.With(logx.String("comp", "presence.heartbeat")))
	checker := presence.NewChecker(creds, client, reg, root.With(logx.String("comp", "presence.check")))

	b := bot.New(bot.Deps{
		Creds:      creds,
		Checker:    checker,
		Poller:     poller,
		Downloader: ad,
		History:    store,
		Log:        root,
	})
	r := router.New(root, ad, cfg.Telegram.OwnerUserIDs)
	if store != nil {
		r.Use(router.MWAudit(store, bot.Redacted()...))
	}
	r.SetCommands(b.Commands())
	r.SetFallback(b.HandleMessage)

	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		log.Warn("telegram.owner_user_ids is empty; every chat member can change the bot settings")
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sd:      systemd.New(root),
		adapter: ad,
		router:  r,
		bot:     b,
		notif:   notif,
		creds:   creds,
		poller:  poller,
		hb:      hb,
		updates: make(chan transport.Update, 256),
	}
	a.pprof = pprof.New(mapPprofConfig(cfg), a.health, root)
	return a, nil
}

// health feeds /healthz on the debug listener.
func (a *App) health() map[string]any {
	out := map[string]any{
		"presence_phase": a.poller.Phase().String(),
		"presence_state": a.poller.Register().Read().String(),
		"events_dropped": a.bus.Dropped(),
		"notifier_async": a.notif.Enabled(),
		"uptime":         a.hb.Uptime().Round(time.Second).String(),
	}
	if h := a.notif.History(); len(h) > 0 {
		last := h[len(h)-1]
		out["last_notification"] = map[string]any{"at": last.At.UTC().Format(time.RFC3339), "channel": last.Channel}
	}
	if last := a.poller.LastPoll(); !last.IsZero() {
		out["last_poll"] = last.UTC().Format(time.RFC3339)
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHeartbeatConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	a.startNotifier(ctx)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.sup.GoRestart("presence.poller", a.poller.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	a.setHeartbeat(a.cfgm.Get().HeartbeatEnabled())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.record", func(c context.Context) {
		defer unsub()
		recordEvents(c, events, a.store, a.log)
	})

	a.sup.Go0("cookies.sessions.sweep", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.bot.Sessions().Sweep(); n > 0 {
					a.log.Info("expired cookie collections dropped", logx.Int("count", n))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.pprof.Start(a.sup.Context())
	a.sup.Go("systemd.watchdog", a.sd.RunWatchdog)
	a.sd.Ready()
	a.sd.Status("watching presence")
	a.log.Info("app started")
	return nil
}

// setHeartbeat starts or stops the heartbeat loop. The loop gets its own
// context so a reload can switch it off without touching anything else.
func (a *App) setHeartbeat(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	running := a.hbCancel != nil
	switch {
	case enabled && !running:
		ctx, cancel := context.WithCancel(a.sup.Context())
		a.hbCancel = cancel
		a.sup.Go0("presence.heartbeat", func(context.Context) {
			_ = a.hb.Run(ctx)
		})
	case !enabled && running:
		a.hbCancel()
		a.hbCancel = nil
		a.log.Info("heartbeat disabled via config")
	}
}

// startNotifier runs the notifier on a context detached from ctx, so Stop can
// drain the queue after the app context is gone.
func (a *App) startNotifier(ctx context.Context) {
	nctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	if a.notifCancel != nil {
		a.notifCancel()
	}
	a.notifCancel = cancel
	a.mu.Unlock()
	a.notif.Start(nctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("notifier", 3*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		a.mu.Lock()
		a.notifCancel()
		a.mu.Unlock()
		return nil
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("pprof", time.Second, func(c context.Context) error {
		a.pprof.Stop(c)
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// applyConfig fans a reloaded config out to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.SetTelegramTarget(next.GroupLogChatID(), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.creds.SetDefaultChatID(next.DefaultChatID())
	a.poller.Apply(mapPollerConfig(next))

	if hcfg, err := mapHeartbeatConfig(next); err != nil {
		a.log.Warn("invalid heartbeat config; keeping previous", logx.Err(err))
	} else {
		a.hb.Apply(hcfg)
		a.setHeartbeat(next.HeartbeatEnabled())
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
			a.log.Info("notifier pipeline disabled; sending inline")
		case !was && ncfg.Enabled:
			a.startNotifier(ctx)
			a.log.Info("notifier pipeline enabled")
		}
	}

	a.pprof.Reconfigure(a.sup.Context(), mapPprofConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
