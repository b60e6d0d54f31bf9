package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pollrelay/internal/blobstore"
	"pollrelay/internal/broadcast"
	"pollrelay/internal/commands"
	"pollrelay/internal/config"
	"pollrelay/internal/eventbus"
	"pollrelay/internal/registry"
	"pollrelay/internal/runtime/supervisor"
	"pollrelay/internal/schedule"
	"pollrelay/internal/storage"
	kit "pollrelay/internal/transport"
	telegram "pollrelay/internal/transport/telegram/adapter"
	logx "pollrelay/pkg/logx"
)

const (
	hydrateTimeout = 30 * time.Second
	defaultResync  = 5 * time.Minute
	sentMarkTTL    = 36 * time.Hour
	drainTimeout   = 30 * time.Second
)

// App is the composition root: it owns every long-lived component.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	gate  *storeGate
	blob  blobstore.Store

	adapter kit.Adapter

	reg      *registry.Registry
	sched    *schedule.Scheduler
	engine   *broadcast.Engine
	handlers *commands.Handlers
	router   *commands.Router

	poll atomic.Pointer[broadcast.PollConfig]

	updates chan kit.Update
}

// Deps are the externally built pieces of an App. Tests inject fakes here.
type Deps struct {
	// Config is required. ConfigManager is optional and enables hot reload.
	Config        *config.Config
	ConfigManager *config.Manager

	Adapter kit.Adapter
	Blob    blobstore.Store
	// Logger overrides the logging service (tests).
	Logger logx.Logger
}

// NewApp loads cfgPath (empty means environment only) and builds the app.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.Comp("telegram"))
	ad, err := telegram.New(mapTelegramConfig(cfg), bootLog)
	if err != nil {
		return nil, err
	}
	blob, err := blobstore.Open(mapBlobConfig(cfg))
	if err != nil {
		return nil, err
	}
	return New(Deps{Config: cfg, ConfigManager: cfgm, Adapter: ad, Blob: blob})
}

func New(d Deps) (*App, error) {
	cfg := d.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if d.Adapter == nil || d.Blob == nil {
		return nil, errors.New("app: adapter and blob store are required")
	}

	var (
		logSvc *logx.Service
		log    = d.Logger
	)
	if log.IsZero() {
		// Bootstrap with the Telegram sink off, set its target, then apply the final config.
		lc := mapLoggingConfig(cfg)
		tgEnabled := lc.Telegram.Enabled
		lc.Telegram.Enabled = false
		logSvc, log = logx.New(lc, d.Adapter)
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
		lc.Telegram.Enabled = tgEnabled
		logSvc.Apply(lc)
	}
	a := &App{
		cfgm:    d.ConfigManager,
		cfg:     cfg,
		log:     log.With(logx.Comp("app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		blob:    d.Blob,
		adapter: d.Adapter,
		updates: make(chan kit.Update, 256),
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.Comp("storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	a.gate = newStoreGate(a.store, a.log)

	reg, err := registry.New(mapRegistryConfig(cfg), d.Blob, log.With(logx.Comp("registry")), a.bus)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.reg = reg

	pc := mapPollConfig(cfg)
	a.poll.Store(&pc)
	a.engine = broadcast.New(mapBroadcastConfig(cfg), d.Adapter, log.With(logx.Comp("broadcast")), a.bus)

	sc, err := mapScheduleConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sched, err = schedule.New(sc, a.fire, log.With(logx.Comp("scheduler")), a.bus)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	var audit commands.Recorder
	if a.store != nil {
		audit = a.store
	}
	a.handlers = commands.NewHandlers(reg, a.sched, audit, d.Adapter,
		log.With(logx.Comp("commands")), mapCommandOptions(cfg), mapMessages(cfg))
	a.router = commands.NewRouter(d.Adapter, log.With(logx.Comp("router")),
		config.Duration(cfg.Commands.Timeout, 30*time.Second))
	a.router.SetCommands(a.handlers.Commands())
	if named, ok := d.Adapter.(interface{ Username() string }); ok {
		a.router.SetBotName(named.Username())
	}
	return a, nil
}

func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Scheduler() *schedule.Scheduler { return a.sched }

func (a *App) Events() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

func (a *App) PollConfig() broadcast.PollConfig { return *a.poll.Load() }

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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	hctx, cancel := context.WithTimeout(run, hydrateTimeout)
	err := a.reg.Hydrate(hctx)
	cancel()
	if err != nil {
		var he *registry.HydrationError
		if !errors.As(err, &he) {
			return err
		}
		a.log.Error("registry hydration failed; continuing with an empty registry",
			logx.String("stage", he.Stage), logx.Err(he.Err))
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
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
				a.onEvent(c, e)
			}
		}
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.router.PublishMenu(c); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})
	resyncEvery := config.Duration(a.cfg.Registry.ResyncInterval, defaultResync)
	a.sup.Go0("registry.resync", func(c context.Context) {
		a.reg.RunResync(c, resyncEvery)
	})
	a.sup.Go0("scheduler", a.sched.Run)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
		reload := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(reload)
			for {
				select {
				case <-c.Done():
					return
				case cfg, ok := <-reload:
					if !ok {
						return
					}
					a.applyConfig(cfg)
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Int("subscribers", a.reg.Len()),
		logx.Time("next_fire", a.sched.Next()),
	)
	return nil
}

func (a *App) onEvent(ctx context.Context, e eventbus.Event) {
	// debug-level; the components log their own summaries
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	if e.Type != schedule.EventSkipped || a.store == nil || !a.gate.enter() {
		return
	}
	defer a.gate.leave()
	weekday, _ := e.Data.(string)
	entry := storage.AuditEntry{At: e.Time, Kind: storage.KindSkip, Result: weekday}
	if err := a.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		a.log.Warn("audit append failed", logx.String("kind", storage.KindSkip), logx.Err(err))
	}
}

// fire is the scheduler callback: one poll to every subscriber.
func (a *App) fire(ctx context.Context, firedAt time.Time) error {
	if !a.gate.enter() {
		a.log.Warn("shutting down; scheduled broadcast skipped", logx.Time("fired_at", firedAt))
		return nil
	}
	defer a.gate.leave()
	day := firedAt.Format(time.DateOnly)
	if a.store != nil {
		if sent, err := a.store.SentOn(ctx, day); err != nil {
			a.log.Warn("sent mark lookup failed", logx.Err(err))
		} else if sent {
			a.log.Info("broadcast already sent today; skipping", logx.String("day", day))
			return nil
		}
	}

	job := broadcast.NewJob(firedAt, *a.poll.Load())
	rep := a.engine.Broadcast(ctx, job, a.reg.Snapshot())

	if a.store == nil {
		return nil
	}
	// a broadcast that reached nobody may be retried after a restart
	if rep.Sent > 0 || rep.Total == 0 {
		if err := a.store.MarkSent(ctx, day, time.Now().Add(sentMarkTTL)); err != nil {
			a.log.Warn("sent mark write failed", logx.Err(err))
		}
	}
	entry := storage.AuditEntry{
		At:     firedAt,
		Kind:   storage.KindBroadcast,
		Result: job.ID,
		OK:     rep.Sent,
		Fail:   rep.Failed,
		TookMS: rep.Took.Milliseconds(),
	}
	if rep.Failed > 0 && len(rep.Failures) > 0 {
		entry.Error = rep.Failures[0].Err.Error()
	}
	if err := a.store.Append(ctx, entry); err != nil {
		a.log.Warn("audit append failed", logx.String("kind", storage.KindBroadcast), logx.Err(err))
	}
	return nil
}

// applyConfig applies the hot-reloadable sections and warns about the rest.
func (a *App) applyConfig(cfg *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(a.cfg, cfg)
	a.cfg = cfg
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLoggingConfig(cfg))
	}
	pc := mapPollConfig(cfg)
	a.poll.Store(&pc)
	a.engine.Apply(mapBroadcastConfig(cfg))
	a.handlers.SetMessages(mapMessages(cfg))

	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so loops start unwinding; an in-flight
	// broadcast keeps running on its detached context.
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 20*time.Second, a.sup.Wait)
	a.step(ctx, "registry.resync", 10*time.Second, a.reg.Resync)
	a.step(ctx, "broadcast.drain", drainTimeout, a.gate.drain)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		a.closeStore()
		return nil
	})

	a.log.Info("stopped",
		logx.Bool("registry_dirty", a.reg.Dirty()),
		logx.Uint64("events_dropped", a.bus.Dropped()),
		logx.Uint64("task_restarts", a.sup.Counters().Restarts),
		logx.Uint64("task_failures", a.sup.Counters().Failed),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn bounded by limit and the caller's deadline so one component
// can't stall shutdown.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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

// closeStore closes the store once no broadcast is using it. The field is
// never cleared; a late user sees the store's closed error instead.
func (a *App) closeStore() {
	if a.gate == nil {
		return
	}
	a.gate.Close()
}
