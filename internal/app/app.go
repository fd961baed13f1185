package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"servidor/internal/access"
	"servidor/internal/config"
	"servidor/internal/eventbus"
	"servidor/internal/intake"
	"servidor/internal/observability/diag"
	"servidor/internal/registry"
	rtsup "servidor/internal/runtime/supervisor"
	"servidor/internal/storage"
	"servidor/internal/task/engine"
	"servidor/internal/task/scheduler"
	logx "servidor/pkg/logx"
	"servidor/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	warn  *logx.Throttled
	bus   eventbus.Bus
	store storage.Store

	reg       *registry.Registry
	refresher *registry.Refresher
	policy    *access.Policy

	pool   *engine.Service
	sched  *scheduler.Service
	intake *intake.Service
	diag   *diag.Service

	schedEnabled bool
}

// Status is the operational snapshot served by the diagnostics endpoint.
type Status struct {
	Methods       int                      `json:"methods"`
	LastRefresh   time.Time                `json:"last_refresh"`
	RefreshError  string                   `json:"refresh_error,omitempty"`
	Pool          engine.Stats             `json:"pool"`
	Running       map[string]engine.Handle `json:"running"`
	Scheduler     scheduler.Snapshot       `json:"scheduler"`
	Runtime       rtsup.Snapshot           `json:"runtime"`
	EventsDropped uint64                   `json:"events_dropped"`
}

// New loads the config and builds every component without starting any
// background loop. One-shot commands use it directly; the daemon calls Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.Comp("app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Comp("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		warn:    logx.NewThrottled(log, time.Minute),
		bus:     bus,
		store:   store,
		reg:     registry.New(),
		policy:  access.New(cfg.Access.DefaultAllow, cfg.Access.Rules),
	}
	if err := a.build(cfg); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	rc, err := mapRefresherConfig(cfg)
	if err != nil {
		return err
	}
	var src registry.Source
	if a.store != nil {
		src = a.store
	}
	a.refresher = registry.NewRefresher(rc, a.reg, src, a.log)

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.pool = engine.New(ec, a.log, a.bus)
	a.pool.OnJobFinish(a.recordRun)

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	var hist scheduler.History
	if a.store != nil {
		hist = a.store
	} else if sc.CatchUp {
		// Without history every elapsed slot would look missed.
		a.log.Warn("catch-up disabled: no storage configured")
		sc.CatchUp = false
	}
	a.schedEnabled = cfg.Scheduler.Enabled
	a.sched = scheduler.New(sc, a.reg, a.pool, hist, a.log, scheduler.WithChanges(a.reg.Changes()))

	if cfg.Intake.Enabled {
		ic, err := mapIntakeConfig(cfg)
		if err != nil {
			return err
		}
		a.intake = intake.New(ic, a.reg, a.policy, a.pool, a.bus, a.log)
	}
	a.diag = diag.New(mapDiagConfig(cfg), diag.Probes{
		Status: func() any { return a.Status() },
		Health: a.health,
	}, a.log)
	return nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Registry() *registry.Registry  { return a.reg }
func (a *App) Pool() *engine.Service         { return a.pool }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Access() *access.Policy        { return a.policy }

// Runtime returns the app supervisor's goroutine view (empty before Start).
func (a *App) Runtime() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

func (a *App) Status() Status {
	st := Status{
		Methods:       a.reg.Len(),
		Pool:          a.pool.Stats(),
		Running:       a.pool.SnapshotRunning(),
		Scheduler:     a.sched.Snapshot(),
		Runtime:       a.Runtime(),
		EventsDropped: a.bus.Dropped(),
	}
	var err error
	st.LastRefresh, err = a.refresher.LastResult()
	if err != nil {
		st.RefreshError = err.Error()
	}
	return st
}

// health fails once a background loop has failed fatally or the app is
// shutting down. A degraded registry (metadata unavailable) is still healthy.
func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	return a.sup.Context().Err()
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

// Refresh rebuilds the registry once. A metadata failure still installs the
// executables (unassigned) and is returned.
func (a *App) Refresh(ctx context.Context) error {
	return a.refresher.Refresh(ctx)
}

// Lookup resolves a method by key, name or unique prefix.
func (a *App) Lookup(token string) (string, string, error) {
	info, ok := a.reg.Lookup(token)
	if !ok {
		return "", "", errors.Newf("no method matches %q", token)
	}
	if !info.Runnable() {
		return "", "", errors.Newf("method %q has no executable", info.Name)
	}
	return info.Key, info.Path, nil
}

// RunOnce submits one manual run through the pool and waits for its result.
// Canceling ctx terminates the run's process tree.
func (a *App) RunOnce(ctx context.Context, token string, jc engine.JobContext) (engine.Result, error) {
	key, path, err := a.Lookup(token)
	if err != nil {
		return engine.Result{}, err
	}
	if jc.Origin == "" {
		jc.Origin = engine.OriginManual
	}
	done := make(chan engine.Result, 1)
	a.pool.OnJobFinish(func(r engine.Result) {
		if r.Key != key {
			return
		}
		select {
		case done <- r:
		default:
		}
	})
	a.pool.Start(ctx)
	if !a.pool.Submit(key, path, jc) {
		return engine.Result{}, errors.Newf("method %s is already queued or running", key)
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.pool.Terminate(killCtx, key)
		return engine.Result{}, ctx.Err()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRefresherConfig(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		_, err := mapIntakeConfig(cfg)
		return err
	})

	if err := a.Refresh(ctx); err != nil {
		a.log.Warn("initial registry refresh incomplete", logx.Err(err))
	}
	a.log.Info("registry loaded", logx.Int("methods", a.reg.Len()))

	a.pool.Start(a.sup.Context())
	a.sup.GoRestart("registry.refresh", a.refresher.Run)

	if a.schedEnabled {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler disabled")
	}
	if a.intake != nil {
		a.sup.GoRestart("intake", a.intake.Run)
	}

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub, unsubscribe := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubscribe()
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.diag.Start(a.sup.Context())

	if every := systemd.WatchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, every, func() bool { return a.sup.Err() == nil })
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status("%d methods, %d workers", a.reg.Len(), a.pool.Stats().Workers)
	}

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live sections (logging, access, diagnostics) and warns about
// the ones that need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
		a.log.Warn("log file unavailable", logx.Err(err))
	}
	a.policy.Update(newCfg.Access.DefaultAllow, newCfg.Access.Rules)
	if a.sup != nil {
		a.diag.Reconfigure(a.sup.Context(), mapDiagConfig(newCfg))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
}

// recordRun writes a finished job back to storage so catch-up after a
// restart sees it.
func (a *App) recordRun(r engine.Result) {
	if a.store == nil {
		return
	}
	name := r.Key
	if info, ok := a.reg.Get(r.Key); ok && info.Name != "" {
		name = info.Name
	}
	at := r.Started
	if at.IsZero() {
		at = r.Finished
	}
	rec := storage.RunRecord{
		Method:   name,
		Key:      r.Key,
		At:       at,
		Finished: r.Finished,
		Status:   r.Status.Label(),
		ExitCode: r.ExitCode,
		Origin:   string(r.Context.Origin),
		User:     r.Context.User,
		LogPath:  r.LogPath,
		Killed:   r.Killed,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.warn.Warn("run record not stored", logx.String("key", r.Key), logx.Err(err))
	}
}

// Stop shuts everything down in dependency order. It is safe on an App that
// was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	if a.sup != nil {
		// Cancel first so background loops start unwinding immediately.
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
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
					done <- errors.Newf("panic in stop step %s: %v", name, r)
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
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake and refresh loops live on the app supervisor; Cancel already stopped them.
	step("diagnostics", time.Second, a.diag.Stop)
	step("scheduler", 2*time.Second, a.sched.Stop)
	// Running subprocesses are not killed; the pool waits for them up to the bound.
	step("pool", 10*time.Second, a.pool.Stop)
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}
