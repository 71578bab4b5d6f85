package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nudge/internal/config"
	"nudge/internal/driver"
	"nudge/internal/engine"
	"nudge/internal/eventbus"
	"nudge/internal/manifest"
	"nudge/internal/module"
	"nudge/internal/observability/debug"
	"nudge/internal/presenter"
	rtsup "nudge/internal/runtime/supervisor"
	"nudge/internal/script"
	"nudge/internal/settings"
	"nudge/internal/storage"
	"nudge/internal/telemetry"
	logx "nudge/pkg/logx"
)

// App owns every component of the daemon and their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	states   *storage.StateStore
	src      *manifest.Dir
	eng      *engine.Engine
	scanner  *engine.Scanner
	drv      *driver.Driver
	disp     *presenter.Dispatcher
	tg       *presenter.TelegramSink
	settings *settings.Applier
	tel      *telemetry.Service
	dbg      *debug.Server

	// dispMu guards dispCfg, the dispatcher settings last applied from
	// config or a settings module.
	dispMu  sync.Mutex
	dispCfg presenter.DispatcherConfig

	rescan chan struct{}
}

// New loads the config and builds the component graph without starting it.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    eventbus.New(),
		rescan: make(chan struct{}, 1),
	}

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.store = store
	a.states = storage.NewStateStore(store, root.With(logx.String("comp", "state")))
	log.Info("storage opened", logx.String("driver", sc.Driver))

	limits, _ := mapEngineLimits(cfg)
	exec := script.New(mapScriptConfig(cfg), root.With(logx.String("comp", "script")))
	a.eng = engine.New(limits, exec, root.With(logx.String("comp", "engine")))
	a.src = manifest.NewDir(cfg.Manifest.Dir, root.With(logx.String("comp", "manifest")))

	var sink presenter.Sink = presenter.NewLogSink(root.With(logx.String("comp", "presenter.log")))
	tc, useTelegram, _ := mapTelegramConfig(cfg)
	if useTelegram {
		tg, err := presenter.NewTelegram(tc, root.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = errors.Join(store.Close(), logSvc.Close())
			return nil, err
		}
		a.tg = tg
		sink = tg
	}
	a.dispCfg, _ = mapDispatcherConfig(cfg)
	a.disp = presenter.NewDispatcher(a.dispCfg, sink, root.With(logx.String("comp", "dispatcher")), a.bus)

	a.settings = settings.NewApplier(root.With(logx.String("comp", "settings")))
	a.scanner = engine.NewScanner(engine.ScannerDeps{
		Engine:    a.eng,
		Source:    a.src,
		States:    a.states,
		Presenter: a.disp,
		Settings:  a.settings,
		Bus:       a.bus,
		Log:       root.With(logx.String("comp", "scanner")),
	})
	a.scanner.SetHonorRecheck(cfg.Engine.HonorRecheck)
	snooze, _ := mapSnooze(cfg)
	a.scanner.SetSnooze(snooze)

	a.tel = telemetry.New(mapTelemetryConfig(cfg), store, a.bus, root.With(logx.String("comp", "telemetry")))
	dc, _ := mapDriverConfig(cfg)
	a.drv = driver.New(dc, a.scanner, root.With(logx.String("comp", "driver")), driver.WithReporter(a.tel))

	a.dbg = debug.New(mapDebugConfig(cfg), func() any { return a.Runtime() }, a.triggerHTTP,
		root.With(logx.String("comp", "debug")))

	a.registerSettingsHooks()
	if a.tg != nil {
		a.tg.SetActionHandler(a.handleAction)
	}
	return a, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
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
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateMapped(c) })

	a.tel.Start(a.sup.Context())
	a.disp.Start(a.sup.Context())
	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}

	// Scans outlive the supervisor context so Stop can let one finish.
	a.drv.Start(context.WithoutCancel(a.sup.Context()))

	if cfg.Manifest.Watch {
		a.sup.GoRestart("manifest.watch", func(c context.Context) error {
			return a.src.Watch(c, a.requestRescan)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
		a.sup.Go0("manifest.rescan", a.rescanLoop)
	}

	if err := a.dbg.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Systemd.Notify {
		a.notifySystemd(sdReady)
	}
	a.log.Info("app started",
		logx.String("manifest_dir", a.src.Root()),
		logx.Duration("interval", a.drv.Interval()),
		logx.Bool("telegram", a.tg != nil),
	)
	return nil
}

// requestRescan coalesces manifest change bursts into one pending scan.
func (a *App) requestRescan() {
	a.bus.Publish(eventbus.Event{Type: eventbus.ManifestChanged})
	select {
	case a.rescan <- struct{}{}:
	default:
	}
}

func (a *App) rescanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.rescan:
			if _, ok := a.drv.Trigger(ctx, "manifest"); !ok {
				a.log.Debug("manifest rescan skipped; scan in progress")
			}
		}
	}
}

func (a *App) triggerHTTP(ctx context.Context) (any, bool) {
	sum, ok := a.drv.Trigger(ctx, "http")
	return sum, ok
}

// handleAction serializes a button press with scans.
func (a *App) handleAction(ctx context.Context, tag string, action module.Action) error {
	return a.drv.Exclusive(ctx, func(c context.Context) error {
		_, err := a.scanner.Act(c, tag, action, time.Now())
		return err
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.cfgm.Get().Systemd.Notify {
		a.notifySystemd(sdStopping)
	}

	// The driver goes first so an in-flight scan still has its presenter.
	a.step(ctx, "driver", 10*time.Second, func(c context.Context) error { a.drv.Stop(c); return nil })

	a.sup.Cancel()

	if a.tg != nil {
		a.step(ctx, "telegram", 3*time.Second, a.tg.Stop)
	}
	a.step(ctx, "dispatcher", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "telemetry", 2*time.Second, a.tel.Stop)
	a.step(ctx, "debug", time.Second, a.dbg.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases storage and log sinks of an app that was never started.
func (a *App) Close() error {
	return errors.Join(a.closeStore(), a.logs.Close())
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	if errors.Is(err, storage.ErrClosed) {
		return nil
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit > 0 {
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// RunOnce performs a single scan outside the interval driver and returns its
// summary. Presentations are flushed before it returns.
func (a *App) RunOnce(ctx context.Context) (engine.Summary, error) {
	a.tel.Start(ctx)
	a.disp.Start(ctx)
	sum, ok := a.drv.Trigger(ctx, "once")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	a.disp.Stop(stopCtx)
	_ = a.tel.Stop(stopCtx)
	if !ok {
		return sum, errors.New("scan did not run")
	}
	if sum.ListError != "" {
		return sum, fmt.Errorf("list modules: %s", sum.ListError)
	}
	return sum, nil
}

// Reset forgets the persisted state of one module.
func (a *App) Reset(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("module id is required")
	}
	return a.store.DeleteState(ctx, id)
}

// Status is the persisted view printed by the CLI.
type Status struct {
	Modules []ModuleStatus       `json:"modules"`
	Scans   []storage.ScanRecord `json:"recent_scans"`
}

type ModuleStatus struct {
	ID       string       `json:"id"`
	Kind     string       `json:"kind,omitempty"`
	Title    string       `json:"title,omitempty"`
	Declared bool         `json:"declared"`
	State    module.State `json:"state"`
}

// Status lists every declared module with its state, plus state entries for
// modules whose manifest is gone.
func (a *App) Status(ctx context.Context) (Status, error) {
	defs, err := a.src.List(ctx)
	if err != nil {
		return Status{}, err
	}
	states, err := a.store.ListStates(ctx)
	if err != nil {
		return Status{}, err
	}
	var out Status
	for _, def := range defs {
		out.Modules = append(out.Modules, ModuleStatus{
			ID:       def.ID,
			Kind:     string(def.Kind()),
			Title:    def.Title,
			Declared: true,
			State:    states[def.ID],
		})
		delete(states, def.ID)
	}
	for id, st := range states {
		out.Modules = append(out.Modules, ModuleStatus{ID: id, State: st})
	}
	out.Scans, err = a.store.RecentScans(ctx, 10)
	if err != nil {
		return out, err
	}
	return out, nil
}

// RuntimeStatus is the live view served by the debug endpoint.
type RuntimeStatus struct {
	Driver     driver.Counters           `json:"driver"`
	Presenter  presenter.DispatcherStats `json:"presenter"`
	Telemetry  telemetry.Counters        `json:"telemetry"`
	Supervisor rtsup.Counters            `json:"supervisor"`
	BusDropped uint64                    `json:"bus_dropped"`
	Settings   *settings.Overrides       `json:"settings,omitempty"`
	Recent     []engine.Summary          `json:"recent_scans"`
}

func (a *App) Runtime() RuntimeStatus {
	rs := RuntimeStatus{
		Driver:     a.drv.Snapshot(),
		Presenter:  a.disp.Stats(),
		Telemetry:  a.tel.Counters(),
		BusDropped: eventbus.Dropped(a.bus),
		Recent:     a.tel.Recent(),
	}
	if a.sup != nil {
		rs.Supervisor = a.sup.Counters()
	}
	if o, _, n := a.settings.Last(); n > 0 {
		rs.Settings = &o
	}
	return rs
}
