package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/channels"
	"waitnotify/internal/config"
	"waitnotify/internal/dispatch"
	"waitnotify/internal/eventbus"
	"waitnotify/internal/gateway"
	"waitnotify/internal/housekeeping"
	"waitnotify/internal/queue"
	"waitnotify/internal/runtime/supervisor"
	"waitnotify/internal/snapshot"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"
)

// Notifier receives service lifecycle signals (systemd in production).
type Notifier interface {
	Ready() error
	Stopping() error
	Watchdog() error
	WatchdogInterval() time.Duration
	Status(format string, args ...any) error
}

type nopNotifier struct{}

func (nopNotifier) Ready() error                    { return nil }
func (nopNotifier) Stopping() error                 { return nil }
func (nopNotifier) Watchdog() error                 { return nil }
func (nopNotifier) WatchdogInterval() time.Duration { return 0 }
func (nopNotifier) Status(string, ...any) error      { return nil }

type Option func(*options)

type options struct {
	clock    calendar.Clock
	notifier Notifier
	gateway  gateway.Gateway
	source   snapshot.Source
}

func WithClock(c calendar.Clock) Option { return func(o *options) { o.clock = c } }

func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }

// WithGateway replaces the configured gateway driver.
func WithGateway(gw gateway.Gateway) Option { return func(o *options) { o.gateway = gw } }

// WithSource replaces the configured snapshot source.
func WithSource(src snapshot.Source) Option { return func(o *options) { o.source = src } }

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock calendar.Clock

	store    storage.Store
	gw       gateway.Gateway
	source   snapshot.Source
	balancer *channels.Balancer
	disp     *dispatch.Dispatcher
	hk       *housekeeping.Service
	notifier Notifier

	sysMu sync.RWMutex
	sys   queue.SystemConfig

	lastCycle atomic.Int64 // unix nanos
	stopOnce  sync.Once
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{clock: calendar.SystemClock{}, notifier: nopNotifier{}}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		clock:    o.clock,
		notifier: o.notifier,
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(cfg.StorageConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.VolatileStorage() {
		a.log.Warn("memory storage with a live gateway: reservations are lost on restart and waiting patients may be messaged again",
			logx.String("gateway", cfg.Gateway.Driver))
	}

	a.gw = o.gateway
	if a.gw == nil {
		if a.gw, err = gateway.Open(cfg.GatewayConfig(), log.With(logx.String("comp", "gateway"))); err != nil {
			return nil, fmt.Errorf("open gateway: %w", err)
		}
	}
	a.source = o.source
	if a.source == nil {
		if a.source, err = snapshot.Open(cfg.SourceConfig(), log.With(logx.String("comp", "source"))); err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
	}

	a.balancer = channels.NewBalancer(
		channels.NewRegistry(cfg.ChannelDefinitions()),
		cfg.BalancerOptions(),
		log.With(logx.String("comp", "balancer")),
	)
	a.setSystemConfig(cfg)

	a.disp, err = dispatch.New(dispatch.Deps{
		Store:      a.store,
		Balancer:   a.balancer,
		Gateway:    a.gw,
		Source:     a.source,
		Config:     a.systemConfig,
		Bus:        a.bus,
		Clock:      a.clock,
		Log:        log.With(logx.String("comp", "dispatch")),
		AfterCycle: a.afterCycle,
	}, cfg.DispatchOptions())
	if err != nil {
		return nil, err
	}
	a.hk = housekeeping.New(a.store, a.bus, a.clock, log)

	ok = true
	return a, nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Balancer() *channels.Balancer     { return a.balancer }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Bus() eventbus.Bus                { return a.bus }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.hk.Start(a.housekeepingOptions(cfg)); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}

	// subscribe before the first cycle so no event is missed
	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsub()
		a.auditLoop(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.lastCycle.Store(a.clock.Now().UnixNano())
	a.disp.Start(a.sup.Context())
	if cfg.Scheduler.Paused {
		a.disp.Pause()
		a.log.Info("dispatcher starts paused")
	}

	if iv := a.notifier.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			a.watchdogLoop(c, iv)
			return nil
		})
	}
	if err := a.notifier.Ready(); err != nil {
		a.log.Warn("ready notification failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Duration("interval", a.disp.Interval()),
		logx.Int("channels", len(a.balancer.Registry().All())),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if err := a.notifier.Stopping(); err != nil {
		a.log.Debug("stopping notification failed", logx.Err(err))
	}

	// Stop the loop first so an in-flight cycle finishes with the store and
	// gateway still open.
	a.step(ctx, "dispatcher", 20*time.Second, a.disp.Stop)
	a.sup.Cancel()
	a.step(ctx, "housekeeping", 5*time.Second, a.hk.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and the caller's deadline so
// one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if err != nil && !errors.Is(err, dispatch.ErrStopped) {
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

func (a *App) closeResources() {
	var errs []error
	if a.gw != nil {
		errs = append(errs, a.gw.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close resources", logx.Err(err))
	}
}

func (a *App) systemConfig() queue.SystemConfig {
	a.sysMu.RLock()
	defer a.sysMu.RUnlock()
	return a.sys
}

func (a *App) setSystemConfig(cfg *config.Config) queue.SystemConfig {
	sys, problems := cfg.SystemConfig()
	for _, p := range problems {
		a.log.Warn("config value ignored", logx.String("problem", p))
	}
	a.sysMu.Lock()
	a.sys = sys
	a.sysMu.Unlock()
	return sys
}

func (a *App) housekeepingOptions(cfg *config.Config) housekeeping.Options {
	schedule, history, tags := cfg.Retention()
	return housekeeping.Options{
		Schedule:         schedule,
		HistoryRetention: history,
		TagRetention:     tags,
		Location:         a.systemConfig().Location,
	}
}

func (a *App) afterCycle(rep dispatch.Report, err error) {
	a.lastCycle.Store(a.clock.Now().UnixNano())
	if err := a.notifier.Watchdog(); err != nil {
		a.log.Debug("watchdog notification failed", logx.Err(err))
	}
	status := fmt.Sprintf("waiting %d, sent %d, failed %d", rep.Entities, rep.Sent, rep.Failed)
	if err != nil {
		status = "last cycle failed: " + err.Error()
	}
	if err := a.notifier.Status("%s", status); err != nil {
		a.log.Debug("status notification failed", logx.Err(err))
	}
}
