package housekeeping

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"waitnotify/internal/calendar"
	"waitnotify/internal/eventbus"
	logx "waitnotify/pkg/logx"
)

// Store is the part of the state store retention touches.
type Store interface {
	PruneHistory(ctx context.Context, before time.Time) (int, error)
	PruneTags(ctx context.Context, before time.Time) (int, error)
}

type Options struct {
	Schedule         string
	HistoryRetention time.Duration
	TagRetention     time.Duration
	// Location evaluates cron expressions; nil means time.Local.
	Location *time.Location
	// Timeout bounds one run; zero means one minute.
	Timeout time.Duration
}

type Result struct {
	History int
	Tags    int
	Took    time.Duration
}

type Service struct {
	store Store
	bus   eventbus.Bus
	clock calendar.Clock
	log   logx.Logger

	mu  sync.Mutex
	opt Options
	c   *cron.Cron
}

func New(store Store, bus eventbus.Bus, clock calendar.Clock, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &Service{store: store, bus: bus, clock: clock, log: log.With(logx.String("comp", "housekeeping"))}
}

// Start schedules retention runs. Calling it again replaces the schedule.
func (s *Service) Start(opt Options) error {
	sched, err := ParseSchedule(opt.Schedule)
	if err != nil {
		return err
	}
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.opt = opt
	s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("retention run failed", logx.Err(err))
		}
	}))
	s.c.Start()
	s.log.Info("housekeeping scheduled",
		logx.String("schedule", opt.Schedule),
		logx.Duration("history_retention", opt.HistoryRetention),
		logx.Duration("tag_retention", opt.TagRetention),
	)
	return nil
}

// Stop waits for a running job to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes history and tags older than the retention windows. A zero
// retention disables that job.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.mu.Lock()
	opt := s.opt
	s.mu.Unlock()
	return s.run(ctx, opt)
}

// RunWith runs once with explicit options without touching the schedule.
func (s *Service) RunWith(ctx context.Context, opt Options) (Result, error) {
	return s.run(ctx, opt)
}

func (s *Service) run(ctx context.Context, opt Options) (Result, error) {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	now := s.clock.Now()
	var (
		res  Result
		errs []error
	)
	if opt.HistoryRetention > 0 {
		n, err := s.store.PruneHistory(ctx, now.Add(-opt.HistoryRetention))
		res.History = n
		errs = append(errs, err)
	}
	if opt.TagRetention > 0 {
		n, err := s.store.PruneTags(ctx, now.Add(-opt.TagRetention))
		res.Tags = n
		errs = append(errs, err)
	}
	res.Took = time.Since(start)
	err := errors.Join(errs...)

	ev := eventbus.Housekeeping{History: res.History, Tags: res.Tags, Took: res.Took}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeHousekeeping, Time: now, Data: ev})

	if res.History > 0 || res.Tags > 0 {
		s.log.Info("retention pruned",
			logx.Int("history", res.History),
			logx.Int("tags", res.Tags),
			logx.Duration("took", res.Took),
		)
	}
	return res, err
}

// cronLogger routes cron's own messages (recovered panics, skipped runs)
// into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
