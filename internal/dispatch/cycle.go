package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/channels"
	"waitnotify/internal/eligibility"
	"waitnotify/internal/eventbus"
	"waitnotify/internal/gateway"
	"waitnotify/internal/queue"
	"waitnotify/internal/snapshot"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval        = time.Minute
	DefaultDispatchDelay   = 2 * time.Second
	DefaultDispatchTimeout = 15 * time.Second
)

// Options tunes the dispatcher.
type Options struct {
	Interval        time.Duration
	DispatchDelay   time.Duration // minimum gap between two sends
	DispatchTimeout time.Duration // per gateway call
	MaxFallbacks    int           // fallback sends after a transient failure
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.DispatchDelay < 0 {
		o.DispatchDelay = 0
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.MaxFallbacks <= 0 {
		o.MaxFallbacks = channels.DefaultMaxFallbackAttempts
	}
	return o
}

func delayLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Deps are the collaborators of a cycle.
type Deps struct {
	Store    storage.Store
	Balancer *channels.Balancer
	Gateway  gateway.Gateway
	Source   snapshot.Source
	// Config returns the current system config; it is read once per cycle.
	Config func() queue.SystemConfig
	Bus    eventbus.Bus
	Clock  calendar.Clock
	Log    logx.Logger
	// AfterCycle runs after every cycle, timer-driven or forced.
	AfterCycle func(Report, error)
}

// Report summarizes one cycle.
type Report struct {
	CycleID   string        `json:"cycle_id"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Entities  int           `json:"entities"`
	New       int           `json:"new"`
	Updated   int           `json:"updated"`
	Removed   int           `json:"removed"`
	Eligible  int           `json:"eligible"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// Dispatcher owns the timer loop and the cycle that refreshes the
// snapshot, selects eligible entities and drives reserve, send, confirm.
type Dispatcher struct {
	store    storage.Store
	balancer *channels.Balancer
	gw       gateway.Gateway
	source   snapshot.Source
	config   func() queue.SystemConfig
	bus      eventbus.Bus
	clock    calendar.Clock
	log      logx.Logger
	after    func(Report, error)

	loop    *Loop
	limiter *rate.Limiter

	mu           sync.Mutex
	opt          Options
	lastProblems string
	last         Report
}

func New(deps Deps, opt Options) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatch: store is required")
	case deps.Balancer == nil:
		return nil, errors.New("dispatch: balancer is required")
	case deps.Gateway == nil:
		return nil, errors.New("dispatch: gateway is required")
	case deps.Source == nil:
		return nil, errors.New("dispatch: snapshot source is required")
	}
	if deps.Config == nil {
		deps.Config = queue.DefaultSystemConfig
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = calendar.SystemClock{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	opt = opt.withDefaults()

	d := &Dispatcher{
		store:    deps.Store,
		balancer: deps.Balancer,
		gw:       deps.Gateway,
		source:   deps.Source,
		config:   deps.Config,
		bus:      deps.Bus,
		clock:    deps.Clock,
		log:      deps.Log,
		after:    deps.AfterCycle,
		opt:      opt,
		limiter:  rate.NewLimiter(delayLimit(opt.DispatchDelay), 1),
	}
	d.loop = NewLoop(opt.Interval, func(ctx context.Context) error {
		_, err := d.runCycle(ctx)
		return err
	}, deps.Log)
	return d, nil
}

func (d *Dispatcher) Start(ctx context.Context)          { d.loop.Start(ctx) }
func (d *Dispatcher) Stop(ctx context.Context) error     { return d.loop.Stop(ctx) }
func (d *Dispatcher) Pause()                             { d.loop.Pause() }
func (d *Dispatcher) Resume()                            { d.loop.Resume() }
func (d *Dispatcher) State() State                       { return d.loop.State() }
func (d *Dispatcher) SetInterval(interval time.Duration) { d.loop.SetInterval(interval) }
func (d *Dispatcher) Interval() time.Duration            { return d.loop.Interval() }

// SetOptions applies new tuning; the interval change restarts the loop.
func (d *Dispatcher) SetOptions(opt Options) {
	opt = opt.withDefaults()
	d.mu.Lock()
	d.opt = opt
	d.mu.Unlock()
	d.limiter.SetLimit(delayLimit(opt.DispatchDelay))
	d.loop.SetInterval(opt.Interval)
}

// ForceCycle runs one cycle now, serialized with timer ticks.
func (d *Dispatcher) ForceCycle(ctx context.Context) (Report, error) {
	var rep Report
	err := d.loop.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		rep, err = d.runCycle(ctx)
		return err
	})
	return rep, err
}

// Exclusive runs fn between cycles. Mutations of the balancer or store
// made outside the cycle go through here. fn must not call SetOptions or
// SetInterval.
func (d *Dispatcher) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.loop.Exclusive(ctx, fn)
}

// LastReport returns the report of the most recent cycle.
func (d *Dispatcher) LastReport() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Dispatcher) options() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opt
}

func (d *Dispatcher) runCycle(ctx context.Context) (rep Report, err error) {
	started := time.Now()
	rep = Report{CycleID: uuid.NewString(), StartedAt: d.clock.Now()}
	log := d.log.With(logx.String("cycle", rep.CycleID))
	defer func() {
		rep.Took = time.Since(started)
		d.finish(log, rep, err)
	}()

	eng := eligibility.New(d.systemConfig(log))

	incoming, err := d.source.ListWaitingEntities(ctx)
	if err != nil {
		return rep, fmt.Errorf("list waiting entities: %w", err)
	}
	diff, err := d.store.ApplySnapshot(ctx, incoming, d.clock.Now())
	if err != nil {
		return rep, fmt.Errorf("apply snapshot: %w", err)
	}
	rep.New, rep.Updated, rep.Removed = len(diff.New), len(diff.Updated), len(diff.Removed)
	for _, e := range diff.Removed {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeEntityRemoved, Data: e.IdentityKey()})
	}
	if n := d.balancer.EvictConversations(d.clock.Now()); n > 0 {
		log.Debug("conversations evicted", logx.Int("count", n))
	}

	entities := queue.Dedupe(incoming)
	rep.Entities = len(entities)
	for _, kind := range queue.Kinds {
		for _, e := range entities {
			d.processEntity(ctx, log, &rep, eng, kind, e)
		}
	}
	return rep, nil
}

func (d *Dispatcher) finish(log logx.Logger, rep Report, err error) {
	d.mu.Lock()
	d.last = rep
	d.mu.Unlock()

	ev := eventbus.Cycle{CycleID: rep.CycleID, Took: rep.Took, Sent: rep.Sent, Failed: rep.Failed}
	if err != nil {
		ev.Err = err.Error()
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFailed, Data: ev})
	} else {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleCompleted, Data: ev})
		if rep.Eligible > 0 || rep.New+rep.Updated+rep.Removed > 0 {
			log.Info("cycle completed",
				logx.Int("entities", rep.Entities),
				logx.Int("new", rep.New),
				logx.Int("removed", rep.Removed),
				logx.Int("sent", rep.Sent),
				logx.Int("failed", rep.Failed),
				logx.Int("skipped", rep.Skipped),
				logx.Duration("took", rep.Took),
			)
		} else {
			log.Debug("cycle completed", logx.Int("entities", rep.Entities), logx.Duration("took", rep.Took))
		}
	}
	if rep.Sent+rep.Failed > 0 {
		d.logChannels(log)
	}
	if d.after != nil {
		d.after(rep, err)
	}
}

func (d *Dispatcher) logChannels(log logx.Logger) {
	for _, v := range d.balancer.Snapshot(d.clock.Now()) {
		log.Info("channel health",
			logx.String("channel", v.ID),
			logx.String("status", string(v.Status)),
			logx.Float64("health", v.Health),
			logx.Float64("score", v.Score),
			logx.Int("active", v.Load.ActiveConversations),
			logx.Int("total", v.Load.TotalMessages),
			logx.Int("failed", v.Load.FailedMessages),
		)
	}
}

// systemConfig reads and normalizes the config, logging each distinct set
// of problems once.
func (d *Dispatcher) systemConfig(log logx.Logger) queue.SystemConfig {
	cfg, problems := d.config().Normalize()
	key := strings.Join(problems, "; ")
	d.mu.Lock()
	changed := key != d.lastProblems
	d.lastProblems = key
	d.mu.Unlock()
	if changed && key != "" {
		log.Warn("invalid settings replaced with defaults", logx.Strings("problems", problems))
	}
	return cfg
}

func (d *Dispatcher) processEntity(ctx context.Context, log logx.Logger, rep *Report, eng *eligibility.Engine, kind queue.MessageKind, e queue.WaitingEntity) {
	key := e.IdentityKey()
	elog := log.With(logx.String("entity", key), logx.String("kind", string(kind)))
	defer func() {
		if r := recover(); r != nil {
			rep.Failed++
			elog.Error("entity processing panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	now := d.clock.Now()
	var lookupErr error
	lookup := func(k queue.MessageKind) bool {
		has, err := d.store.HasTag(ctx, key, k, now)
		if err != nil {
			lookupErr = err
			return true
		}
		return has
	}
	if reason := eng.Check(kind, e, now, lookup); reason != "" {
		if lookupErr != nil {
			rep.Skipped++
			elog.Warn("tag lookup failed, skipping", logx.Err(lookupErr))
		}
		return
	}
	rep.Eligible++

	if err := d.limiter.Wait(ctx); err != nil {
		rep.Skipped++
		elog.Warn("dispatch pacing interrupted", logx.Err(err))
		return
	}

	// The reservation must be durable before anything is sent.
	reserved, err := d.store.ReserveTag(ctx, key, kind, d.clock.Now())
	if err != nil {
		rep.Skipped++
		elog.Warn("reservation failed, skipping until next cycle", logx.Err(err))
		d.publish(rep.CycleID, key, kind, "", "skipped", false, err, 0)
		return
	}
	if !reserved {
		rep.Skipped++
		elog.Debug("already reserved")
		return
	}

	started := time.Now()
	msg := newMessage(eng.Config(), kind, e, d.clock.Now())
	ch, out, sendErr := d.deliver(ctx, elog, rep.CycleID, e, msg)
	took := time.Since(started)
	ok := sendErr == nil

	// Record the outcome even if the caller gave up.
	cctx := context.WithoutCancel(ctx)
	if err := d.store.ConfirmTag(cctx, key, kind, ok, d.clock.Now()); err != nil {
		elog.Error("confirm failed, tag stays reserved", logx.String("channel", ch.ID), logx.Err(err))
	}

	if ok {
		rep.Sent++
		elog.Info("message sent",
			logx.String("channel", ch.ID),
			logx.String("provider_id", out.ProviderID),
			logx.Duration("took", took),
		)
		d.publish(rep.CycleID, key, kind, ch.ID, "sent", true, nil, took)
		return
	}
	rep.Failed++
	elog.Warn("message failed", logx.String("channel", ch.ID), logx.Err(sendErr))
	d.publish(rep.CycleID, key, kind, ch.ID, "failed", false, sendErr, took)
}

// deliver sends through the selected channel and, after a transient
// failure, through up to MaxFallbacks fallback channels.
func (d *Dispatcher) deliver(ctx context.Context, log logx.Logger, cycleID string, e queue.WaitingEntity, msg gateway.Message) (channels.Definition, gateway.Outcome, error) {
	ch, err := d.balancer.SelectChannel(e, d.clock.Now())
	if err != nil {
		return ch, gateway.Outcome{}, err
	}
	out, err := d.send(ctx, ch, msg, e.Phone)
	if err == nil || gateway.IsPermanent(err) {
		return ch, out, err
	}

	exclude := []string{ch.ID}
	for i := 0; i < d.options().MaxFallbacks; i++ {
		fb, ferr := d.balancer.SelectFallback(ctx, exclude, d.verify, d.clock.Now())
		if ferr != nil {
			log.Warn("no fallback channel", logx.String("failed_channel", ch.ID), logx.Err(ferr))
			return ch, out, err
		}
		log.Info("retrying on fallback channel", logx.String("from", ch.ID), logx.String("to", fb.ID))
		d.publish(cycleID, msg.EntityKey, msg.Kind, fb.ID, "fallback", true, err, 0)

		ch = fb
		out, err = d.send(ctx, fb, msg, e.Phone)
		if err == nil || gateway.IsPermanent(err) {
			return ch, out, err
		}
		exclude = append(exclude, fb.ID)
	}
	return ch, out, err
}

func (d *Dispatcher) send(ctx context.Context, ch channels.Definition, msg gateway.Message, phone string) (gateway.Outcome, error) {
	sctx, cancel := context.WithTimeout(ctx, d.options().DispatchTimeout)
	defer cancel()
	out, err := d.gw.Send(sctx, ch, msg)
	if err == nil && !out.Success {
		err = fmt.Errorf("provider did not accept message: %s", out.ProviderResponse)
	}
	d.balancer.RecordOutcome(phone, ch.ID, err == nil, d.clock.Now())
	return out, err
}

func (d *Dispatcher) verify(ctx context.Context, ch channels.Definition) bool {
	vctx, cancel := context.WithTimeout(ctx, d.options().DispatchTimeout)
	defer cancel()
	return d.gw.TestConnectivity(vctx, ch)
}

func (d *Dispatcher) publish(cycleID, key string, kind queue.MessageKind, channelID, action string, ok bool, err error, took time.Duration) {
	ev := eventbus.Dispatch{
		CycleID:   cycleID,
		EntityKey: key,
		Kind:      string(kind),
		ChannelID: channelID,
		Action:    action,
		OK:        ok,
		Took:      took,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatch, Data: ev})
}

func newMessage(cfg queue.SystemConfig, kind queue.MessageKind, e queue.WaitingEntity, now time.Time) gateway.Message {
	vars := map[string]string{
		"name":      e.Name,
		"sector_id": e.SectorID,
	}
	if mins, ok := e.WaitMinutes(now); ok {
		vars["wait_minutes"] = strconv.Itoa(mins)
	}
	return gateway.Message{
		ID:         uuid.NewString(),
		Kind:       kind,
		TemplateID: cfg.Template(kind),
		Variables:  vars,
		Recipient:  gateway.Recipient{Name: e.Name, Phone: e.Phone},
		EntityKey:  e.IdentityKey(),
		SectorID:   e.SectorID,
		CreatedAt:  now,
	}
}
