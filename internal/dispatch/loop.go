package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "waitnotify/pkg/logx"
)

// MinInterval is the smallest accepted tick interval.
const MinInterval = time.Second

var ErrStopped = errors.New("dispatch loop stopped")

// State of the loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// CycleFunc is one tick of work.
type CycleFunc func(ctx context.Context) error

// Loop runs a cycle on a re-armed timer. Ticks never overlap: the timer is
// armed again only after the previous cycle returned. Errors and panics are
// logged and never stop the loop.
type Loop struct {
	log   logx.Logger
	cycle CycleFunc

	cycleMu sync.Mutex // serializes ticks and ForceCycle

	mu       sync.Mutex
	state    State
	interval time.Duration
	parent   context.Context
	stopCh   chan struct{}
	done     chan struct{}
}

// NewLoop creates a stopped loop.
func NewLoop(interval time.Duration, cycle CycleFunc, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		log:      log,
		cycle:    cycle,
		interval: clampInterval(interval),
	}
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Start schedules the first tick one interval from now. Starting a running
// loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.parent = ctx
	l.startLocked()
}

func (l *Loop) startLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stopCh, l.done = stop, done
	l.state = StateRunning
	go l.run(l.parent, l.interval, stop, done)
	l.log.Info("dispatch loop started", logx.Duration("interval", l.interval))
}

// Stop cancels the pending tick and waits for an in-flight cycle to finish.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	done, err := l.stopLocked()
	l.mu.Unlock()
	if err != nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) stopLocked() (chan struct{}, error) {
	if l.state == StateStopped {
		return nil, ErrStopped
	}
	close(l.stopCh)
	done := l.done
	l.state = StateStopped
	l.stopCh, l.done = nil, nil
	l.log.Info("dispatch loop stopped")
	return done, nil
}

// Pause keeps the timer running but skips cycles.
func (l *Loop) Pause() {
	l.mu.Lock()
	if l.state == StateRunning {
		l.state = StatePaused
		l.log.Info("dispatch loop paused")
	}
	l.mu.Unlock()
}

func (l *Loop) Resume() {
	l.mu.Lock()
	if l.state == StatePaused {
		l.state = StateRunning
		l.log.Info("dispatch loop resumed")
	}
	l.mu.Unlock()
}

// SetInterval changes the tick interval. A running or paused loop is
// restarted with the new value and keeps its paused flag.
func (l *Loop) SetInterval(d time.Duration) {
	d = clampInterval(d)
	l.mu.Lock()
	if l.interval == d {
		l.mu.Unlock()
		return
	}
	l.interval = d
	prev := l.state
	if prev == StateStopped {
		l.mu.Unlock()
		return
	}
	done, _ := l.stopLocked()
	l.mu.Unlock()

	// the old goroutine may be inside a cycle; let it finish first
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		return
	}
	l.startLocked()
	if prev == StatePaused {
		l.state = StatePaused
	}
}

// ForceCycle runs the cycle once, synchronously, regardless of state.
func (l *Loop) ForceCycle(ctx context.Context) error {
	return l.Exclusive(ctx, l.cycle)
}

// Exclusive runs fn with the same serialization and panic recovery as a
// tick.
func (l *Loop) Exclusive(ctx context.Context, fn CycleFunc) error {
	return l.runCycle(ctx, fn)
}

func (l *Loop) run(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if l.stopCh == stop {
				l.state = StateStopped
				l.stopCh, l.done = nil, nil
			}
			l.mu.Unlock()
			return
		case <-stop:
			return
		case <-timer.C:
		}

		l.mu.Lock()
		paused := l.state == StatePaused
		l.mu.Unlock()

		if !paused {
			// The cycle is not preempted by Stop or parent cancellation.
			_ = l.runCycle(context.WithoutCancel(ctx), l.cycle)
		}

		select {
		case <-stop:
			return
		default:
		}
		timer.Reset(interval)
	}
}

func (l *Loop) runCycle(ctx context.Context, fn CycleFunc) (err error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch cycle panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	if err = fn(ctx); err != nil {
		l.log.Warn("dispatch cycle failed", logx.Err(err))
	}
	return err
}
