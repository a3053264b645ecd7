package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "waitnotify/pkg/logx"
)

func TestLoopMinimumInterval(t *testing.T) {
	l := NewLoop(10*time.Millisecond, func(context.Context) error { return nil }, logx.Nop())
	if got := l.Interval(); got != MinInterval {
		t.Fatalf("Interval = %v, want %v", got, MinInterval)
	}
	l.SetInterval(0)
	if got := l.Interval(); got != MinInterval {
		t.Fatalf("Interval after SetInterval(0) = %v", got)
	}
}

func TestLoopStates(t *testing.T) {
	l := NewLoop(time.Hour, func(context.Context) error { return nil }, logx.Nop())
	if l.State() != StateStopped {
		t.Fatalf("initial state = %s", l.State())
	}
	l.Start(context.Background())
	if l.State() != StateRunning {
		t.Fatalf("after Start = %s", l.State())
	}
	l.Pause()
	if l.State() != StatePaused {
		t.Fatalf("after Pause = %s", l.State())
	}
	l.SetInterval(2 * time.Hour)
	if l.State() != StatePaused || l.Interval() != 2*time.Hour {
		t.Fatalf("after SetInterval = %s / %v", l.State(), l.Interval())
	}
	l.Resume()
	if l.State() != StateRunning {
		t.Fatalf("after Resume = %s", l.State())
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("after Stop = %s", l.State())
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestLoopTicksAndSurvivesErrors(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(MinInterval, func(context.Context) error {
		if n.Add(1) == 1 {
			panic("first tick explodes")
		}
		return errors.New("later ticks fail")
	}, logx.Nop())
	l.Start(context.Background())
	defer l.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatalf("ticks = %d, want >= 2", n.Load())
	}
	if l.State() != StateRunning {
		t.Fatalf("state = %s", l.State())
	}
}

func TestLoopPausedSkipsCycle(t *testing.T) {
	var n atomic.Int32
	l := NewLoop(MinInterval, func(context.Context) error {
		n.Add(1)
		return nil
	}, logx.Nop())
	l.Start(context.Background())
	l.Pause()
	time.Sleep(1500 * time.Millisecond)
	_ = l.Stop(context.Background())
	if n.Load() != 0 {
		t.Fatalf("paused loop ran %d cycles", n.Load())
	}
}

func TestForceCycleRecoversPanic(t *testing.T) {
	l := NewLoop(time.Hour, func(context.Context) error { panic("boom") }, logx.Nop())
	if err := l.ForceCycle(context.Background()); err == nil {
		t.Fatalf("ForceCycle = nil, want panic error")
	}
}

func TestStopWaitsForInflightCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	l := NewLoop(MinInterval, func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return ctx.Err()
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	<-started
	cancel()

	stopped := make(chan struct{})
	go func() {
		_ = l.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned before the cycle finished")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	<-stopped
	if !finished.Load() {
		t.Fatalf("cycle was preempted")
	}
}
