package app

import (
	"context"
	"time"

	"waitnotify/internal/dispatch"
	logx "waitnotify/pkg/logx"
)

// minStaleAfter bounds how long a running loop may go without finishing
// a cycle before watchdog pings stop. Cycles are paced by the dispatch
// delay, so a long queue can make one cycle take minutes.
const minStaleAfter = 10 * time.Minute

// watchdogLoop keeps systemd's watchdog fed between cycles while the loop
// is healthy. A stuck cycle stops the pings and lets systemd restart us.
func (a *App) watchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.alive() {
				last := a.disp.LastReport()
				a.log.Warn("dispatch loop looks stuck; withholding watchdog ping",
					logx.Time("last_cycle", time.Unix(0, a.lastCycle.Load())),
					logx.String("last_cycle_id", last.CycleID),
					logx.Duration("last_took", last.Took))
				continue
			}
			if err := a.notifier.Watchdog(); err != nil {
				a.log.Debug("watchdog notification failed", logx.Err(err))
			}
		}
	}
}

func (a *App) alive() bool {
	if a.disp.State() != dispatch.StateRunning {
		return true
	}
	staleAfter := max(10*a.disp.Interval(), minStaleAfter)
	last := time.Unix(0, a.lastCycle.Load())
	return a.clock.Now().Sub(last) < staleAfter
}
