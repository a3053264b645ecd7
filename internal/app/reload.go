package app

import (
	"context"
	"slices"
	"strings"

	"waitnotify/internal/config"
	"waitnotify/internal/eventbus"
	logx "waitnotify/pkg/logx"
)

// ConfigReloaded is the Data of a TypeConfigReloaded event.
type ConfigReloaded struct {
	Changed []string
	Restart []string
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latest(sub, newCfg)
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// latest drains queued updates so bursts apply once.
func latest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Storage, source and gateway connections are opened once; changes there
// are logged and wait for a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }
	restart := config.RequiresRestart(sections)
	if len(restart) > 0 {
		a.log.Warn("config change requires restart", logx.Strings("sections", restart))
	}

	if changed("logging") {
		a.logs.Apply(newCfg.LogConfig())
	}

	sys := a.setSystemConfig(newCfg)

	if changed("channels") || changed("balancer") {
		defs := newCfg.ChannelDefinitions()
		opt := newCfg.BalancerOptions()
		err := a.disp.Exclusive(ctx, func(context.Context) error {
			a.balancer.SetOptions(opt)
			a.balancer.Apply(defs)
			return nil
		})
		if err != nil {
			a.log.Warn("channel reload failed", logx.Err(err))
		}
	}
	if changed("scheduler") || changed("balancer") {
		a.disp.SetOptions(newCfg.DispatchOptions())
	}
	if oldCfg == nil || oldCfg.Scheduler.Paused != newCfg.Scheduler.Paused {
		if newCfg.Scheduler.Paused {
			a.disp.Pause()
		} else {
			a.disp.Resume()
		}
	}
	if changed("housekeeping") || changed("business") {
		opt := a.housekeepingOptions(newCfg)
		opt.Location = sys.Location
		if err := a.hk.Start(opt); err != nil {
			a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReloaded,
		Data: ConfigReloaded{Changed: sections, Restart: restart},
	})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
