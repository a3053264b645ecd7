package config

import (
	"reflect"
	"strings"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Tokens and channel credentials are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	section("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.String("scheduler.interval", newCfg.Scheduler.Interval),
		logx.String("scheduler.dispatch_delay", newCfg.Scheduler.DispatchDelay),
		logx.Bool("scheduler.paused", newCfg.Scheduler.Paused),
	)
	section("business", !reflect.DeepEqual(oldCfg.Business, newCfg.Business),
		logx.String("business.timezone", newCfg.Business.Timezone),
		logx.String("business.weekday", newCfg.Business.Weekday.Start+"-"+newCfg.Business.Weekday.End),
		logx.String("business.saturday", newCfg.Business.Saturday.Start+"-"+newCfg.Business.Saturday.End),
		logx.Int("business.holidays", len(newCfg.Business.Holidays)),
	)
	section("thresholds", !reflect.DeepEqual(oldCfg.Thresholds, newCfg.Thresholds),
		logx.Int("thresholds.min_wait_minutes", newCfg.Thresholds.MinWaitMinutes),
		logx.Int("thresholds.max_wait_minutes", newCfg.Thresholds.MaxWaitMinutes),
		logx.Int("thresholds.end_of_day_tolerance_minutes", queue.SystemConfig{EndOfDayToleranceMinutes: newCfg.Thresholds.EndOfDayToleranceMinutes}.EndOfDayTolerance()),
	)
	section("flows", oldCfg.Flows != newCfg.Flows,
		logx.Bool("flows.wait_paused", newCfg.Flows.WaitPaused),
		logx.Bool("flows.end_of_day_paused", newCfg.Flows.EndOfDayPaused),
	)
	section("exclusions", !reflect.DeepEqual(oldCfg.Exclusions, newCfg.Exclusions),
		logx.Strings("exclusions.sectors", newCfg.Exclusions.Sectors),
		logx.Strings("exclusions.channels", newCfg.Exclusions.Channels),
	)
	section("templates", !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates),
		logx.Int("templates", len(newCfg.Templates)),
	)
	if added, removed, modified := diffChannels(oldCfg.Channels, newCfg.Channels); len(added)+len(removed)+len(modified) > 0 {
		section("channels", true,
			logx.Strings("channels.added", added),
			logx.Strings("channels.removed", removed),
			logx.Strings("channels.modified", modified),
		)
	}
	section("balancer", oldCfg.Balancer != newCfg.Balancer,
		logx.String("balancer.conversation_ttl", newCfg.Balancer.ConversationTTL),
		logx.Int("balancer.max_fallback_attempts", newCfg.Balancer.MaxFallbackAttempts),
	)
	section("reservations", oldCfg.Reservations != newCfg.Reservations,
		logx.String("reservations.retry_after", newCfg.Reservations.RetryAfter),
		logx.Int("reservations.max_attempts", newCfg.Reservations.MaxAttempts),
	)
	section("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.String("storage.path", newCfg.Storage.Path),
	)
	section("source", oldCfg.Source != newCfg.Source,
		logx.String("source.driver", newCfg.Source.Driver),
		logx.String("source.url", newCfg.Source.URL),
		logx.Bool("source.token_set", strings.TrimSpace(newCfg.Source.Token) != ""),
	)
	section("gateway", oldCfg.Gateway != newCfg.Gateway,
		logx.String("gateway.driver", newCfg.Gateway.Driver),
		logx.Bool("gateway.token_set", strings.TrimSpace(newCfg.Gateway.Token) != ""),
	)
	section("housekeeping", oldCfg.Housekeeping != newCfg.Housekeeping,
		logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
	)
	return changed, attrs
}

// RequiresRestart lists changed sections that only take effect after a
// restart (connections opened at startup).
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "source", "gateway":
			out = append(out, s)
		}
	}
	return out
}

func diffChannels(oldL, newL []ChannelConfig) (added, removed, modified []string) {
	oldM := make(map[string]ChannelConfig, len(oldL))
	for _, c := range oldL {
		oldM[c.ID] = c
	}
	newM := make(map[string]struct{}, len(newL))
	for _, c := range newL {
		newM[c.ID] = struct{}{}
		prev, ok := oldM[c.ID]
		switch {
		case !ok:
			added = append(added, c.ID)
		case !reflect.DeepEqual(prev, c):
			modified = append(modified, c.ID)
		}
	}
	for _, c := range oldL {
		if _, ok := newM[c.ID]; !ok {
			removed = append(removed, c.ID)
		}
	}
	return added, removed, modified
}
