package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/channels"
	"waitnotify/internal/dispatch"
	"waitnotify/internal/gateway"
	"waitnotify/internal/queue"
	"waitnotify/internal/snapshot"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"
)

const (
	DefaultHousekeepingSchedule = "@every 1h"
	DefaultHistoryRetention     = 7 * 24 * time.Hour
	DefaultTagRetention         = 24 * time.Hour
	DefaultStoragePath          = "./data/waitnotify.db"
)

// Validate rejects configurations that cannot be resolved. Out-of-range
// thresholds and windows are not errors here; they fall back to defaults
// when the system config is normalized.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"scheduler.interval":             cfg.Scheduler.Interval,
		"scheduler.dispatch_delay":       cfg.Scheduler.DispatchDelay,
		"scheduler.dispatch_timeout":     cfg.Scheduler.DispatchTimeout,
		"balancer.conversation_ttl":      cfg.Balancer.ConversationTTL,
		"reservations.retry_after":       cfg.Reservations.RetryAfter,
		"storage.busy_timeout":           cfg.Storage.BusyTimeout,
		"source.timeout":                 cfg.Source.Timeout,
		"gateway.timeout":                cfg.Gateway.Timeout,
		"housekeeping.history_retention": cfg.Housekeeping.HistoryRetention,
		"housekeeping.tag_retention":     cfg.Housekeeping.TagRetention,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Source.Driver)) {
	case "", "file", "http":
	default:
		errs = append(errs, fmt.Errorf("source.driver: unknown driver %q", cfg.Source.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "", "dryrun", "dry-run", "http", "amqp":
	default:
		errs = append(errs, fmt.Errorf("gateway.driver: unknown driver %q", cfg.Gateway.Driver))
	}

	seen := map[string]struct{}{}
	for i, ch := range cfg.Channels {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("channels[%d]: id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}

	for _, h := range cfg.Business.Holidays {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(h)); err != nil {
			errs = append(errs, fmt.Errorf("business.holidays: invalid date %q", h))
		}
	}
	return errors.Join(errs...)
}

// SystemConfig builds the typed snapshot read by each cycle. Unparseable
// business settings are reported and left empty so Normalize applies the
// defaults.
func (c *Config) SystemConfig() (queue.SystemConfig, []string) {
	var problems []string
	out := queue.SystemConfig{
		MinWaitMinutes:           c.Thresholds.MinWaitMinutes,
		MaxWaitMinutes:           c.Thresholds.MaxWaitMinutes,
		EndOfDayToleranceMinutes: c.Thresholds.EndOfDayToleranceMinutes,
		WaitPaused:               c.Flows.WaitPaused,
		EndOfDayPaused:           c.Flows.EndOfDayPaused,
		ExcludedSectors:          append([]string(nil), c.Exclusions.Sectors...),
		ExcludedChannels:         append([]string(nil), c.Exclusions.Channels...),
		Holidays:                 append([]string(nil), c.Business.Holidays...),
	}

	loc, err := queue.LoadLocation(c.Business.Timezone)
	if err != nil {
		problems = append(problems, err.Error())
	}
	out.Location = loc

	if w, err := parseWindow(c.Business.Weekday); err != nil {
		problems = append(problems, "business.weekday: "+err.Error())
	} else {
		out.Weekday = w
	}
	if w, err := parseWindow(c.Business.Saturday); err != nil {
		problems = append(problems, "business.saturday: "+err.Error())
	} else {
		out.Saturday = w
	}

	for _, s := range c.Business.WorkingDays {
		d, err := calendar.ParseWeekday(s)
		if err != nil {
			problems = append(problems, "business.working_days: "+err.Error())
			continue
		}
		out.WorkingDays = append(out.WorkingDays, d)
	}

	if len(c.Templates) > 0 {
		out.Templates = map[queue.MessageKind]string{}
		for k, v := range c.Templates {
			kind := queue.MessageKind(strings.TrimSpace(k))
			if !kind.Valid() {
				problems = append(problems, fmt.Sprintf("templates: unknown message kind %q", k))
				continue
			}
			out.Templates[kind] = v
		}
	}
	return out, problems
}

func parseWindow(w WindowConfig) (calendar.Window, error) {
	if strings.TrimSpace(w.Start) == "" && strings.TrimSpace(w.End) == "" {
		return calendar.Window{}, nil
	}
	start, err := calendar.ParseClock(w.Start)
	if err != nil {
		return calendar.Window{}, err
	}
	end, err := calendar.ParseClock(w.End)
	if err != nil {
		return calendar.Window{}, err
	}
	return calendar.Window{Start: start, End: end}, nil
}

// ChannelDefinitions resolves channel entries. Credentials named by
// credential_env are read from the environment.
func (c *Config) ChannelDefinitions() []channels.Definition {
	out := make([]channels.Definition, 0, len(c.Channels))
	for _, ch := range c.Channels {
		active := true
		if ch.Active != nil {
			active = *ch.Active
		}
		cred := ch.Credential
		if ch.CredentialEnv != "" {
			if v, ok := os.LookupEnv(ch.CredentialEnv); ok {
				cred = v
			}
		}
		out = append(out, channels.Definition{
			ID:             strings.TrimSpace(ch.ID),
			DisplayName:    ch.DisplayName,
			Priority:       ch.Priority,
			Active:         active,
			DepartmentTags: append([]string(nil), ch.DepartmentTags...),
			Credential:     cred,
		})
	}
	return out
}

func (c *Config) BalancerOptions() channels.Options {
	ttl := durationOr("balancer.conversation_ttl", c.Balancer.ConversationTTL, channels.DefaultConversationTTL)
	return channels.Options{ConversationTTL: ttl, MaxFallbackAttempts: c.Balancer.MaxFallbackAttempts}
}

func (c *Config) DispatchOptions() dispatch.Options {
	interval := durationOr("scheduler.interval", c.Scheduler.Interval, dispatch.DefaultInterval)
	timeout := durationOr("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout, dispatch.DefaultDispatchTimeout)
	delay := dispatch.DefaultDispatchDelay
	if strings.TrimSpace(c.Scheduler.DispatchDelay) != "" {
		// an explicit "0s" disables pacing
		if d, err := ParseDurationField("scheduler.dispatch_delay", c.Scheduler.DispatchDelay); err == nil {
			delay = d
		}
	}
	return dispatch.Options{
		Interval:        interval,
		DispatchDelay:   delay,
		DispatchTimeout: timeout,
		MaxFallbacks:    c.Balancer.MaxFallbackAttempts,
	}
}

func (c *Config) StorageConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	retry, _ := ParseDurationField("reservations.retry_after", c.Reservations.RetryAfter)
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := c.Storage.Path
	if strings.TrimSpace(path) == "" {
		path = DefaultStoragePath
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Ledger:      storage.LedgerPolicy{RetryAfter: retry, MaxAttempts: c.Reservations.MaxAttempts},
	}
}

// VolatileStorage reports whether sent tags would be lost on restart while
// messages go to a real gateway.
func (c *Config) VolatileStorage() bool {
	if c.StorageConfig().Driver != "memory" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.Gateway.Driver)) {
	case "", "dryrun", "dry-run":
		return false
	}
	return true
}

func (c *Config) SourceConfig() snapshot.Config {
	timeout, _ := ParseDurationField("source.timeout", c.Source.Timeout)
	return snapshot.Config{
		Driver: c.Source.Driver,
		Path:   c.Source.Path,
		HTTP:   snapshot.HTTPConfig{URL: c.Source.URL, Token: c.Source.Token, Timeout: timeout},
	}
}

func (c *Config) GatewayConfig() gateway.Config {
	timeout, _ := ParseDurationField("gateway.timeout", c.Gateway.Timeout)
	return gateway.Config{
		Driver: c.Gateway.Driver,
		HTTP:   gateway.HTTPConfig{URL: c.Gateway.URL, Token: c.Gateway.Token, Timeout: timeout},
		AMQP: gateway.AMQPConfig{
			URL:           c.Gateway.URL,
			Exchange:      c.Gateway.Exchange,
			RoutingPrefix: c.Gateway.RoutingPrefix,
		},
	}
}

func (c *Config) LogConfig() logx.Config {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		level = "info"
	}
	return logx.Config{
		Level:   level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// Retention returns the housekeeping schedule and retention windows.
func (c *Config) Retention() (schedule string, history, tags time.Duration) {
	schedule = strings.TrimSpace(c.Housekeeping.Schedule)
	if schedule == "" {
		schedule = DefaultHousekeepingSchedule
	}
	history = durationOr("housekeeping.history_retention", c.Housekeeping.HistoryRetention, DefaultHistoryRetention)
	tags = durationOr("housekeeping.tag_retention", c.Housekeeping.TagRetention, DefaultTagRetention)
	return schedule, history, tags
}
