package queue

import (
	"fmt"
	"strings"
	"time"

	"waitnotify/internal/calendar"
)

// Documented defaults applied by Normalize.
const (
	DefaultTimezone                 = "America/Sao_Paulo"
	DefaultMinWaitMinutes           = 30
	DefaultMaxWaitMinutes           = 40
	DefaultEndOfDayToleranceMinutes = 5
)

var (
	DefaultWeekdayWindow  = calendar.Window{Start: 8 * 60, End: 18 * 60}
	DefaultSaturdayWindow = calendar.Window{Start: 8 * 60, End: 12 * 60}
	DefaultWorkingDays    = []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
	}
	DefaultTemplates = map[MessageKind]string{
		KindWait:     "wait_notice",
		KindEndOfDay: "end_of_day_notice",
	}
)

// SystemConfig is the typed snapshot the core reads once per cycle. The
// core never writes it.
type SystemConfig struct {
	Location    *time.Location
	Weekday     calendar.Window
	Saturday    calendar.Window
	WorkingDays []time.Weekday
	Holidays    []string

	MinWaitMinutes int
	MaxWaitMinutes int
	// EndOfDayToleranceMinutes is nil when unset; zero matches the cutoff
	// instant only.
	EndOfDayToleranceMinutes *int

	WaitPaused     bool
	EndOfDayPaused bool

	ExcludedSectors  []string
	ExcludedChannels []string

	Templates map[MessageKind]string
}

// EndOfDayTolerance returns the tolerance in minutes, the default when unset.
func (c SystemConfig) EndOfDayTolerance() int {
	if c.EndOfDayToleranceMinutes == nil {
		return DefaultEndOfDayToleranceMinutes
	}
	return *c.EndOfDayToleranceMinutes
}

// DefaultSystemConfig returns the documented defaults.
func DefaultSystemConfig() SystemConfig {
	cfg, _ := SystemConfig{}.Normalize()
	return cfg
}

// Normalize replaces missing or invalid values with defaults and returns a
// description of each replacement. An empty problem list means the config
// was used as-is.
func (c SystemConfig) Normalize() (SystemConfig, []string) {
	var problems []string
	out := c

	if out.Location == nil {
		out.Location = defaultLocation()
	}
	if out.Weekday == (calendar.Window{}) {
		out.Weekday = DefaultWeekdayWindow
	} else if !out.Weekday.Valid() {
		problems = append(problems, fmt.Sprintf("invalid weekday window %s; using %s", out.Weekday, DefaultWeekdayWindow))
		out.Weekday = DefaultWeekdayWindow
	}
	if out.Saturday == (calendar.Window{}) {
		out.Saturday = DefaultSaturdayWindow
	} else if !out.Saturday.Valid() {
		problems = append(problems, fmt.Sprintf("invalid saturday window %s; using %s", out.Saturday, DefaultSaturdayWindow))
		out.Saturday = DefaultSaturdayWindow
	}
	if len(out.WorkingDays) == 0 {
		out.WorkingDays = append([]time.Weekday(nil), DefaultWorkingDays...)
	}

	if out.MinWaitMinutes <= 0 && out.MaxWaitMinutes <= 0 {
		out.MinWaitMinutes = DefaultMinWaitMinutes
		out.MaxWaitMinutes = DefaultMaxWaitMinutes
	} else if out.MinWaitMinutes <= 0 || out.MaxWaitMinutes < out.MinWaitMinutes {
		problems = append(problems, fmt.Sprintf("invalid wait thresholds min=%d max=%d; using min=%d max=%d",
			c.MinWaitMinutes, c.MaxWaitMinutes, DefaultMinWaitMinutes, DefaultMaxWaitMinutes))
		out.MinWaitMinutes = DefaultMinWaitMinutes
		out.MaxWaitMinutes = DefaultMaxWaitMinutes
	}
	tolerance := DefaultEndOfDayToleranceMinutes
	if v := c.EndOfDayToleranceMinutes; v != nil {
		if *v < 0 {
			problems = append(problems, fmt.Sprintf("invalid end-of-day tolerance %d; using %d",
				*v, DefaultEndOfDayToleranceMinutes))
		} else {
			tolerance = *v
		}
	}
	out.EndOfDayToleranceMinutes = &tolerance

	tpl := make(map[MessageKind]string, len(Kinds))
	for _, k := range Kinds {
		v := strings.TrimSpace(c.Templates[k])
		if v == "" {
			v = DefaultTemplates[k]
		}
		tpl[k] = v
	}
	out.Templates = tpl

	return out, problems
}

// CalendarConfig projects the business-hours part of the snapshot.
func (c SystemConfig) CalendarConfig() calendar.Config {
	return calendar.Config{
		Location:    c.Location,
		Weekday:     c.Weekday,
		Saturday:    c.Saturday,
		WorkingDays: c.WorkingDays,
		Holidays:    c.Holidays,
	}
}

// IsExcluded reports whether the entity's sector or channel is excluded.
// Channel exclusions match either the channel id or the channel type.
func (c SystemConfig) IsExcluded(e WaitingEntity) bool {
	if containsFold(c.ExcludedSectors, e.SectorID) {
		return true
	}
	if e.ChannelID != "" && containsFold(c.ExcludedChannels, e.ChannelID) {
		return true
	}
	if e.ChannelType != "" && containsFold(c.ExcludedChannels, e.ChannelType) {
		return true
	}
	return false
}

// Template returns the template id for kind.
func (c SystemConfig) Template(kind MessageKind) string {
	if v := strings.TrimSpace(c.Templates[kind]); v != "" {
		return v
	}
	return DefaultTemplates[kind]
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		// No tzdata available; Sao Paulo has no DST since 2019.
		return time.FixedZone("-03", -3*60*60)
	}
	return loc
}

// LoadLocation resolves a timezone name, falling back to the default zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultLocation(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return defaultLocation(), fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}
