// Package eligibility composes the business calendar, the configured
// thresholds and the reservation ledger into the two message predicates.
//
// Both predicates are pure: they read the entity, the config snapshot, the
// instant and a tag lookup, and never mutate anything.
package eligibility

import (
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/queue"
)

// TagLookup reports whether the entity already holds a blocking tag of kind.
type TagLookup func(kind queue.MessageKind) bool

// Reasons returned by the Check* methods. An empty reason means eligible.
const (
	ReasonNoWaitTime    = "wait_time_unknown"
	ReasonBelowMinWait  = "below_min_wait"
	ReasonAboveMaxWait  = "above_max_wait"
	ReasonFlowPaused    = "flow_paused"
	ReasonNonWorkingDay = "non_working_day"
	ReasonOutsideHours  = "outside_business_hours"
	ReasonNotEndOfDay   = "outside_end_of_day_window"
	ReasonExcluded      = "excluded"
	ReasonAlreadyTagged = "already_tagged"
)

type Engine struct {
	cfg queue.SystemConfig
	cal *calendar.Calendar
}

// New builds an engine over a normalized config snapshot.
func New(cfg queue.SystemConfig) *Engine {
	return &Engine{cfg: cfg, cal: calendar.New(cfg.CalendarConfig())}
}

func (e *Engine) Calendar() *calendar.Calendar { return e.cal }
func (e *Engine) Config() queue.SystemConfig   { return e.cfg }

// EligibleForWaitMessage is true iff the wait is within [min, max] minutes
// (both inclusive), the wait flow is not paused, now is inside business
// hours on a working day, the entity is not excluded and it lacks the wait
// tag.
func (e *Engine) EligibleForWaitMessage(ent queue.WaitingEntity, now time.Time, tags TagLookup) bool {
	return e.CheckWait(ent, now, tags) == ""
}

// EligibleForEndOfDayMessage is true iff now is within the end-of-day
// tolerance on a working day, the entity is not excluded and it lacks the
// end-of-day tag. The wait tag is deliberately ignored so every entity still
// waiting at the cutoff receives one end-of-shift notice.
func (e *Engine) EligibleForEndOfDayMessage(ent queue.WaitingEntity, now time.Time, tags TagLookup) bool {
	return e.CheckEndOfDay(ent, now, tags) == ""
}

// CheckWait returns the first failing condition for the wait message.
func (e *Engine) CheckWait(ent queue.WaitingEntity, now time.Time, tags TagLookup) string {
	if ent.WaitStartTime.IsZero() {
		return ReasonNoWaitTime
	}
	mins := calendar.MinutesElapsed(ent.WaitStartTime, now)
	if mins < 0 {
		return ReasonNoWaitTime
	}
	if mins < e.cfg.MinWaitMinutes {
		return ReasonBelowMinWait
	}
	if mins > e.cfg.MaxWaitMinutes {
		return ReasonAboveMaxWait
	}
	if e.cfg.WaitPaused {
		return ReasonFlowPaused
	}
	if !e.cal.IsWorkingDay(now) {
		return ReasonNonWorkingDay
	}
	if !e.cal.IsBusinessHours(now) {
		return ReasonOutsideHours
	}
	if e.cfg.IsExcluded(ent) {
		return ReasonExcluded
	}
	if tags != nil && tags(queue.KindWait) {
		return ReasonAlreadyTagged
	}
	return ""
}

// CheckEndOfDay returns the first failing condition for the end-of-day
// message.
func (e *Engine) CheckEndOfDay(ent queue.WaitingEntity, now time.Time, tags TagLookup) string {
	if e.cfg.EndOfDayPaused {
		return ReasonFlowPaused
	}
	if !e.cal.IsWorkingDay(now) {
		return ReasonNonWorkingDay
	}
	if !e.cal.IsEndOfDayWindow(now, e.cfg.EndOfDayTolerance()) {
		return ReasonNotEndOfDay
	}
	if e.cfg.IsExcluded(ent) {
		return ReasonExcluded
	}
	if tags != nil && tags(queue.KindEndOfDay) {
		return ReasonAlreadyTagged
	}
	return ""
}

// Check dispatches to the predicate for kind.
func (e *Engine) Check(kind queue.MessageKind, ent queue.WaitingEntity, now time.Time, tags TagLookup) string {
	if kind == queue.KindEndOfDay {
		return e.CheckEndOfDay(ent, now, tags)
	}
	return e.CheckWait(ent, now, tags)
}
