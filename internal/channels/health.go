package channels

import (
	"math"
	"time"
)

const (
	inactivePenalty = 50.0

	failureThreshold  = 20.0
	failurePenaltyMax = 30.0

	idleThreshold  = 24 * time.Hour
	idlePenaltyMax = 20.0

	overloadThreshold  = 50
	overloadPenaltyMax = 25.0
)

// HealthScore rates a channel from 0 (unusable) to 100.
//
// Penalties: inactive 50; failure rate above 20% up to 30 (full at 100%);
// idle beyond 24h up to 20 (full at 48h); active conversations beyond 50
// up to 25 (full at 100). A channel that was never used is not idle.
func HealthScore(def Definition, load LoadState, now time.Time) float64 {
	score := 100.0
	if !def.Active {
		score -= inactivePenalty
	}

	if rate := load.FailureRate(); rate > failureThreshold {
		score -= math.Min(failurePenaltyMax, (rate-failureThreshold)/(100-failureThreshold)*failurePenaltyMax)
	}

	if !load.LastUsedAt.IsZero() {
		if idle := now.Sub(load.LastUsedAt); idle > idleThreshold {
			over := (idle - idleThreshold).Hours() / idleThreshold.Hours()
			score -= math.Min(idlePenaltyMax, over*idlePenaltyMax)
		}
	}

	if a := load.ActiveConversations; a > overloadThreshold {
		over := float64(a-overloadThreshold) / float64(overloadThreshold)
		score -= math.Min(overloadPenaltyMax, over*overloadPenaltyMax)
	}

	return math.Max(0, math.Min(100, score))
}

// StatusFor maps a health score to its band.
func StatusFor(score float64) Status {
	switch {
	case score < 30:
		return StatusCritical
	case score < 60:
		return StatusWarning
	case score < 80:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Usable reports whether a status may receive fallback traffic.
func (s Status) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// SelectionScore ranks candidates; lower wins.
//
//	0.4*active + 0.3*priority + 0.2*(100-successRate) + 0.1*recency
//
// recency decays linearly from 100 at the moment of use to 0 after 24h and
// is 0 for a channel that was never used.
func SelectionScore(def Definition, load LoadState, now time.Time) float64 {
	return 0.4*float64(load.ActiveConversations) +
		0.3*float64(def.Priority) +
		0.2*(100-load.SuccessRate()) +
		0.1*recencyPenalty(load.LastUsedAt, now)
}

func recencyPenalty(last, now time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	h := now.Sub(last).Hours()
	if h < 0 {
		h = 0
	}
	return math.Max(0, 100*(1-h/24))
}
