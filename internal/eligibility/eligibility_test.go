package eligibility

import (
	"testing"
	"time"

	"waitnotify/internal/queue"
)

var brt = time.FixedZone("BRT", -3*60*60)

func testEngine(t *testing.T, mutate func(*queue.SystemConfig)) *Engine {
	t.Helper()
	raw := queue.SystemConfig{Location: brt, MinWaitMinutes: 30, MaxWaitMinutes: 40}
	if mutate != nil {
		mutate(&raw)
	}
	cfg, problems := raw.Normalize()
	if len(problems) != 0 {
		t.Fatalf("unexpected config problems: %v", problems)
	}
	return New(cfg)
}

func noTags(queue.MessageKind) bool { return false }

func tagged(kinds ...queue.MessageKind) TagLookup {
	return func(k queue.MessageKind) bool {
		for _, v := range kinds {
			if v == k {
				return true
			}
		}
		return false
	}
}

// Monday 2026-10-19 10:00 BRT.
var monday10 = time.Date(2026, 10, 19, 10, 0, 0, 0, brt)

func waiting(minutes int) queue.WaitingEntity {
	return queue.WaitingEntity{
		ID:            "1",
		Name:          "Ana",
		Phone:         "5511999990001",
		SectorID:      "cardio",
		WaitStartTime: monday10.Add(-time.Duration(minutes) * time.Minute),
	}
}

func TestWaitWindowBounds(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)
	tests := []struct {
		minutes int
		want    bool
	}{
		{29, false},
		{30, true},
		{35, true},
		{40, true},
		{41, false},
	}
	for _, tt := range tests {
		if got := e.EligibleForWaitMessage(waiting(tt.minutes), monday10, noTags); got != tt.want {
			t.Fatalf("waitMinutes=%d eligible = %v, want %v (reason %q)",
				tt.minutes, got, tt.want, e.CheckWait(waiting(tt.minutes), monday10, noTags))
		}
	}
}

func TestWaitRequiresEveryCondition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*queue.SystemConfig)
		now    time.Time
		ent    queue.WaitingEntity
		tags   TagLookup
		reason string
	}{
		{name: "paused", mutate: func(c *queue.SystemConfig) { c.WaitPaused = true }, now: monday10, ent: waiting(35), reason: ReasonFlowPaused},
		{name: "sunday", now: monday10.AddDate(0, 0, 6), ent: queue.WaitingEntity{WaitStartTime: monday10.AddDate(0, 0, 6).Add(-35 * time.Minute)}, reason: ReasonNonWorkingDay},
		{name: "after hours", now: monday10.Add(9 * time.Hour), ent: queue.WaitingEntity{WaitStartTime: monday10.Add(9*time.Hour - 35*time.Minute)}, reason: ReasonOutsideHours},
		{name: "excluded sector", mutate: func(c *queue.SystemConfig) { c.ExcludedSectors = []string{"cardio"} }, now: monday10, ent: waiting(35), reason: ReasonExcluded},
		{name: "already tagged", now: monday10, ent: waiting(35), tags: tagged(queue.KindWait), reason: ReasonAlreadyTagged},
		{name: "unknown start", now: monday10, ent: queue.WaitingEntity{}, reason: ReasonNoWaitTime},
		{name: "future start", now: monday10, ent: waiting(-5), reason: ReasonNoWaitTime},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(t, tt.mutate)
			tags := tt.tags
			if tags == nil {
				tags = noTags
			}
			if got := e.CheckWait(tt.ent, tt.now, tags); got != tt.reason {
				t.Fatalf("CheckWait = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestEndOfDayIgnoresWaitTag(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)
	cutoff := time.Date(2026, 10, 19, 17, 58, 0, 0, brt)
	ent := queue.WaitingEntity{Name: "Ana", Phone: "1", SectorID: "cardio", WaitStartTime: cutoff.Add(-3 * time.Hour)}

	if !e.EligibleForEndOfDayMessage(ent, cutoff, tagged(queue.KindWait)) {
		t.Fatalf("entity holding wait tag should still get end-of-day message (reason %q)",
			e.CheckEndOfDay(ent, cutoff, tagged(queue.KindWait)))
	}
	if e.EligibleForEndOfDayMessage(ent, cutoff, tagged(queue.KindEndOfDay)) {
		t.Fatal("end-of-day tag must block a second end-of-day message")
	}
	if e.EligibleForEndOfDayMessage(ent, cutoff.Add(-time.Hour), noTags) {
		t.Fatal("outside the cutoff window must not be eligible")
	}
}

func TestEndOfDaySaturdayCutoff(t *testing.T) {
	t.Parallel()
	e := testEngine(t, nil)
	sat := time.Date(2026, 10, 24, 12, 3, 0, 0, brt)
	if !e.EligibleForEndOfDayMessage(queue.WaitingEntity{SectorID: "x"}, sat, noTags) {
		t.Fatalf("saturday 12:03 should be inside the cutoff window: %q", e.CheckEndOfDay(queue.WaitingEntity{}, sat, noTags))
	}
}

func TestEndOfDayPausedAndExcluded(t *testing.T) {
	t.Parallel()
	cutoff := time.Date(2026, 10, 19, 18, 0, 0, 0, brt)
	paused := testEngine(t, func(c *queue.SystemConfig) { c.EndOfDayPaused = true })
	if got := paused.CheckEndOfDay(queue.WaitingEntity{}, cutoff, noTags); got != ReasonFlowPaused {
		t.Fatalf("CheckEndOfDay = %q, want %q", got, ReasonFlowPaused)
	}
	excluded := testEngine(t, func(c *queue.SystemConfig) { c.ExcludedChannels = []string{"wa-2"} })
	if got := excluded.CheckEndOfDay(queue.WaitingEntity{ChannelID: "wa-2"}, cutoff, noTags); got != ReasonExcluded {
		t.Fatalf("CheckEndOfDay = %q, want %q", got, ReasonExcluded)
	}
}
