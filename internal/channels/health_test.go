package channels

import (
	"math"
	"testing"
	"time"
)

func TestHealthScore(t *testing.T) {
	active := Definition{ID: "a", Active: true}
	tests := []struct {
		name string
		def  Definition
		load LoadState
		want float64
	}{
		{"fresh", active, LoadState{}, 100},
		{"inactive", Definition{ID: "a"}, LoadState{}, 50},
		{"failure at threshold", active, LoadState{TotalMessages: 10, FailedMessages: 2}, 100},
		{"failure 60%", active, LoadState{TotalMessages: 10, FailedMessages: 6}, 85},
		{"all failed", active, LoadState{TotalMessages: 10, FailedMessages: 10}, 70},
		{"idle 36h", active, LoadState{LastUsedAt: now.Add(-36 * time.Hour)}, 90},
		{"idle a week", active, LoadState{LastUsedAt: now.Add(-7 * 24 * time.Hour)}, 80},
		{"overload 75", active, LoadState{ActiveConversations: 75}, 87.5},
		{"overload 500", active, LoadState{ActiveConversations: 500}, 75},
		{"everything", Definition{ID: "a"}, LoadState{
			TotalMessages: 1, FailedMessages: 1,
			LastUsedAt:          now.Add(-100 * time.Hour),
			ActiveConversations: 200,
		}, 0},
	}
	for _, tt := range tests {
		got := HealthScore(tt.def, tt.load, now)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: HealthScore = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHealthScoreMonotonicInFailures(t *testing.T) {
	def := Definition{ID: "a", Active: true}
	prev := math.Inf(1)
	for failed := 0; failed <= 100; failed++ {
		got := HealthScore(def, LoadState{TotalMessages: 100, FailedMessages: failed}, now)
		if got > prev {
			t.Fatalf("failed=%d: score rose from %v to %v", failed, prev, got)
		}
		if failed > 20 && got >= prev {
			t.Fatalf("failed=%d: score %v did not drop below %v", failed, got, prev)
		}
		prev = got
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Status
	}{
		{0, StatusCritical},
		{29.9, StatusCritical},
		{30, StatusWarning},
		{59.9, StatusWarning},
		{60, StatusDegraded},
		{79.9, StatusDegraded},
		{80, StatusHealthy},
		{100, StatusHealthy},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.score); got != tt.want {
			t.Errorf("StatusFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSelectionScore(t *testing.T) {
	def := Definition{ID: "a", Priority: 2}
	// no history: success rate 0, never used
	if got := SelectionScore(def, LoadState{}, now); math.Abs(got-20.6) > 1e-9 {
		t.Fatalf("fresh score = %v, want 20.6", got)
	}
	load := LoadState{ActiveConversations: 5, TotalMessages: 4, FailedMessages: 1, LastUsedAt: now.Add(-12 * time.Hour)}
	// 0.4*5 + 0.3*2 + 0.2*25 + 0.1*50
	if got := SelectionScore(def, load, now); math.Abs(got-12.6) > 1e-9 {
		t.Fatalf("score = %v, want 12.6", got)
	}
	if got := recencyPenalty(now.Add(-48*time.Hour), now); got != 0 {
		t.Fatalf("recency after 48h = %v", got)
	}
}
