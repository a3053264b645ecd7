package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"waitnotify/internal/calendar"
	"waitnotify/internal/eventbus"
	"waitnotify/internal/queue"
	"waitnotify/internal/storage"
	logx "waitnotify/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		raw  string
		next time.Time
	}{
		{"@every 30m", base.Add(30 * time.Minute)},
		{"55m", base.Add(55 * time.Minute)},
		{"02:30", base.Add(150 * time.Minute)},
		{"every:1h", base.Add(time.Hour)},
		{"0 3 * * *", time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC)},
		{"cron:@hourly", base.Add(time.Hour)},
	}
	for _, tc := range cases {
		sched, err := ParseSchedule(tc.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.raw, err)
		}
		if got := sched.Next(base); !got.Equal(tc.next) {
			t.Errorf("ParseSchedule(%q).Next = %s, want %s", tc.raw, got, tc.next)
		}
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, raw := range []string{"", "soon", "500ms", "01:75", "cron:", "61 * * * *"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", raw)
		}
	}
}

func TestRunOncePrunes(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	store := storage.NewMemory(storage.LedgerPolicy{})

	gone := queue.WaitingEntity{ID: "1", Name: "Ana", Phone: "5511999990001", WaitStartTime: t0}
	stay := queue.WaitingEntity{ID: "2", Name: "Bia", Phone: "5511999990002", WaitStartTime: t0}
	if _, err := store.ApplySnapshot(ctx, []queue.WaitingEntity{gone, stay}, t0); err != nil {
		t.Fatal(err)
	}
	for _, e := range []queue.WaitingEntity{gone, stay} {
		if ok, err := store.ReserveTag(ctx, e.IdentityKey(), queue.KindWait, t0); err != nil || !ok {
			t.Fatalf("ReserveTag: %v %v", ok, err)
		}
	}
	if _, err := store.ApplySnapshot(ctx, []queue.WaitingEntity{stay}, t0); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(1)
	defer unsub()

	now := t0.Add(8 * 24 * time.Hour)
	s := New(store, bus, calendar.Fixed(now), logx.Nop())
	res, err := s.RunWith(ctx, Options{HistoryRetention: 7 * 24 * time.Hour, TagRetention: 24 * time.Hour})
	if err != nil {
		t.Fatalf("RunWith: %v", err)
	}
	if res.History != 1 || res.Tags != 1 {
		t.Fatalf("result = %+v, want 1 history and 1 tag", res)
	}
	if tagged, _ := store.HasTag(ctx, stay.IdentityKey(), queue.KindWait, now); !tagged {
		t.Fatalf("active identity lost its tag")
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeHousekeeping {
			t.Fatalf("event type = %q", ev.Type)
		}
	default:
		t.Fatalf("no housekeeping event")
	}
}

func TestRunOnceZeroRetentionSkips(t *testing.T) {
	s := New(failingStore{}, nil, nil, logx.Nop())
	res, err := s.RunWith(context.Background(), Options{})
	if err != nil || res.History != 0 || res.Tags != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRunOnceJoinsErrors(t *testing.T) {
	s := New(failingStore{}, nil, nil, logx.Nop())
	_, err := s.RunWith(context.Background(), Options{HistoryRetention: time.Hour, TagRetention: time.Hour})
	if !errors.Is(err, errPrune) {
		t.Fatalf("err = %v, want errPrune", err)
	}
}

func TestStartStop(t *testing.T) {
	s := New(storage.NewMemory(storage.LedgerPolicy{}), nil, nil, logx.Nop())
	if err := s.Start(Options{Schedule: "bogus"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := s.Start(Options{Schedule: "@every 1h", HistoryRetention: time.Hour}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(Options{Schedule: "0 3 * * *"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

var errPrune = errors.New("prune failed")

type failingStore struct{}

func (failingStore) PruneHistory(context.Context, time.Time) (int, error) { return 0, errPrune }
func (failingStore) PruneTags(context.Context, time.Time) (int, error)    { return 0, errPrune }
