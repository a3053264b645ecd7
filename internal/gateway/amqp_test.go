package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"waitnotify/internal/channels"
	logx "waitnotify/pkg/logx"
)

func TestAMQPRedialsWithBackoff(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	dials := 0
	g := newAMQP(AMQPConfig{URL: "amqp://broker"}, logx.Nop(), func(string) (*amqp.Connection, error) {
		dials++
		return nil, errors.New("connection refused")
	})
	g.now = func() time.Time { return now }

	ctx := context.Background()
	def := channels.Definition{ID: "wa-1"}
	if g.TestConnectivity(ctx, def) || dials != 1 {
		t.Fatalf("first check: dials=%d", dials)
	}
	if g.TestConnectivity(ctx, def) || dials != 1 {
		t.Fatalf("redialed inside backoff: dials=%d", dials)
	}

	now = now.Add(time.Second)
	_, err := g.Send(ctx, def, Message{ID: "m1"})
	if !errors.Is(err, ErrClosed) || IsPermanent(err) || dials != 2 {
		t.Fatalf("Send after backoff: err=%v dials=%d", err, dials)
	}

	// backoff doubled to 2s
	now = now.Add(time.Second)
	g.TestConnectivity(ctx, def)
	if dials != 2 {
		t.Fatalf("redialed before doubled backoff: dials=%d", dials)
	}
	now = now.Add(time.Second)
	g.TestConnectivity(ctx, def)
	if dials != 3 {
		t.Fatalf("dials=%d, want 3", dials)
	}

	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if _, err := g.Send(ctx, def, Message{ID: "m2"}); !errors.Is(err, ErrClosed) || dials != 3 {
		t.Fatalf("closed gateway dialed: err=%v dials=%d", err, dials)
	}
}
