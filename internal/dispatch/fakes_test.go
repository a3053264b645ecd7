package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"waitnotify/internal/channels"
	"waitnotify/internal/gateway"
	"waitnotify/internal/queue"
	"waitnotify/internal/storage"
)

var brt = time.FixedZone("BRT", -3*3600)

type fakeSource struct {
	mu       sync.Mutex
	entities []queue.WaitingEntity
	err      error
}

func (s *fakeSource) set(es ...queue.WaitingEntity) {
	s.mu.Lock()
	s.entities = es
	s.mu.Unlock()
}

func (s *fakeSource) ListWaitingEntities(context.Context) ([]queue.WaitingEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]queue.WaitingEntity(nil), s.entities...), nil
}

type sendCall struct {
	channel string
	msg     gateway.Message
}

type fakeGateway struct {
	mu      sync.Mutex
	fail    map[string]error // channel -> error
	offline map[string]bool
	panics  map[string]bool // recipient phone -> panic inside Send
	calls   []sendCall
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fail: map[string]error{}, offline: map[string]bool{}, panics: map[string]bool{}}
}

func (g *fakeGateway) Send(ctx context.Context, ch channels.Definition, msg gateway.Message) (gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panics[msg.Recipient.Phone] {
		panic("gateway exploded for " + msg.Recipient.Phone)
	}
	g.calls = append(g.calls, sendCall{channel: ch.ID, msg: msg})
	if err := g.fail[ch.ID]; err != nil {
		return gateway.Outcome{}, err
	}
	return gateway.Outcome{Success: true, ProviderID: "p-" + msg.ID}, nil
}

func (g *fakeGateway) TestConnectivity(_ context.Context, ch channels.Definition) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.offline[ch.ID]
}

func (g *fakeGateway) Close() error { return nil }

func (g *fakeGateway) sent() []sendCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sendCall(nil), g.calls...)
}

// brokenStore fails every reservation.
type brokenStore struct {
	storage.Store
}

func (brokenStore) ReserveTag(context.Context, string, queue.MessageKind, time.Time) (bool, error) {
	return false, errors.New("disk full")
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
