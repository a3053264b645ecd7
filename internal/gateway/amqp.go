package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"waitnotify/internal/channels"
	logx "waitnotify/pkg/logx"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the AMQP driver.
type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingPrefix is joined with the channel id: "<prefix>.<channel>".
	RoutingPrefix string
}

const (
	redialBase = time.Second
	redialMax  = time.Minute
)

// AMQPGateway hands messages to a broker; a worker on the other side talks
// to the vendor. Publishing waits for the broker confirm. A lost connection
// is re-dialed on demand, no more often than the current backoff allows.
type AMQPGateway struct {
	cfg  AMQPConfig
	log  logx.Logger
	dial func(url string) (*amqp.Connection, error)
	now  func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	closed   bool
	backoff  time.Duration
	nextDial time.Time
}

type envelope struct {
	ChannelID string    `json:"channel_id"`
	Message   Message   `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQPGateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: amqp url is empty", ErrNotConfigured)
	}
	g := newAMQP(cfg, log, amqp.Dial)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.connectLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

func newAMQP(cfg AMQPConfig, log logx.Logger, dial func(string) (*amqp.Connection, error)) *AMQPGateway {
	if cfg.Exchange == "" {
		cfg.Exchange = "waitnotify.outbound"
	}
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = "message"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQPGateway{cfg: cfg, log: log, dial: dial, now: time.Now}
}

func (g *AMQPGateway) connectLocked() error {
	conn, err := g.dial(g.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(g.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return err
	}
	g.conn, g.ch = conn, ch
	return nil
}

// ensureConnLocked re-dials a closed connection, respecting the backoff
// left by earlier failures.
func (g *AMQPGateway) ensureConnLocked() error {
	if g.closed {
		return ErrClosed
	}
	if g.conn != nil && !g.conn.IsClosed() {
		return nil
	}
	now := g.now()
	if now.Before(g.nextDial) {
		return fmt.Errorf("%w: broker reconnect in %s", ErrClosed, g.nextDial.Sub(now).Round(time.Millisecond))
	}
	g.conn, g.ch = nil, nil
	if err := g.connectLocked(); err != nil {
		g.backoff = min(max(2*g.backoff, redialBase), redialMax)
		g.nextDial = now.Add(g.backoff)
		g.log.Warn("broker dial failed", logx.Duration("retry_in", g.backoff), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if g.backoff > 0 {
		g.log.Info("broker reconnected")
	}
	g.backoff, g.nextDial = 0, time.Time{}
	return nil
}

func (g *AMQPGateway) channel() (*amqp.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ensureConnLocked(); err != nil {
		return nil, err
	}
	if g.ch != nil {
		return g.ch, nil
	}
	ch, err := g.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	g.ch = ch
	return ch, nil
}

func (g *AMQPGateway) dropChannel(ch *amqp.Channel) {
	g.mu.Lock()
	if g.ch == ch {
		g.ch = nil
	}
	g.mu.Unlock()
	_ = ch.Close()
}

func (g *AMQPGateway) Send(ctx context.Context, def channels.Definition, msg Message) (Outcome, error) {
	body, err := json.Marshal(envelope{ChannelID: def.ID, Message: msg, SentAt: time.Now()})
	if err != nil {
		return Outcome{}, Permanent(err)
	}
	ch, err := g.channel()
	if err != nil {
		return Outcome{}, err
	}

	key := g.cfg.RoutingPrefix + "." + def.ID
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, g.cfg.Exchange, key, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.ID,
			CorrelationId: msg.EntityKey,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		g.dropChannel(ch)
		return Outcome{}, fmt.Errorf("publish %s: %w", key, err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("publish %s: %w", key, err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("publish %s: broker nack", key)
	}
	g.log.Debug("published", logx.String("key", key), logx.String("exchange", g.cfg.Exchange))
	return Outcome{Success: true, ProviderID: msg.ID, ProviderResponse: "queued"}, nil
}

// TestConnectivity reports whether the broker connection is open,
// re-dialing when allowed. The channel itself is served by the downstream
// worker.
func (g *AMQPGateway) TestConnectivity(_ context.Context, _ channels.Definition) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureConnLocked() == nil
}

func (g *AMQPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn, g.ch = nil, nil
	return err
}
