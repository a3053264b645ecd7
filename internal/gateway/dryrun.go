package gateway

import (
	"context"
	"sync"

	"waitnotify/internal/channels"
	logx "waitnotify/pkg/logx"
)

// DryRun logs messages instead of sending them.
type DryRun struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Send(ctx context.Context, ch channels.Definition, msg Message) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
	d.log.Info("dry-run send",
		logx.String("channel", ch.ID),
		logx.String("kind", string(msg.Kind)),
		logx.String("entity", msg.EntityKey),
		logx.String("template", msg.TemplateID),
	)
	return Outcome{Success: true, ProviderID: msg.ID, ProviderResponse: "dry-run"}, nil
}

func (d *DryRun) TestConnectivity(context.Context, channels.Definition) bool { return true }

// Sent returns the messages accepted so far.
func (d *DryRun) Sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.sent...)
}

func (d *DryRun) Close() error { return nil }
