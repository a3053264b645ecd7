// Package gateway delivers rendered messages through an outbound channel.
//
// The vendor wire protocol stays behind the Gateway interface; drivers:
//   - http: JSON over HTTP (resty)
//   - amqp: publishes an envelope to a RabbitMQ exchange
//   - dryrun: logs and succeeds
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waitnotify/internal/channels"
	"waitnotify/internal/queue"
)

var (
	ErrNotConfigured = errors.New("gateway not configured")
	ErrClosed        = errors.New("gateway closed")
)

// Recipient is the addressee of a message.
type Recipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Message is one outbound notification.
type Message struct {
	ID         string            `json:"id"`
	Kind       queue.MessageKind `json:"kind"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
	Recipient  Recipient         `json:"recipient"`
	EntityKey  string            `json:"entity_key"`
	SectorID   string            `json:"sector_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Outcome is the provider's answer to a successful Send.
type Outcome struct {
	Success          bool   `json:"success"`
	ProviderID       string `json:"provider_id,omitempty"`
	ProviderResponse string `json:"provider_response,omitempty"`
}

// Gateway sends messages through a channel.
//
// Send returns a non-nil error when the message was not accepted. Errors
// wrapped with Permanent must not be retried on another channel.
type Gateway interface {
	Send(ctx context.Context, ch channels.Definition, msg Message) (Outcome, error)
	TestConnectivity(ctx context.Context, ch channels.Definition) bool
	Close() error
}

// Permanent marks err as a failure another channel would not fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
