package channels

import (
	"errors"
	"time"
)

var ErrNoChannel = errors.New("no channel available")

// Definition describes one outbound channel.
type Definition struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name"`
	Priority       int      `json:"priority"` // lower is preferred
	Active         bool     `json:"active"`
	DepartmentTags []string `json:"department_tags,omitempty"`
	// Credential is opaque to the balancer and handed to the gateway.
	Credential string `json:"-"`
}

func (d Definition) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// LoadState holds live counters for a channel.
type LoadState struct {
	ActiveConversations int       `json:"active_conversations"`
	TotalMessages       int       `json:"total_messages"`
	FailedMessages      int       `json:"failed_messages"`
	LastUsedAt          time.Time `json:"last_used_at,omitempty"`
}

// SuccessRate returns the delivery success percentage, 0 without history.
func (l LoadState) SuccessRate() float64 {
	if l.TotalMessages <= 0 {
		return 0
	}
	return 100 * float64(l.TotalMessages-l.FailedMessages) / float64(l.TotalMessages)
}

// FailureRate returns the failed percentage, 0 without history.
func (l LoadState) FailureRate() float64 {
	if l.TotalMessages <= 0 {
		return 0
	}
	return 100 * float64(l.FailedMessages) / float64(l.TotalMessages)
}

// Conversation pins a phone number to a channel.
type Conversation struct {
	Phone         string    `json:"phone"`
	ChannelID     string    `json:"channel_id"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
}

// Status is the health band of a channel.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// View is a point-in-time report of one channel.
type View struct {
	Definition
	Load   LoadState `json:"load"`
	Score  float64   `json:"score"`
	Health float64   `json:"health"`
	Status Status    `json:"status"`
}
