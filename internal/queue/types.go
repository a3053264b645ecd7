package queue

import (
	"strings"
	"time"
	"unicode"
)

// MessageKind names a message that may be sent at most once per entity.
type MessageKind string

const (
	KindWait     MessageKind = "wait"
	KindEndOfDay MessageKind = "end_of_day"
)

const identitySep = "|"

// Kinds lists the message kinds in dispatch order.
var Kinds = []MessageKind{KindWait, KindEndOfDay}

func (k MessageKind) Valid() bool {
	return k == KindWait || k == KindEndOfDay
}

// WaitingEntity is a person currently waiting in a tracked queue.
//
// ID is the upstream identifier and may be reassigned between polls; use
// IdentityKey for dedup.
type WaitingEntity struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	SectorID      string    `json:"sector_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	ChannelType   string    `json:"channel_type,omitempty"`
	WaitStartTime time.Time `json:"wait_start_time"`
}

// IdentityKey returns the normalized (name, phone, sector) tuple.
func (e WaitingEntity) IdentityKey() string {
	return NormalizeName(e.Name) + identitySep + NormalizePhone(e.Phone) + identitySep + strings.ToLower(strings.TrimSpace(e.SectorID))
}

// WaitMinutes returns whole minutes waited at now. ok is false when the
// wait start is unknown or in the future.
func (e WaitingEntity) WaitMinutes(now time.Time) (int, bool) {
	if e.WaitStartTime.IsZero() {
		return 0, false
	}
	d := now.Sub(e.WaitStartTime)
	if d < 0 {
		return 0, false
	}
	return int(d / time.Minute), true
}

// NormalizeName lowercases and collapses whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizePhone keeps digits only.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ProcessedEntity is the terminal record of an entity that left the queue.
type ProcessedEntity struct {
	Key         string        `json:"key"`
	Entity      WaitingEntity `json:"entity"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// ReservationStatus is the state of a message-kind tag.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "reserved"
	StatusSent     ReservationStatus = "sent"
	StatusFailed   ReservationStatus = "failed"
)

// Reservation is one entry of the per-entity tag ledger.
type Reservation struct {
	Key        string            `json:"key"`
	Kind       MessageKind       `json:"kind"`
	Status     ReservationStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	RetryAfter time.Time         `json:"retry_after,omitempty"`
}

// Blocks reports whether the reservation prevents another dispatch of the
// same kind at now. Reserved and sent always block; failed blocks until the
// retry window passes or the attempt budget is spent.
func (r Reservation) Blocks(now time.Time, maxAttempts int) bool {
	switch r.Status {
	case StatusReserved, StatusSent:
		return true
	case StatusFailed:
		if maxAttempts > 0 && r.Attempts >= maxAttempts {
			return true
		}
		return now.Before(r.RetryAfter)
	default:
		return false
	}
}
