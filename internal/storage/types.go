package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrClosed      = errors.New("storage closed")
	ErrNotReserved = errors.New("tag is not in reserved state")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Ledger      LedgerPolicy
}

// LedgerPolicy decides when a failed reservation may be reserved again.
//
// A failed tag blocks until RetryAfter has elapsed since the failure, and
// for good once Attempts reaches MaxAttempts. MaxAttempts <= 0 means no cap.
// A tag left in "reserved" (crash between reserve and confirm) blocks until
// an operator clears it.
type LedgerPolicy struct {
	RetryAfter  time.Duration
	MaxAttempts int
}

func (p LedgerPolicy) withDefaults() LedgerPolicy {
	if p.RetryAfter <= 0 {
		p.RetryAfter = 10 * time.Minute
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	return p
}

// AuditEntry records one dispatch lifecycle step.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	CycleID   string
	EntityKey string
	Kind      string
	ChannelID string
	Action    string
	OK        bool
	Error     string
	TookMS    int64
	MetaJSON  string
}
