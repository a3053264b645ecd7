package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"
)

// Store is the persistence API used by the dispatch cycle.
type Store interface {
	// ActiveEntities returns the active partition in snapshot order.
	ActiveEntities(ctx context.Context) ([]queue.WaitingEntity, error)
	// ApplySnapshot diffs incoming against the active partition, replaces
	// the active partition and moves removed entities to history.
	ApplySnapshot(ctx context.Context, incoming []queue.WaitingEntity, now time.Time) (queue.Diff, error)
	// History returns the most recent processed records, newest first.
	History(ctx context.Context, limit int) ([]queue.ProcessedEntity, error)

	HasTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error)
	Tags(ctx context.Context, key string) ([]queue.Reservation, error)
	// ReserveTag writes kind in "reserved" state unless a blocking tag
	// exists. It returns false without mutation when the tag is held. The
	// write is durable when ReserveTag returns.
	ReserveTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error)
	// ConfirmTag moves a reserved tag to "sent" or "failed".
	ConfirmTag(ctx context.Context, key string, kind queue.MessageKind, success bool, now time.Time) error
	ClearTag(ctx context.Context, key string, kind queue.MessageKind) error

	PruneHistory(ctx context.Context, before time.Time) (int, error)
	// PruneTags deletes tags last updated before the cutoff whose identity
	// is no longer active.
	PruneTags(ctx context.Context, before time.Time) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite;
// memory keeps no state across restarts.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Ledger = cfg.Ledger.withDefaults()

	switch driver {
	case "memory":
		return NewMemory(cfg.Ledger), nil
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
