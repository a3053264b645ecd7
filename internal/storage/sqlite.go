package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	policy LedgerPolicy
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st, err := openSQLiteFile(cfg, log)
	if err == nil {
		return st, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}

	// Unreadable database: move it aside and start from an empty state.
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	log.Warn("sqlite database unreadable, reinitializing",
		logx.String("path", path), logx.String("moved_to", aside), logx.Err(err))
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("%w (move aside: %v)", err, rerr)
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	return openSQLiteFile(cfg, log)
}

func openSQLiteFile(cfg Config, log logx.Logger) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes ReserveTag.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, policy: cfg.Ledger.withDefaults()}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// Reservations must survive a crash right after ReserveTag returns.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ActiveEntities(ctx context.Context) ([]queue.WaitingEntity, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	out, _, err := loadActive(ctx, s.db)
	if errors.Is(err, errCorruptPartition) {
		s.log.Warn("active partition corrupt, resetting", logx.Err(err))
		if _, rerr := s.db.ExecContext(ctx, `DELETE FROM active_entities`); rerr != nil {
			return nil, rerr
		}
		return nil, nil
	}
	return out, err
}

var errCorruptPartition = errors.New("corrupt active partition")

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadActive(ctx context.Context, q querier) ([]queue.WaitingEntity, map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT identity_key, payload, first_seen FROM active_entities ORDER BY position`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []queue.WaitingEntity
	firstSeen := map[string]int64{}
	for rows.Next() {
		var key, payload string
		var fs int64
		if err := rows.Scan(&key, &payload, &fs); err != nil {
			return nil, nil, err
		}
		var e queue.WaitingEntity
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", errCorruptPartition, key, err)
		}
		out = append(out, e)
		firstSeen[key] = fs
	}
	return out, firstSeen, rows.Err()
}

func (s *sqliteStore) ApplySnapshot(ctx context.Context, incoming []queue.WaitingEntity, now time.Time) (queue.Diff, error) {
	if s == nil || s.db == nil {
		return queue.Diff{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Diff{}, err
	}
	defer func() { _ = tx.Rollback() }()

	previous, firstSeen, err := loadActive(ctx, tx)
	if errors.Is(err, errCorruptPartition) {
		s.log.Warn("active partition corrupt, resetting", logx.Err(err))
		previous, firstSeen = nil, map[string]int64{}
	} else if err != nil {
		return queue.Diff{}, err
	}

	d := queue.SnapshotDiff(previous, incoming)
	nowMS := now.UnixMilli()

	for _, e := range d.Removed {
		k := e.IdentityKey()
		payload, err := json.Marshal(e)
		if err != nil {
			return queue.Diff{}, err
		}
		fs, ok := firstSeen[k]
		if !ok {
			fs = nowMS
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processed_entities(identity_key, payload, first_seen, processed_at) VALUES(?,?,?,?)`,
			k, string(payload), fs, nowMS,
		); err != nil {
			return queue.Diff{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_entities`); err != nil {
		return queue.Diff{}, err
	}
	for i, e := range queue.Dedupe(incoming) {
		k := e.IdentityKey()
		payload, err := json.Marshal(e)
		if err != nil {
			return queue.Diff{}, err
		}
		fs, ok := firstSeen[k]
		if !ok {
			fs = nowMS
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO active_entities(identity_key, position, payload, first_seen, updated_at) VALUES(?,?,?,?,?)`,
			k, i, string(payload), fs, nowMS,
		); err != nil {
			return queue.Diff{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return queue.Diff{}, err
	}
	return d, nil
}

func (s *sqliteStore) History(ctx context.Context, limit int) ([]queue.ProcessedEntity, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity_key, payload, first_seen, processed_at FROM processed_entities ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.ProcessedEntity
	for rows.Next() {
		var key, payload string
		var fs, pa int64
		if err := rows.Scan(&key, &payload, &fs, &pa); err != nil {
			return nil, err
		}
		var e queue.WaitingEntity
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			s.log.Debug("skip corrupt history row", logx.String("key", key), logx.Err(err))
			continue
		}
		out = append(out, queue.ProcessedEntity{
			Key:         key,
			Entity:      e,
			FirstSeenAt: time.UnixMilli(fs),
			ProcessedAt: time.UnixMilli(pa),
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var r queue.Reservation
	var status string
	var retry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts, retry_after FROM reservations WHERE identity_key = ? AND kind = ?`,
		key, string(kind),
	).Scan(&status, &r.Attempts, &retry)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.Status = queue.ReservationStatus(status)
	r.RetryAfter = time.UnixMilli(retry)
	return r.Blocks(now, s.policy.MaxAttempts), nil
}

func (s *sqliteStore) Tags(ctx context.Context, key string) ([]queue.Reservation, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status, attempts, created_at, updated_at, retry_after FROM reservations WHERE identity_key = ? ORDER BY kind`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Reservation
	for rows.Next() {
		var kind, status string
		var attempts int
		var created, updated, retry int64
		if err := rows.Scan(&kind, &status, &attempts, &created, &updated, &retry); err != nil {
			return nil, err
		}
		r := queue.Reservation{
			Key:       key,
			Kind:      queue.MessageKind(kind),
			Status:    queue.ReservationStatus(status),
			Attempts:  attempts,
			CreatedAt: time.UnixMilli(created),
			UpdatedAt: time.UnixMilli(updated),
		}
		if retry > 0 {
			r.RetryAfter = time.UnixMilli(retry)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReserveTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	maxAttempts := s.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	nowMS := now.UnixMilli()
	// Only a failed tag whose retry window passed may be taken over.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations(identity_key, kind, status, attempts, created_at, updated_at, retry_after)
		 VALUES(?,?,'reserved',1,?,?,0)
		 ON CONFLICT(identity_key, kind) DO UPDATE SET
		   status = 'reserved',
		   attempts = reservations.attempts + 1,
		   updated_at = excluded.updated_at,
		   retry_after = 0
		 WHERE reservations.status = 'failed'
		   AND reservations.retry_after <= ?
		   AND reservations.attempts < ?`,
		key, string(kind), nowMS, nowMS, nowMS, maxAttempts,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ConfirmTag(ctx context.Context, key string, kind queue.MessageKind, success bool, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	nowMS := now.UnixMilli()
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reservations SET status = 'sent', updated_at = ?
			 WHERE identity_key = ? AND kind = ? AND status = 'reserved'`,
			nowMS, key, string(kind))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reservations SET status = 'failed', updated_at = ?, retry_after = ?
			 WHERE identity_key = ? AND kind = ? AND status = 'reserved'`,
			nowMS, now.Add(s.policy.RetryAfter).UnixMilli(), key, string(kind))
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *sqliteStore) ClearTag(ctx context.Context, key string, kind queue.MessageKind) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE identity_key = ? AND kind = ?`, key, string(kind))
	return err
}

func (s *sqliteStore) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_entities WHERE processed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PruneTags(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reservations
		 WHERE updated_at < ?
		   AND identity_key NOT IN (SELECT identity_key FROM active_entities)`,
		before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, cycle_id, entity_key, kind, channel_id, action, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.CycleID), nullStr(e.EntityKey), nullStr(e.Kind),
		nullStr(e.ChannelID), e.Action, e.OK, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
