package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"waitnotify/internal/queue"
)

const memoryAuditCap = 1000

// Memory is a process-local Store. State is lost on restart.
type Memory struct {
	policy LedgerPolicy

	mu        sync.Mutex
	closed    bool
	active    []queue.WaitingEntity
	firstSeen map[string]time.Time
	history   []queue.ProcessedEntity
	tags      map[string]map[queue.MessageKind]queue.Reservation
	audit     []AuditEntry
}

func NewMemory(policy LedgerPolicy) *Memory {
	return &Memory{
		policy:    policy.withDefaults(),
		firstSeen: map[string]time.Time{},
		tags:      map[string]map[queue.MessageKind]queue.Reservation{},
	}
}

func (m *Memory) ActiveEntities(ctx context.Context) ([]queue.WaitingEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]queue.WaitingEntity(nil), m.active...), nil
}

func (m *Memory) ApplySnapshot(ctx context.Context, incoming []queue.WaitingEntity, now time.Time) (queue.Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return queue.Diff{}, ErrClosed
	}

	d := queue.SnapshotDiff(m.active, incoming)
	for _, e := range d.Removed {
		k := e.IdentityKey()
		m.history = append(m.history, queue.ProcessedEntity{
			Key:         k,
			Entity:      e,
			FirstSeenAt: m.firstSeen[k],
			ProcessedAt: now,
		})
		delete(m.firstSeen, k)
	}
	for _, e := range d.New {
		m.firstSeen[e.IdentityKey()] = now
	}
	m.active = queue.Dedupe(incoming)
	return d, nil
}

func (m *Memory) History(ctx context.Context, limit int) ([]queue.ProcessedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]queue.ProcessedEntity, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

func (m *Memory) HasTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	r, ok := m.tags[key][kind]
	return ok && r.Blocks(now, m.policy.MaxAttempts), nil
}

func (m *Memory) Tags(ctx context.Context, key string) ([]queue.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]queue.Reservation, 0, len(m.tags[key]))
	for _, r := range m.tags[key] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (m *Memory) ReserveTag(ctx context.Context, key string, kind queue.MessageKind, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	byKind := m.tags[key]
	if byKind == nil {
		byKind = map[queue.MessageKind]queue.Reservation{}
		m.tags[key] = byKind
	}
	r, ok := byKind[kind]
	if ok && r.Blocks(now, m.policy.MaxAttempts) {
		return false, nil
	}
	if !ok {
		r = queue.Reservation{Key: key, Kind: kind, CreatedAt: now}
	}
	r.Status = queue.StatusReserved
	r.Attempts++
	r.UpdatedAt = now
	r.RetryAfter = time.Time{}
	byKind[kind] = r
	return true, nil
}

func (m *Memory) ConfirmTag(ctx context.Context, key string, kind queue.MessageKind, success bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r, ok := m.tags[key][kind]
	if !ok || r.Status != queue.StatusReserved {
		return ErrNotReserved
	}
	r.UpdatedAt = now
	if success {
		r.Status = queue.StatusSent
	} else {
		r.Status = queue.StatusFailed
		r.RetryAfter = now.Add(m.policy.RetryAfter)
	}
	m.tags[key][kind] = r
	return nil
}

func (m *Memory) ClearTag(ctx context.Context, key string, kind queue.MessageKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.tags[key], kind)
	if len(m.tags[key]) == 0 {
		delete(m.tags, key)
	}
	return nil
}

func (m *Memory) PruneHistory(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	kept := m.history[:0]
	for _, p := range m.history {
		if p.ProcessedAt.Before(before) {
			continue
		}
		kept = append(kept, p)
	}
	n := len(m.history) - len(kept)
	m.history = kept
	return n, nil
}

func (m *Memory) PruneTags(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	live := make(map[string]struct{}, len(m.active))
	for _, e := range m.active {
		live[e.IdentityKey()] = struct{}{}
	}
	n := 0
	for key, byKind := range m.tags {
		if _, ok := live[key]; ok {
			continue
		}
		for kind, r := range byKind {
			if r.UpdatedAt.Before(before) {
				delete(byKind, kind)
				n++
			}
		}
		if len(byKind) == 0 {
			delete(m.tags, key)
		}
	}
	return n, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditCap {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-memoryAuditCap:]...)
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
