package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"waitnotify/internal/queue"
	logx "waitnotify/pkg/logx"
)

const (
	DefaultConversationTTL     = 2 * time.Hour
	DefaultMaxFallbackAttempts = 3
)

// Options tunes the balancer.
type Options struct {
	// ConversationTTL evicts sticky routes idle for longer than this.
	ConversationTTL time.Duration
	// MaxFallbackAttempts bounds connectivity checks per SelectFallback.
	MaxFallbackAttempts int
}

func (o Options) withDefaults() Options {
	if o.ConversationTTL <= 0 {
		o.ConversationTTL = DefaultConversationTTL
	}
	if o.MaxFallbackAttempts <= 0 {
		o.MaxFallbackAttempts = DefaultMaxFallbackAttempts
	}
	return o
}

// Verifier checks that a fallback channel can accept traffic.
type Verifier func(ctx context.Context, def Definition) bool

// Balancer selects channels and tracks outcomes.
//
// It is safe for concurrent use; mutation is expected from the dispatch
// cycle only.
type Balancer struct {
	reg *Registry
	log logx.Logger

	mu    sync.Mutex
	opt   Options
	convs map[string]*Conversation // normalized phone -> context
}

func NewBalancer(reg *Registry, opt Options, log logx.Logger) *Balancer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry(nil)
	}
	return &Balancer{
		reg:   reg,
		log:   log,
		opt:   opt.withDefaults(),
		convs: map[string]*Conversation{},
	}
}

func (b *Balancer) Registry() *Registry { return b.reg }

// SetOptions applies new tuning values.
func (b *Balancer) SetOptions(opt Options) {
	b.mu.Lock()
	b.opt = opt.withDefaults()
	b.mu.Unlock()
}

// Apply reloads channel definitions and drops sticky routes that point at
// removed or deactivated channels.
func (b *Balancer) Apply(defs []Definition) {
	removed := b.reg.Apply(defs)
	b.mu.Lock()
	defer b.mu.Unlock()
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
	}
	for phone, c := range b.convs {
		if _, ok := gone[c.ChannelID]; ok {
			delete(b.convs, phone)
			continue
		}
		if d, ok := b.reg.Get(c.ChannelID); !ok || !d.Active {
			delete(b.convs, phone)
		}
	}
	if len(removed) > 0 {
		b.log.Info("channels removed", logx.Strings("ids", removed))
	}
}

// SelectChannel picks the channel for e.
func (b *Balancer) SelectChannel(e queue.WaitingEntity, now time.Time) (Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if phone := queue.NormalizePhone(e.Phone); phone != "" {
		if c := b.convs[phone]; c != nil && !b.expiredLocked(c, now) {
			if d, ok := b.reg.Get(c.ChannelID); ok && d.Active {
				return d, nil
			}
		}
	}

	active := b.reg.Active()
	if len(active) == 0 {
		return Definition{}, ErrNoChannel
	}
	candidates := make([]Definition, 0, len(active))
	for _, d := range active {
		if hasTag(d.DepartmentTags, e.SectorID) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		candidates = active
	}
	return b.lowestLocked(candidates, now), nil
}

// SelectFallback picks a healthy or degraded channel outside exclude. A
// candidate that fails verify is excluded and the next one is tried, up to
// MaxFallbackAttempts checks.
func (b *Balancer) SelectFallback(ctx context.Context, exclude []string, verify Verifier, now time.Time) (Definition, error) {
	b.mu.Lock()
	attempts := b.opt.MaxFallbackAttempts
	b.mu.Unlock()

	skip := make(map[string]struct{}, len(exclude)+attempts)
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Definition{}, err
		}
		b.mu.Lock()
		var candidates []Definition
		for _, d := range b.reg.Active() {
			if _, ok := skip[d.ID]; ok {
				continue
			}
			if !StatusFor(HealthScore(d, b.loadLocked(d.ID), now)).Usable() {
				continue
			}
			candidates = append(candidates, d)
		}
		if len(candidates) == 0 {
			b.mu.Unlock()
			return Definition{}, ErrNoChannel
		}
		pick := b.lowestLocked(candidates, now)
		b.mu.Unlock()

		if verify == nil || verify(ctx, pick) {
			return pick, nil
		}
		b.log.Warn("fallback channel failed connectivity check", logx.String("channel", pick.ID))
		skip[pick.ID] = struct{}{}
	}
	return Definition{}, fmt.Errorf("%w: %d fallback attempts exhausted", ErrNoChannel, attempts)
}

// RecordOutcome updates counters for channelID. A successful dispatch pins
// phone to the channel.
func (b *Balancer) RecordOutcome(phone, channelID string, success bool, now time.Time) {
	b.reg.update(channelID, func(l *LoadState) {
		l.TotalMessages++
		if !success {
			l.FailedMessages++
		}
		l.LastUsedAt = now
	})
	if !success {
		return
	}
	phone = queue.NormalizePhone(phone)
	if phone == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.convs[phone]
	if c == nil || c.ChannelID != channelID || b.expiredLocked(c, now) {
		c = &Conversation{Phone: phone, ChannelID: channelID, StartedAt: now}
		b.convs[phone] = c
	}
	c.LastMessageAt = now
	c.MessageCount++
}

// Conversation returns the sticky route for phone.
func (b *Balancer) Conversation(phone string) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.convs[queue.NormalizePhone(phone)]
	if c == nil {
		return Conversation{}, false
	}
	return *c, true
}

// EvictConversations drops sticky routes idle beyond the TTL.
func (b *Balancer) EvictConversations(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for phone, c := range b.convs {
		if b.expiredLocked(c, now) {
			delete(b.convs, phone)
			n++
		}
	}
	return n
}

// Snapshot reports every channel in declaration order.
func (b *Balancer) Snapshot(now time.Time) []View {
	b.mu.Lock()
	defer b.mu.Unlock()
	defs := b.reg.All()
	out := make([]View, 0, len(defs))
	for _, d := range defs {
		l := b.loadLocked(d.ID)
		h := HealthScore(d, l, now)
		out = append(out, View{
			Definition: d,
			Load:       l,
			Score:      SelectionScore(d, l, now),
			Health:     h,
			Status:     StatusFor(h),
		})
	}
	return out
}

// loadLocked returns counters with ActiveConversations derived from the
// sticky routes currently pinned to id.
func (b *Balancer) loadLocked(id string) LoadState {
	l := b.reg.Load(id)
	n := 0
	for _, c := range b.convs {
		if c.ChannelID == id {
			n++
		}
	}
	l.ActiveConversations = n
	return l
}

func (b *Balancer) lowestLocked(candidates []Definition, now time.Time) Definition {
	best := candidates[0]
	bestScore := SelectionScore(best, b.loadLocked(best.ID), now)
	for _, d := range candidates[1:] {
		if s := SelectionScore(d, b.loadLocked(d.ID), now); s < bestScore {
			best, bestScore = d, s
		}
	}
	return best
}

func (b *Balancer) expiredLocked(c *Conversation, now time.Time) bool {
	return now.Sub(c.LastMessageAt) > b.opt.ConversationTTL
}
