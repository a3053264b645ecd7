package channels

import (
	"strings"
	"sync"
)

// Registry holds channel definitions in declaration order together with
// their load counters. Counters survive Apply for channels that remain.
type Registry struct {
	mu   sync.RWMutex
	defs []Definition
	load map[string]*LoadState
}

func NewRegistry(defs []Definition) *Registry {
	r := &Registry{load: map[string]*LoadState{}}
	r.Apply(defs)
	return r
}

// Apply replaces the definitions and returns the ids that were removed.
// Entries with an empty or duplicate id are ignored.
func (r *Registry) Apply(defs []Definition) (removed []string) {
	clean := make([]Definition, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		d.DepartmentTags = append([]string(nil), d.DepartmentTags...)
		clean = append(clean, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.load {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
			delete(r.load, id)
		}
	}
	for _, d := range clean {
		if r.load[d.ID] == nil {
			r.load[d.ID] = &LoadState{}
		}
	}
	r.defs = clean
	return removed
}

func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// All returns every definition in declaration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Definition(nil), r.defs...)
}

// Active returns active definitions in declaration order.
func (r *Registry) Active() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

// Load returns a copy of the counters for id.
func (r *Registry) Load(id string) LoadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l := r.load[id]; l != nil {
		return *l
	}
	return LoadState{}
}

func (r *Registry) update(id string, fn func(*LoadState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.load[id]; l != nil {
		fn(l)
	}
}

func hasTag(tags []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), v) {
			return true
		}
	}
	return false
}
