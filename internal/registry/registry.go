package registry

import (
	"sort"
	"strings"
	"sync"

	"servidor/internal/method"
)

// Registry holds the current Mapping. Replace swaps it wholesale; readers
// never observe a partially built mapping.
type Registry struct {
	mu      sync.RWMutex
	mapping Mapping
	version uint64

	subMu sync.Mutex
	subs  []chan struct{}
}

func New() *Registry {
	return &Registry{mapping: Mapping{}}
}

// Replace installs m and notifies subscribers (coalesced, non-blocking).
func (r *Registry) Replace(m Mapping) {
	if m == nil {
		m = Mapping{}
	}
	r.mu.Lock()
	r.mapping = m
	r.version++
	r.mu.Unlock()

	r.subMu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.subMu.Unlock()
}

// Changes returns a channel that receives a signal after each Replace.
// Bursts collapse into one pending signal.
func (r *Registry) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mapping)
}

// Snapshot returns a copy of the current mapping.
func (r *Registry) Snapshot() Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Mapping, len(r.mapping))
	for k, v := range r.mapping {
		out[k] = v
	}
	return out
}

func (r *Registry) Get(key string) (method.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.mapping[key]
	return info, ok
}

// Lookup resolves a user-supplied token in three tiers:
//  1. exact normalized key
//  2. case-insensitive display name
//  3. case-insensitive display-name prefix
//
// Ties within a tier go to the lexicographically smallest key.
func (r *Registry) Lookup(token string) (method.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mapping.Lookup(token)
}

func (m Mapping) Lookup(token string) (method.Info, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return method.Info{}, false
	}
	if info, ok := m[method.Normalize(token)]; ok {
		return info, true
	}

	folded := method.Fold(token)
	var exact, prefix []string
	for k, info := range m {
		name := method.Fold(info.Name)
		switch {
		case name == folded:
			exact = append(exact, k)
		case strings.HasPrefix(name, folded):
			prefix = append(prefix, k)
		}
	}
	for _, cands := range [][]string{exact, prefix} {
		if len(cands) > 0 {
			sort.Strings(cands)
			return m[cands[0]], true
		}
	}
	return method.Info{}, false
}
