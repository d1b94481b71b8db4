// Package registry indexes live connections by subscription key.
//
// Every implementation keeps two views in step: key → connections for
// fanout, and connection → keys for teardown on disconnect. A key with no
// connections is removed, never kept as an empty set.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Store is the subscription index used by the gateway.
type Store interface {
	// Subscribe adds connID to key. It reports whether the pair is new.
	Subscribe(ctx context.Context, connID, key string) (bool, error)
	// UnsubscribeAll removes connID from every key and returns those keys.
	UnsubscribeAll(ctx context.Context, connID string) ([]string, error)
	// SubscribersOf returns the connections subscribed to key; empty for an
	// unknown key.
	SubscribersOf(ctx context.Context, key string) ([]string, error)
	// Keys returns every key with at least one subscriber.
	Keys(ctx context.Context) ([]string, error)
}

// Registry is the in-process Store. One mutex guards both views, so each
// operation is atomic with respect to the others.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

var _ Store = (*Registry)(nil)

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byKey:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Subscribe(_ context.Context, connID, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byKey[key]
	if !ok {
		conns = make(map[string]struct{})
		r.byKey[key] = conns
	}
	if _, dup := conns[connID]; dup {
		return false, nil
	}
	conns[connID] = struct{}{}

	keys, ok := r.byConn[connID]
	if !ok {
		keys = make(map[string]struct{})
		r.byConn[connID] = keys
	}
	keys[key] = struct{}{}
	return true, nil
}

func (r *Registry) UnsubscribeAll(_ context.Context, connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.byConn[connID]
	removed := make([]string, 0, len(keys))
	for key := range keys {
		if conns, ok := r.byKey[key]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byKey, key)
			}
		}
		removed = append(removed, key)
	}
	delete(r.byConn, connID)
	sort.Strings(removed)
	return removed, nil
}

func (r *Registry) SubscribersOf(_ context.Context, key string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byKey[key]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) Keys(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// consistent reports whether both views describe the same pairs. Tests use
// it to check the invariant after arbitrary operation sequences.
func (r *Registry) consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs := 0
	for key, conns := range r.byKey {
		if len(conns) == 0 {
			return false
		}
		for connID := range conns {
			if _, ok := r.byConn[connID][key]; !ok {
				return false
			}
			pairs++
		}
	}
	for _, keys := range r.byConn {
		pairs -= len(keys)
	}
	return pairs == 0
}
