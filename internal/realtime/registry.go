package realtime

import (
	"log/slog"
	"sync"
)

// Registry is the session-wide directory of active subscriptions. It
// exists so any view can look a subscription up by id, and so sign-out
// can tear every open feed connection down deterministically.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Register adds a subscription under its id. A subscription already
// registered under that id is closed and replaced; a view remounting a
// conversation always ends up with exactly one live feed.
func (r *Registry) Register(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	prev := r.subs[sub.ID()]
	r.subs[sub.ID()] = sub
	r.mu.Unlock()

	if prev != nil && prev != sub {
		r.logger.Debug("replacing registered subscription", "subscription_id", sub.ID())
		prev.Close()
	}
}

// Get returns the subscription registered under id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	return sub, ok
}

// Remove tears down the subscription's feed connection and drops the
// entry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// RemoveAll tears down every registered subscription. It iterates over
// a snapshot, so it is safe against concurrent Register calls; entries
// added during the sweep survive.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range snapshot {
		sub.Close()
	}
	r.logger.Debug("removed all subscriptions", "count", len(snapshot))
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
