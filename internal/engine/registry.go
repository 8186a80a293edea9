package engine

import (
	"sort"
	"sync"

	"order_relay/internal/domain"
	"order_relay/internal/event"
)

// entry is one tracked order: the last state the watcher saw, events not yet
// applied, and applied updates not yet published.
type entry struct {
	order       domain.Order
	pending     []event.Event
	unpublished []domain.AppliedUpdate
	busy        bool
}

// work is what a cycle takes out of an entry.
type work struct {
	hash        domain.Hash
	order       domain.Order
	pending     []event.Event
	unpublished []domain.AppliedUpdate
}

// Registry is the watch set. The watcher owns it; intake and unwatch go
// through the watcher.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.Hash]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.Hash]*entry)}
}

// Add tracks o. It reports false if o was already tracked.
func (r *Registry) Add(o domain.Order) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[o.Hash]; ok {
		return false
	}
	r.entries[o.Hash] = &entry{order: o}
	return true
}

// Remove stops tracking hash and returns the unpublished updates it held.
func (r *Registry) Remove(hash domain.Hash) ([]domain.AppliedUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return nil, false
	}
	delete(r.entries, hash)
	return e.unpublished, true
}

// Has reports whether hash is tracked.
func (r *Registry) Has(hash domain.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[hash]
	return ok
}

// Enqueue appends ev to the pending events of a tracked order.
func (r *Registry) Enqueue(hash domain.Hash, ev event.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return false
	}
	e.pending = append(e.pending, ev)
	return true
}

// Take claims the work of every idle entry that has pending events or
// unpublished updates, plus entries selected by due.
func (r *Registry) Take(due func(o domain.Order) bool) []work {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []work
	for hash, e := range r.entries {
		if e.busy {
			continue
		}
		if len(e.pending) == 0 && len(e.unpublished) == 0 && (due == nil || !due(e.order)) {
			continue
		}
		e.busy = true
		out = append(out, work{
			hash:        hash,
			order:       e.order,
			pending:     e.pending,
			unpublished: e.unpublished,
		})
		e.pending = nil
		e.unpublished = nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].hash < out[j].hash })
	return out
}

// Finish writes a cycle's result back. Leftover events go before anything
// enqueued meanwhile. It reports whether the entry is still tracked.
func (r *Registry) Finish(w work) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[w.hash]
	if !ok {
		return false
	}
	e.busy = false
	e.order = w.order
	e.pending = append(w.pending, e.pending...)
	e.unpublished = append(w.unpublished, e.unpublished...)
	return true
}

// Settled reports whether hash is terminal with nothing left to do.
func (r *Registry) Settled(hash domain.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[hash]
	if !ok {
		return false
	}
	return !e.busy && e.order.State.IsTerminal() && len(e.pending) == 0 && len(e.unpublished) == 0
}

// Hashes returns the tracked hashes in sorted order.
func (r *Registry) Hashes() []domain.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Hash, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// dumpEntry is the post-mortem form of an entry.
type dumpEntry struct {
	Order       domain.Order           `json:"order"`
	Pending     []string               `json:"pending_refs"`
	Unpublished []domain.AppliedUpdate `json:"unpublished"`
}

func (r *Registry) dump() map[domain.Hash]dumpEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.Hash]dumpEntry, len(r.entries))
	for h, e := range r.entries {
		refs := make([]string, 0, len(e.pending))
		for _, ev := range e.pending {
			refs = append(refs, ev.GetType().String()+":"+ev.GetRef())
		}
		out[h] = dumpEntry{Order: e.order, Pending: refs, Unpublished: e.unpublished}
	}
	return out
}

// Track adds o if untracked and queues unpublished updates for it.
func (r *Registry) Track(o domain.Order, unpublished ...domain.AppliedUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[o.Hash]
	if !ok {
		e = &entry{order: o}
		r.entries[o.Hash] = e
	} else if !e.busy {
		e.order = o
	}
	e.unpublished = append(e.unpublished, unpublished...)
}
