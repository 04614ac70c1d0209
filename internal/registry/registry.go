package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rwa-market/pricesync/internal/model"
)

// ChangeBufferSize is the capacity of the Changes channel. Only the latest
// change is retained; consumers re-read WatchSet on every signal.
const ChangeBufferSize = 1

// Callback receives quotes for a subscribed instrument.
type Callback func(model.Quote)

// ChangeKind describes a Watch Set transition.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeCleared ChangeKind = "cleared"
)

// Change is a Watch Set transition.
type Change struct {
	Kind ChangeKind
	Key  model.InstrumentKey // zero for ChangeCleared
}

// subscription is one (key, callback) pair.
type subscription struct {
	id     uuid.UUID
	keyID  string
	cb     Callback
	active atomic.Bool
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	keys    map[string]model.InstrumentKey         // Watch Set members by ID
	subs    map[string]map[uuid.UUID]*subscription // live subscriptions by key ID
	pinned  map[string]struct{}                    // callback-less interest
	changes chan Change

	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		keys:    make(map[string]model.InstrumentKey),
		subs:    make(map[string]map[uuid.UUID]*subscription),
		pinned:  make(map[string]struct{}),
		changes: make(chan Change, ChangeBufferSize),
	}
}

// Subscribe registers cb for key and returns its unsubscribe func. An invalid
// key or nil callback is logged and yields a no-op unsubscribe.
func (r *Registry) Subscribe(key model.InstrumentKey, cb Callback) func() {
	if err := key.Validate(); err != nil {
		r.logger.Warn("ignoring subscription for invalid instrument",
			"chain", key.Chain,
			"address", key.Address,
			"symbol", key.Symbol,
			"error", err,
		)
		return func() {}
	}
	if cb == nil {
		r.logger.Warn("ignoring subscription without callback", "instrument", key.ID())
		return func() {}
	}

	key = key.Normalize()
	id := key.ID()
	sub := &subscription{id: uuid.New(), keyID: id, cb: cb}
	sub.active.Store(true)

	r.mu.Lock()
	if r.subs[id] == nil {
		r.subs[id] = make(map[uuid.UUID]*subscription)
	}
	r.subs[id][sub.id] = sub
	added := r.addKeyLocked(key)
	r.mu.Unlock()

	if added {
		r.notifyChange(Change{Kind: ChangeAdded, Key: key})
	}

	r.logger.Debug("subscribed", "instrument", id, "subscription", sub.id)

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(sub) })
	}
}

func (r *Registry) unsubscribe(sub *subscription) {
	sub.active.Store(false)

	r.mu.Lock()
	if m := r.subs[sub.keyID]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(r.subs, sub.keyID)
		}
	}
	key, removed := r.dropKeyIfUnusedLocked(sub.keyID)
	r.mu.Unlock()

	if removed {
		r.notifyChange(Change{Kind: ChangeRemoved, Key: key})
	}

	r.logger.Debug("unsubscribed", "instrument", sub.keyID, "subscription", sub.id)
}

// Watch pins keys into the Watch Set without a callback. Invalid keys are skipped.
// It returns the number of keys newly added.
func (r *Registry) Watch(keys ...model.InstrumentKey) int {
	var added []model.InstrumentKey

	r.mu.Lock()
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			r.logger.Warn("ignoring invalid instrument", "instrument", k.ID(), "error", err)
			continue
		}
		k = k.Normalize()
		r.pinned[k.ID()] = struct{}{}
		if r.addKeyLocked(k) {
			added = append(added, k)
		}
	}
	r.mu.Unlock()

	for _, k := range added {
		r.notifyChange(Change{Kind: ChangeAdded, Key: k})
	}
	return len(added)
}

// Unwatch removes pins. A key with live subscriptions stays watched.
// It returns the number of keys removed from the Watch Set.
func (r *Registry) Unwatch(keys ...model.InstrumentKey) int {
	var removed []model.InstrumentKey

	r.mu.Lock()
	for _, k := range keys {
		id := k.ID()
		delete(r.pinned, id)
		if key, ok := r.dropKeyIfUnusedLocked(id); ok {
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()

	for _, k := range removed {
		r.notifyChange(Change{Kind: ChangeRemoved, Key: k})
	}
	return len(removed)
}

// Dispatch delivers q to every live callback for its key and returns the
// number of callbacks invoked.
func (r *Registry) Dispatch(q model.Quote) int {
	r.mu.RLock()
	m := r.subs[q.ID()]
	targets := make([]*subscription, 0, len(m))
	for _, sub := range m {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	n := 0
	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		if r.invoke(sub, q) {
			n++
		}
	}
	r.delivered.Add(int64(n))
	return n
}

// invoke calls the callback, recovering from panics.
func (r *Registry) invoke(sub *subscription, q model.Quote) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Error("subscriber callback panicked",
				"instrument", sub.keyID,
				"subscription", sub.id,
				"error", fmt.Sprint(p),
			)
			ok = false
		}
	}()
	sub.cb(q)
	return true
}

// WatchSet returns the current Watch Set sorted by ID.
func (r *Registry) WatchSet() []model.InstrumentKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	keys := make([]model.InstrumentKey, len(ids))
	for i, id := range ids {
		keys[i] = r.keys[id]
	}
	return keys
}

// IsWatched reports whether key is in the Watch Set.
func (r *Registry) IsWatched(key model.InstrumentKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key.ID()]
	return ok
}

// Len returns the Watch Set size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Subscriptions returns the number of live subscriptions.
func (r *Registry) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, m := range r.subs {
		n += len(m)
	}
	return n
}

// Changes returns the Watch Set change signal.
func (r *Registry) Changes() <-chan Change {
	return r.changes
}

// Stats returns delivery counters.
func (r *Registry) Stats() (delivered, panics int64) {
	return r.delivered.Load(), r.panics.Load()
}

// Clear drops every subscription and pin. Callbacks of cleared
// subscriptions are never invoked again.
func (r *Registry) Clear() {
	r.mu.Lock()
	for _, m := range r.subs {
		for _, sub := range m {
			sub.active.Store(false)
		}
	}
	hadKeys := len(r.keys) > 0
	r.keys = make(map[string]model.InstrumentKey)
	r.subs = make(map[string]map[uuid.UUID]*subscription)
	r.pinned = make(map[string]struct{})
	r.mu.Unlock()

	if hadKeys {
		r.notifyChange(Change{Kind: ChangeCleared})
	}
}

// addKeyLocked adds key to the Watch Set (caller must hold write lock).
func (r *Registry) addKeyLocked(key model.InstrumentKey) bool {
	id := key.ID()
	if _, ok := r.keys[id]; ok {
		return false
	}
	r.keys[id] = key
	return true
}

// dropKeyIfUnusedLocked removes id from the Watch Set when nothing holds it
// (caller must hold write lock).
func (r *Registry) dropKeyIfUnusedLocked(id string) (model.InstrumentKey, bool) {
	if len(r.subs[id]) > 0 {
		return model.InstrumentKey{}, false
	}
	if _, ok := r.pinned[id]; ok {
		return model.InstrumentKey{}, false
	}
	key, ok := r.keys[id]
	if !ok {
		return model.InstrumentKey{}, false
	}
	delete(r.keys, id)
	return key, true
}

// notifyChange sends a change to the changes channel (non-blocking).
func (r *Registry) notifyChange(change Change) {
	select {
	case r.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-r.changes:
		default:
		}
		select {
		case r.changes <- change:
		default:
		}
	}
}
