// Package presence tracks which peer users are currently online.
//
// The registry is written only by the realtime session's own handlers: a
// wholesale replace from the snapshot requested after every (re)connect,
// and incremental deltas in between. Everyone else reads.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/logging"
)

// Registry holds the set of online peer ids. The current user's own id is
// never a member, regardless of what the server sends.
type Registry struct {
	mu     sync.RWMutex
	self   string
	online map[string]struct{}
	bus    *bus.Bus
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		online: make(map[string]struct{}),
		bus:    b,
		logger: logging.OrNop(logger),
	}
}

// SetSelf records the current user's id, which is excluded from the set.
// Any previously recorded self entry is evicted.
func (r *Registry) SetSelf(id string) {
	r.mu.Lock()
	r.self = id
	delete(r.online, id)
	r.mu.Unlock()
}

// ReplaceAll rebuilds the set from a full snapshot, excluding self and
// empty ids. Used after every successful (re)connect so entries that went
// stale while disconnected do not survive.
func (r *Registry) ReplaceAll(ids []string) {
	r.mu.Lock()
	r.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" || id == r.self {
			continue
		}
		r.online[id] = struct{}{}
	}
	count := len(r.online)
	r.mu.Unlock()

	r.logger.Info("presence roster replaced", zap.Int("online", count))
	r.publish(bus.KindPresenceReplaced, count)
}

// MarkOnline adds id to the set. Idempotent; self and empty ids ignored.
func (r *Registry) MarkOnline(id string) {
	r.mu.Lock()
	if id == "" || id == r.self {
		r.mu.Unlock()
		return
	}
	_, present := r.online[id]
	r.online[id] = struct{}{}
	r.mu.Unlock()

	if !present {
		r.publish(bus.KindPresenceOnline, id)
	}
}

// MarkOffline removes id from the set. Idempotent.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	_, present := r.online[id]
	delete(r.online, id)
	r.mu.Unlock()

	if present {
		r.publish(bus.KindPresenceOffline, id)
	}
}

// IsOnline reports whether id is currently online.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok
}

// Snapshot returns the online ids, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Clear empties the set. Called on disconnect and on session stop, since
// presence is unknown while offline.
func (r *Registry) Clear() {
	r.mu.Lock()
	had := len(r.online)
	r.online = make(map[string]struct{})
	r.mu.Unlock()

	if had > 0 {
		r.publish(bus.KindPresenceReplaced, 0)
	}
}

func (r *Registry) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
