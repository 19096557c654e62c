package presence

import (
	"log/slog"
	"sync"
	"time"

	"clubhouse/internal/models"
)

type entry struct {
	sink models.EventSink
	user models.User
	// lastSeen is refreshed on admit and stamped again on remove, so the
	// offline broadcast carries a meaningful timestamp.
	lastSeen int64
}

// Registry is the single serialization point for "who is online". It owns
// the user -> connection mapping for the lifetime of each connection and is
// safe for concurrent admits, removes and fan-out lookups.
//
// At most one live entry per user: a newer connection from the same user
// silently replaces the previous one (last-connection-wins).
type Registry struct {
	mu     sync.RWMutex
	online map[string]*entry
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		online: make(map[string]*entry),
		now:    time.Now,
	}
}

// Admit records the presence entry for the user, overwriting any previous
// connection, and broadcasts user-online to every other live connection.
// The replaced connection is closed: its teardown unsubscribes it from every
// room, so the old socket cannot keep receiving fan-outs.
func (r *Registry) Admit(user models.User, sink models.EventSink) {
	now := r.now().UnixMilli()

	r.mu.Lock()
	old := r.online[user.ID]
	r.online[user.ID] = &entry{sink: sink, user: user, lastSeen: now}
	r.mu.Unlock()

	replaced := old != nil
	if replaced && old.sink != sink {
		if c, ok := old.sink.(interface{ Close() }); ok {
			c.Close()
		}
	}

	slog.Info("user online", "user_id", user.ID, "replaced", replaced)

	// The other users already saw this one online; no need to repeat it.
	if !replaced {
		r.broadcast(models.ServerEvent{
			Type:     models.ServerEventUserStatus,
			UserID:   user.ID,
			Online:   true,
			LastSeen: now,
		}, user.ID)
	}
}

// Remove deletes the presence entry on disconnect, but only if it still
// points at this connection: a stale remove racing a newer connection from
// the same user must not knock the new connection offline.
func (r *Registry) Remove(userID string, sink models.EventSink) {
	now := r.now().UnixMilli()

	r.mu.Lock()
	e, ok := r.online[userID]
	if !ok || e.sink != sink {
		r.mu.Unlock()
		return
	}
	delete(r.online, userID)
	r.mu.Unlock()

	slog.Info("user offline", "user_id", userID)

	r.broadcast(models.ServerEvent{
		Type:     models.ServerEventUserStatus,
		UserID:   userID,
		Online:   false,
		LastSeen: now,
	}, userID)
}

// Get returns the live connection for a user, if any. The pipeline uses it
// to reach online participants that are not subscribed to a room.
func (r *Registry) Get(userID string) (models.EventSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.online[userID]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// Snapshot returns all currently online users, used to seed a newly
// connected client.
func (r *Registry) Snapshot() []models.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]models.User, 0, len(r.online))
	for _, e := range r.online {
		users = append(users, e.user)
	}
	return users
}

func (r *Registry) broadcast(ev models.ServerEvent, exceptUserID string) {
	r.mu.RLock()
	sinks := make([]models.EventSink, 0, len(r.online))
	for id, e := range r.online {
		if id != exceptUserID {
			sinks = append(sinks, e.sink)
		}
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink.Send(ev)
	}
}
