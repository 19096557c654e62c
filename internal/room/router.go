package room

import (
	"fmt"
	"sync"

	"clubhouse/internal/models"
)

// membershipStore answers "is this user a participant of record".
type membershipStore interface {
	GetConversation(id string) (models.Conversation, error)
}

// Router maps a conversation id to its currently connected subscribers.
// A room is a subset of the conversation's participants: offline
// participants receive nothing in real time and catch up via history on
// reconnect.
type Router struct {
	store membershipStore

	mu    sync.RWMutex
	rooms map[string]map[models.EventSink]struct{}
}

func NewRouter(store membershipStore) *Router {
	return &Router{
		store: store,
		rooms: make(map[string]map[models.EventSink]struct{}),
	}
}

// Join registers the connection as a room subscriber after verifying the
// user is a participant of record. Returns the conversation so the caller
// can serve the history page without a second store round-trip.
func (r *Router) Join(sink models.EventSink, convID string) (models.Conversation, error) {
	conv, err := r.store.GetConversation(convID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(sink.UserID()) {
		return models.Conversation{}, fmt.Errorf("user %s in conversation %s: %w", sink.UserID(), convID, models.ErrNotAMember)
	}

	r.mu.Lock()
	subs, ok := r.rooms[convID]
	if !ok {
		subs = make(map[models.EventSink]struct{})
		r.rooms[convID] = subs
	}
	subs[sink] = struct{}{}
	r.mu.Unlock()

	return conv, nil
}

// Leave unregisters the subscription. Idempotent if not subscribed.
func (r *Router) Leave(sink models.EventSink, convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.rooms[convID]
	if !ok {
		return
	}
	delete(subs, sink)
	if len(subs) == 0 {
		delete(r.rooms, convID)
	}
}

// LeaveAll drops every subscription held by the connection. Called on
// disconnect; the gateway does not remember subscriptions across a dropped
// connection.
func (r *Router) LeaveAll(sink models.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID, subs := range r.rooms {
		delete(subs, sink)
		if len(subs) == 0 {
			delete(r.rooms, convID)
		}
	}
}

// Members returns the currently connected subscribers of a conversation.
func (r *Router) Members(convID string) []models.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.rooms[convID]
	members := make([]models.EventSink, 0, len(subs))
	for sink := range subs {
		members = append(members, sink)
	}
	return members
}

// Subscribed reports whether the user has at least one subscribed
// connection in the room.
func (r *Router) Subscribed(convID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for sink := range r.rooms[convID] {
		if sink.UserID() == userID {
			return true
		}
	}
	return false
}
