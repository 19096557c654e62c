package signals

import (
	"fmt"
	"sync"
	"time"

	"clubhouse/internal/models"
)

// DefaultExpiry bounds how long a typing indicator stays live without a
// follow-up typingStart. Clients that crash mid-keystroke never send the
// stop, so the broadcaster emits it for them.
const DefaultExpiry = 5 * time.Second

type Rooms interface {
	Members(convID string) []models.EventSink
	Subscribed(convID, userID string) bool
}

type Online interface {
	Get(userID string) (models.EventSink, bool)
}

type Conversations interface {
	GetConversation(id string) (models.Conversation, error)
}

// Broadcaster forwards typing indicators to room subscribers. Nothing is
// persisted and delivery is best effort. Each (conversation, user) typing
// state carries a timer: if no typingStart refreshes it within the expiry
// window, the broadcaster fans out the stop itself.
type Broadcaster struct {
	rooms  Rooms
	online Online
	convs  Conversations
	expiry time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewBroadcaster(rooms Rooms, online Online, convs Conversations, expiry time.Duration) *Broadcaster {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Broadcaster{
		rooms:  rooms,
		online: online,
		convs:  convs,
		expiry: expiry,
		timers: make(map[string]*time.Timer),
	}
}

func typingKey(convID, userID string) string {
	return convID + "\x00" + userID
}

// requireMember rejects signals for conversations the user does not belong
// to; indicators are ephemeral but still scoped to participants.
func (b *Broadcaster) requireMember(convID, userID string) error {
	conv, err := b.convs.GetConversation(convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("user %s in conversation %s: %w", userID, convID, models.ErrNotAMember)
	}
	return nil
}

// TypingStart fans out a typing indicator and arms (or refreshes) the
// auto-expiry timer for this user in this conversation.
func (b *Broadcaster) TypingStart(convID, userID string) error {
	if err := b.requireMember(convID, userID); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	key := typingKey(convID, userID)
	if t, ok := b.timers[key]; ok {
		t.Reset(b.expiry)
		b.mu.Unlock()
		// Peers already show the indicator; refreshing the timer is enough.
		return nil
	}
	b.timers[key] = time.AfterFunc(b.expiry, func() {
		b.expire(convID, userID)
	})
	b.mu.Unlock()

	b.send(convID, userID, true)
	return nil
}

// TypingStop cancels the timer and fans out the stop immediately.
func (b *Broadcaster) TypingStop(convID, userID string) error {
	if err := b.requireMember(convID, userID); err != nil {
		return err
	}
	if !b.disarm(convID, userID) {
		return nil
	}
	b.send(convID, userID, false)
	return nil
}

func (b *Broadcaster) expire(convID, userID string) {
	if !b.disarm(convID, userID) {
		return
	}
	b.send(convID, userID, false)
}

func (b *Broadcaster) disarm(convID, userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := typingKey(convID, userID)
	t, ok := b.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(b.timers, key)
	return true
}

// Close stops every pending timer. No stop events are emitted; the
// consumers treat stale indicators as expired anyway.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, t := range b.timers {
		t.Stop()
		delete(b.timers, key)
	}
}

// send fans the indicator out to the other room subscribers. For a direct
// conversation whose peer is online but not subscribed, the indicator goes
// to the peer's connection directly.
func (b *Broadcaster) send(convID, userID string, typing bool) {
	ev := models.ServerEvent{
		Type:           models.ServerEventUserTyping,
		ConversationID: convID,
		UserID:         userID,
		Typing:         typing,
	}

	for _, sub := range b.rooms.Members(convID) {
		if sub.UserID() == userID {
			continue
		}
		sub.Send(ev)
	}

	conv, err := b.convs.GetConversation(convID)
	if err != nil || conv.IsGroup {
		return
	}
	for _, participant := range conv.Participants {
		if participant == userID || b.rooms.Subscribed(convID, participant) {
			continue
		}
		if sink, ok := b.online.Get(participant); ok {
			sink.Send(ev)
		}
	}
}
