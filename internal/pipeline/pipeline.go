package pipeline

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"clubhouse/internal/content"
	"clubhouse/internal/models"
)

const shardCount = 64

// Store is the slice of the persistent store adapter the pipeline needs.
type Store interface {
	GetConversation(id string) (models.Conversation, error)
	CreateMessage(convID, senderID, contentText, html string, typ models.MessageType, replyTo string) (models.Message, error)
	GetMessage(convID, msgID string) (models.Message, error)
	EditMessage(convID, msgID, contentText, html string) (models.Message, error)
	SoftDeleteMessage(convID, msgID string) (models.Message, error)
	ToggleReaction(convID, msgID, userID, emoji string) (models.Message, error)
	MarkRead(convID string, msgIDs []string, readerID string) ([]string, int, error)
}

// Rooms yields the live subscribers for fan-out.
type Rooms interface {
	Members(convID string) []models.EventSink
	Subscribed(convID, userID string) bool
}

// Online locates a user's live connection outside any room.
type Online interface {
	Get(userID string) (models.EventSink, bool)
}

// Pusher reaches participants with no live connection at all. Optional.
type Pusher interface {
	Push(userID string, conv models.Conversation, msg models.Message)
}

// Pipeline validates, persists and fans out every message-affecting action.
// Persistence always completes before any broadcast: a message that failed
// to persist is never seen by anyone but the sender, as an error.
//
// Operations on the same conversation are serialized through a sharded
// mutex, which is what makes "first persisted wins position" the ordering
// rule for concurrent sends.
type Pipeline struct {
	store  Store
	rooms  Rooms
	online Online
	pusher Pusher

	shards [shardCount]sync.Mutex
}

func New(store Store, rooms Rooms, online Online, pusher Pusher) *Pipeline {
	return &Pipeline{
		store:  store,
		rooms:  rooms,
		online: online,
		pusher: pusher,
	}
}

func (p *Pipeline) lock(convID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(convID))
	return &p.shards[h.Sum32()%shardCount]
}

// Send validates, persists and fans out a new message. Room subscribers get
// messageReceived; online participants without a subscription get a
// lightweight notification; offline participants are reached over webpush
// when a subscription exists.
func (p *Pipeline) Send(convID, senderID, text, replyTo string) (models.Message, error) {
	mu := p.lock(convID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := p.store.GetConversation(convID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, fmt.Errorf("sender %s: %w", senderID, models.ErrNotAMember)
	}
	if err := content.Validate(text); err != nil {
		return models.Message{}, err
	}

	clean := content.Sanitize(text)
	msg, err := p.store.CreateMessage(convID, senderID, clean, content.Render(clean), models.MessageTypeText, replyTo)
	if err != nil {
		return models.Message{}, fmt.Errorf("persisting message: %w", err)
	}

	p.fanOut(convID, senderID, models.ServerEvent{
		Type:           models.ServerEventMessageReceived,
		ConversationID: convID,
		Message:        &msg,
	})

	for _, participant := range conv.Participants {
		if participant == senderID || p.rooms.Subscribed(convID, participant) {
			continue
		}
		if sink, ok := p.online.Get(participant); ok {
			sink.Send(models.ServerEvent{
				Type:           models.ServerEventNotification,
				ConversationID: convID,
				Message:        &msg,
			})
		} else if p.pusher != nil {
			go p.pusher.Push(participant, conv, msg)
		}
	}

	return msg, nil
}

// Edit replaces a message's content. Only the original sender may edit.
func (p *Pipeline) Edit(convID, msgID, editorID, text string) (models.Message, error) {
	mu := p.lock(convID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.store.GetMessage(convID, msgID)
	if err != nil {
		return models.Message{}, err
	}
	if existing.SenderID != editorID {
		return models.Message{}, fmt.Errorf("editing message %s: %w", msgID, models.ErrForbidden)
	}
	if err := content.Validate(text); err != nil {
		return models.Message{}, err
	}

	clean := content.Sanitize(text)
	msg, err := p.store.EditMessage(convID, msgID, clean, content.Render(clean))
	if err != nil {
		return models.Message{}, fmt.Errorf("persisting edit: %w", err)
	}

	p.fanOut(convID, "", models.ServerEvent{
		Type:           models.ServerEventMessageEdited,
		ConversationID: convID,
		Message:        &msg,
	})
	return msg, nil
}

// Delete soft-deletes a message. Only the original sender may delete; the
// broadcast carries the id only and the content stays stored for audit.
func (p *Pipeline) Delete(convID, msgID, requesterID string) error {
	mu := p.lock(convID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.store.GetMessage(convID, msgID)
	if err != nil {
		return err
	}
	if existing.SenderID != requesterID {
		return fmt.Errorf("deleting message %s: %w", msgID, models.ErrForbidden)
	}

	if _, err := p.store.SoftDeleteMessage(convID, msgID); err != nil {
		return fmt.Errorf("persisting delete: %w", err)
	}

	p.fanOut(convID, "", models.ServerEvent{
		Type:           models.ServerEventMessageDeleted,
		ConversationID: convID,
		MessageID:      msgID,
	})
	return nil
}

// React toggles the (user, emoji) reaction: present removes, absent adds.
func (p *Pipeline) React(convID, msgID, userID, emoji string) error {
	mu := p.lock(convID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := p.store.GetConversation(convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("user %s: %w", userID, models.ErrNotAMember)
	}
	if emoji == "" {
		return fmt.Errorf("%w: empty emoji", models.ErrValidation)
	}

	msg, err := p.store.ToggleReaction(convID, msgID, userID, emoji)
	if err != nil {
		return err
	}

	p.fanOut(convID, "", models.ServerEvent{
		Type:           models.ServerEventReactionUpdated,
		ConversationID: convID,
		MessageID:      msgID,
		Reactions:      msg.Reactions,
	})
	return nil
}

// MarkRead idempotently appends read markers and broadcasts a read receipt
// to the other participants; the reader already knows what they read.
// Returns the reader's updated unread count.
func (p *Pipeline) MarkRead(convID string, msgIDs []string, readerID string) (int, error) {
	mu := p.lock(convID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := p.store.GetConversation(convID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, fmt.Errorf("reader %s: %w", readerID, models.ErrNotAMember)
	}

	newlyRead, unread, err := p.store.MarkRead(convID, msgIDs, readerID)
	if err != nil {
		return 0, fmt.Errorf("persisting read markers: %w", err)
	}
	if len(newlyRead) == 0 {
		return unread, nil
	}

	p.fanOut(convID, readerID, models.ServerEvent{
		Type:           models.ServerEventMessagesRead,
		ConversationID: convID,
		MessageIDs:     newlyRead,
		ReaderID:       readerID,
	})
	return unread, nil
}

// fanOut delivers one event to all current room subscribers, skipping
// connections owned by exceptUserID. A full subscriber buffer drops the
// event for that subscriber only; it resyncs on reconnect instead of
// backpressuring the room.
func (p *Pipeline) fanOut(convID, exceptUserID string, ev models.ServerEvent) {
	for _, sub := range p.rooms.Members(convID) {
		if exceptUserID != "" && sub.UserID() == exceptUserID {
			continue
		}
		if !sub.Send(ev) {
			slog.Warn("fan-out dropped for slow subscriber",
				"conversation_id", convID, "user_id", sub.UserID(), "event", ev.Type)
		}
	}
}
