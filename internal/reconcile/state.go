package reconcile

import (
	"sync"
	"time"

	"clubhouse/internal/models"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// LocalMessage is a transcript entry. For optimistic sends the message is
// locally synthesized under a temporary id until the server acknowledgement
// replaces it in place.
type LocalMessage struct {
	models.Message
	TempID string        `json:"tempId,omitempty"`
	Status MessageStatus `json:"status"`
}

type conversationState struct {
	messages []LocalMessage // ascending delivery order
	hasMore  bool
	unread   int
	typing   map[string]bool
}

// State is the client-side reconciliation layer: it keeps a local view of
// conversations consistent with the server under network churn. All methods
// are safe for concurrent use by the transport goroutine and the UI.
//
// The state machine is transport-agnostic: it consumes server events and
// produces client events, the caller moves them over the wire.
type State struct {
	mu sync.Mutex

	self      models.User
	directory map[string]models.User
	presence  map[string]models.Presence
	convs     map[string]*conversationState
	open      map[string]bool

	newTempID func() string
	now       func() time.Time
}

func NewState(self models.User) *State {
	return &State{
		self:      self,
		directory: make(map[string]models.User),
		presence:  make(map[string]models.Presence),
		convs:     make(map[string]*conversationState),
		open:      make(map[string]bool),
		newTempID: uuid.NewString,
		now:       time.Now,
	}
}

func (s *State) conv(convID string) *conversationState {
	c, ok := s.convs[convID]
	if !ok {
		c = &conversationState{typing: make(map[string]bool)}
		s.convs[convID] = c
	}
	return c
}

// Open marks a conversation as open in the UI and returns the join event to
// transmit. The server answers with a history page.
func (s *State) Open(convID string) models.ClientEvent {
	s.mu.Lock()
	s.open[convID] = true
	s.conv(convID)
	s.mu.Unlock()

	return models.ClientEvent{Type: models.ClientEventJoin, ConversationID: convID}
}

// Close marks a conversation closed and returns the leave event.
func (s *State) Close(convID string) models.ClientEvent {
	s.mu.Lock()
	delete(s.open, convID)
	s.mu.Unlock()

	return models.ClientEvent{Type: models.ClientEventLeave, ConversationID: convID}
}

// SubmitSend synthesizes a local message with status sending and returns
// the send event. The entry stays in the transcript until acknowledged,
// failed or retried; it is never silently dropped.
func (s *State) SubmitSend(convID, text, replyTo string) (models.ClientEvent, LocalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := LocalMessage{
		Message: models.Message{
			ConversationID: convID,
			SenderID:       s.self.ID,
			Content:        text,
			Type:           models.MessageTypeText,
			CreatedAt:      s.now().UnixMilli(),
			ReplyTo:        replyTo,
		},
		TempID: s.newTempID(),
		Status: StatusSending,
	}
	c := s.conv(convID)
	c.messages = append(c.messages, local)

	return models.ClientEvent{
		Type:           models.ClientEventSend,
		ConversationID: convID,
		Content:        text,
		TempID:         local.TempID,
		ReplyTo:        replyTo,
	}, local
}

// RetrySend re-submits a failed optimistic message under the same
// temporary id.
func (s *State) RetrySend(convID, tempID string) (models.ClientEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return models.ClientEvent{}, false
	}
	for i := range c.messages {
		if c.messages[i].TempID == tempID && c.messages[i].Status == StatusFailed {
			c.messages[i].Status = StatusSending
			return models.ClientEvent{
				Type:           models.ClientEventSend,
				ConversationID: convID,
				Content:        c.messages[i].Content,
				TempID:         tempID,
				ReplyTo:        c.messages[i].ReplyTo,
			}, true
		}
	}
	return models.ClientEvent{}, false
}

// PageRequest returns the backward-pagination cursor for a conversation:
// the oldest loaded message's timestamp. ok is false when there is nothing
// older to fetch.
func (s *State) PageRequest(convID string) (before int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.convs[convID]
	if !exists || !c.hasMore {
		return 0, false
	}
	for i := range c.messages {
		if c.messages[i].Status == StatusSent || c.messages[i].TempID == "" {
			return c.messages[i].CreatedAt, true
		}
	}
	return 0, false
}

// AddOlderPage merges a page fetched over REST by prepending, preserving
// everything already loaded.
func (s *State) AddOlderPage(convID string, page []models.Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(convID)
	c.hasMore = hasMore

	existing := make(map[string]bool, len(c.messages))
	for i := range c.messages {
		existing[c.messages[i].ID] = true
	}
	var older []LocalMessage
	for i := range page {
		if !existing[page[i].ID] {
			older = append(older, LocalMessage{Message: page[i], Status: StatusSent})
		}
	}
	c.messages = append(older, c.messages...)
}

// ResyncEvents returns the join events to replay after a transport
// reconnect: the gateway does not remember room subscriptions across a
// dropped connection.
func (s *State) ResyncEvents() []models.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]models.ClientEvent, 0, len(s.open))
	for convID := range s.open {
		events = append(events, models.ClientEvent{
			Type:           models.ClientEventJoin,
			ConversationID: convID,
		})
	}
	return events
}

// MarkReadEvent collects the unread messages from other senders in an open
// conversation, zeroes the local unread counter, and returns the markRead
// event to transmit. ok is false when there is nothing to mark.
func (s *State) MarkReadEvent(convID string) (models.ClientEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.convs[convID]
	if !exists {
		return models.ClientEvent{}, false
	}
	var ids []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID != s.self.ID && m.ID != "" && !m.ReadByUser(s.self.ID) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return models.ClientEvent{}, false
	}
	c.unread = 0
	for _, id := range ids {
		for i := range c.messages {
			if c.messages[i].ID == id {
				c.messages[i].ReadBy = append(c.messages[i].ReadBy,
					models.ReadReceipt{ReaderID: s.self.ID, ReadAt: s.now().UnixMilli()})
			}
		}
	}
	return models.ClientEvent{
		Type:           models.ClientEventMarkRead,
		ConversationID: convID,
		MessageIDs:     ids,
	}, true
}

// Apply folds one server event into the local state.
func (s *State) Apply(ev models.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case models.ServerEventAuthenticated:
		if ev.Self != nil {
			s.self = *ev.Self
		}

	case models.ServerEventOnlineUsers:
		s.presence = make(map[string]models.Presence, len(ev.Users))
		for _, u := range ev.Users {
			s.directory[u.ID] = u
			s.presence[u.ID] = models.Presence{Online: true}
		}

	case models.ServerEventUserStatus:
		s.presence[ev.UserID] = models.Presence{Online: ev.Online, LastSeen: ev.LastSeen}

	case models.ServerEventHistory:
		s.mergeHistory(ev.ConversationID, ev.Messages, ev.HasMore)

	case models.ServerEventMessageReceived:
		if ev.Message == nil {
			return
		}
		c := s.conv(ev.ConversationID)
		for i := range c.messages {
			if c.messages[i].ID == ev.Message.ID {
				return
			}
		}
		c.messages = append(c.messages, LocalMessage{Message: *ev.Message, Status: StatusSent})
		c.unread++

	case models.ServerEventMessageSent:
		if ev.Message == nil {
			return
		}
		c := s.conv(ev.ConversationID)
		for i := range c.messages {
			if c.messages[i].TempID == ev.TempID {
				// Replace in place: same list position, server identity.
				c.messages[i] = LocalMessage{Message: *ev.Message, TempID: ev.TempID, Status: StatusSent}
				return
			}
		}
		c.messages = append(c.messages, LocalMessage{Message: *ev.Message, Status: StatusSent})

	case models.ServerEventMessageError:
		for _, c := range s.convs {
			for i := range c.messages {
				if c.messages[i].TempID == ev.TempID && c.messages[i].Status == StatusSending {
					c.messages[i].Status = StatusFailed
					return
				}
			}
		}

	case models.ServerEventMessageEdited:
		if ev.Message == nil {
			return
		}
		c := s.conv(ev.ConversationID)
		for i := range c.messages {
			if c.messages[i].ID == ev.Message.ID {
				status := c.messages[i].Status
				tempID := c.messages[i].TempID
				c.messages[i] = LocalMessage{Message: *ev.Message, TempID: tempID, Status: status}
				return
			}
		}

	case models.ServerEventMessageDeleted:
		c := s.conv(ev.ConversationID)
		for i := range c.messages {
			if c.messages[i].ID == ev.MessageID {
				c.messages[i].Deleted = true
				return
			}
		}

	case models.ServerEventReactionUpdated:
		c := s.conv(ev.ConversationID)
		for i := range c.messages {
			if c.messages[i].ID == ev.MessageID {
				c.messages[i].Reactions = ev.Reactions
				return
			}
		}

	case models.ServerEventUserTyping:
		c := s.conv(ev.ConversationID)
		if ev.Typing {
			c.typing[ev.UserID] = true
		} else {
			delete(c.typing, ev.UserID)
		}

	case models.ServerEventMessagesRead:
		c := s.conv(ev.ConversationID)
		at := s.now().UnixMilli()
		for _, id := range ev.MessageIDs {
			for i := range c.messages {
				if c.messages[i].ID == id && !c.messages[i].ReadByUser(ev.ReaderID) {
					c.messages[i].ReadBy = append(c.messages[i].ReadBy,
						models.ReadReceipt{ReaderID: ev.ReaderID, ReadAt: at})
				}
			}
		}

	case models.ServerEventNotification:
		s.conv(ev.ConversationID).unread++
	}
}

// mergeHistory folds the newest history page (from a join) into the
// transcript: server messages are upserted by id in order, local
// in-flight sends stay at the tail. Replaying the same page is a no-op,
// which is what makes reconnect resync converge.
func (s *State) mergeHistory(convID string, page []models.Message, hasMore bool) {
	c := s.conv(convID)
	if len(c.messages) > 0 && !c.hasMore {
		// Keep any older pages we already fetched.
		hasMore = false
	}
	c.hasMore = hasMore

	byID := make(map[string]LocalMessage, len(c.messages))
	var pending []LocalMessage
	for i := range c.messages {
		if c.messages[i].ID == "" {
			pending = append(pending, c.messages[i])
			continue
		}
		byID[c.messages[i].ID] = c.messages[i]
	}

	merged := make([]LocalMessage, 0, len(page)+len(pending))
	seen := make(map[string]bool, len(page))
	for i := range page {
		merged = append(merged, LocalMessage{Message: page[i], Status: StatusSent})
		seen[page[i].ID] = true
	}
	// Older messages loaded before the page window stay in front.
	var older []LocalMessage
	for i := range c.messages {
		m := c.messages[i]
		if m.ID != "" && !seen[m.ID] && (len(page) == 0 || m.CreatedAt < page[0].CreatedAt) {
			older = append(older, m)
		}
	}
	c.messages = append(append(older, merged...), pending...)
	c.unread = 0
}

// Transcript returns a copy of the conversation's messages in render
// order.
func (s *State) Transcript(convID string) []LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]LocalMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Unread returns the local unread counter for a conversation.
func (s *State) Unread(convID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return 0
	}
	return c.unread
}

// SetUnread overwrites the local counter with a server-fetched value, used
// when repairing state after reconnect.
func (s *State) SetUnread(convID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv(convID).unread = n
}

// Typing lists the users currently typing in a conversation.
func (s *State) Typing(convID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(c.typing))
	for id := range c.typing {
		users = append(users, id)
	}
	return users
}

// Online reports a user's presence as last observed.
func (s *State) Online(userID string) models.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[userID]
}
