package models

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrNotAMember = errors.New("not a conversation member")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
)

// User is the display identity attached to a connection. Credentials live
// elsewhere; the gateway only ever sees verified claims.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (milliseconds)
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Reaction is a single (emoji, user) pair on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	ReaderID string `json:"readerId"`
	ReadAt   int64  `json:"readAt"` // Unix timestamp (milliseconds)
}

// Message is a durable chat message. Content is immutable except through
// edit and soft delete; a deleted message keeps its stored content.
type Message struct {
	ID             string        `json:"id"`
	Seq            int64         `json:"seq"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	HTML           string        `json:"html,omitempty"`
	Type           MessageType   `json:"type"`
	CreatedAt      int64         `json:"createdAt"` // Unix timestamp (milliseconds)
	ReplyTo        string        `json:"replyTo,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
	Deleted        bool          `json:"deleted,omitempty"`
	DeletedAt      int64         `json:"deletedAt,omitempty"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
}

// ReadByUser reports whether reader already has a read receipt on m.
func (m *Message) ReadByUser(readerID string) bool {
	for _, r := range m.ReadBy {
		if r.ReaderID == readerID {
			return true
		}
	}
	return false
}

// Conversation is a durable thread between two or more participants.
// Unread holds the denormalized per-user unread counters maintained by the
// message pipeline.
type Conversation struct {
	ID           string         `json:"id"`
	Participants []string       `json:"participants"`
	IsGroup      bool           `json:"isGroup"`
	Name         string         `json:"name,omitempty"`
	LastMessage  *Message       `json:"lastMessage,omitempty"`
	Unread       map[string]int `json:"unread,omitempty"`
}

// HasParticipant reports whether userID is a participant of record.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// EventSink is the delivery side of a live connection. Send must never
// block: implementations report false when the event had to be dropped,
// and the dropped subscriber repairs itself by resyncing on reconnect.
type EventSink interface {
	UserID() string
	Send(ev ServerEvent) bool
}
