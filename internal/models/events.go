package models

// Wire protocol for the gateway websocket. One type constant per event kind
// so that dispatch switches stay exhaustive; unknown types are a client bug
// and answered with an error event rather than ignored.

type ClientEventType string

const (
	ClientEventAuthenticate ClientEventType = "authenticate"
	ClientEventJoin         ClientEventType = "join"
	ClientEventLeave        ClientEventType = "leave"
	ClientEventSend         ClientEventType = "send"
	ClientEventEdit         ClientEventType = "edit"
	ClientEventDelete       ClientEventType = "delete"
	ClientEventReact        ClientEventType = "react"
	ClientEventTypingStart  ClientEventType = "typingStart"
	ClientEventTypingStop   ClientEventType = "typingStop"
	ClientEventMarkRead     ClientEventType = "markRead"
)

// ClientEvent is a message from the client to the gateway.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	Token          string          `json:"token,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	MessageIDs     []string        `json:"messageIds,omitempty"`
	Content        string          `json:"content,omitempty"`
	TempID         string          `json:"tempId,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	Emoji          string          `json:"emoji,omitempty"`
}

type ServerEventType string

const (
	ServerEventAuthenticated   ServerEventType = "authenticated"
	ServerEventOnlineUsers     ServerEventType = "onlineUsers"
	ServerEventUserStatus      ServerEventType = "userStatus"
	ServerEventHistory         ServerEventType = "history"
	ServerEventMessageReceived ServerEventType = "messageReceived"
	ServerEventMessageSent     ServerEventType = "messageSent"
	ServerEventMessageError    ServerEventType = "messageError"
	ServerEventMessageEdited   ServerEventType = "messageEdited"
	ServerEventMessageDeleted  ServerEventType = "messageDeleted"
	ServerEventReactionUpdated ServerEventType = "reactionUpdated"
	ServerEventUserTyping      ServerEventType = "userTyping"
	ServerEventMessagesRead    ServerEventType = "messagesRead"
	ServerEventNotification    ServerEventType = "notification"
)

// ServerEvent is a message from the gateway to the client. Fields are
// populated per event kind; everything else stays zero and is omitted on
// the wire.
type ServerEvent struct {
	Type ServerEventType `json:"type"`

	// authenticated
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Self  *User  `json:"self,omitempty"`

	// onlineUsers
	Users []User `json:"users,omitempty"`

	// userStatus, userTyping, messagesRead
	UserID   string `json:"userId,omitempty"`
	Online   bool   `json:"online,omitempty"`
	LastSeen int64  `json:"lastSeen,omitempty"`
	Typing   bool   `json:"typing,omitempty"`

	ConversationID string `json:"conversationId,omitempty"`

	// history
	Messages []Message `json:"messages,omitempty"`
	HasMore  bool      `json:"hasMore,omitempty"`

	// messageReceived, messageSent, messageEdited, notification
	Message *Message `json:"message,omitempty"`
	TempID  string   `json:"tempId,omitempty"`

	// messageError
	Reason string `json:"reason,omitempty"`

	// messageDeleted, reactionUpdated, messagesRead
	MessageID  string     `json:"messageId,omitempty"`
	MessageIDs []string   `json:"messageIds,omitempty"`
	ReaderID   string     `json:"readerId,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
}
