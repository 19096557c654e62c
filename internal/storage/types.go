package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID            string         `msgpack:"id"`
	Participants  []string       `msgpack:"participants"`
	IsGroup       bool           `msgpack:"isGroup"`
	Name          string         `msgpack:"name"`
	LastSeq       int64          `msgpack:"lastSeq"`
	LastCreatedAt int64          `msgpack:"lastCreatedAt"`
	LastMessageID string         `msgpack:"lastMessageId"`
	Unread        map[string]int `msgpack:"unread"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBReadReceipt struct {
	ReaderID string `msgpack:"readerId"`
	ReadAt   int64  `msgpack:"readAt"`
}

type DBReaction struct {
	Emoji  string `msgpack:"emoji"`
	UserID string `msgpack:"userId"`
}

type DBMessage struct {
	ID             string          `msgpack:"id"`
	Seq            int64           `msgpack:"seq"`
	ConversationID string          `msgpack:"conversationId"`
	SenderID       string          `msgpack:"senderId"`
	Content        string          `msgpack:"content"`
	HTML           string          `msgpack:"html"`
	Type           string          `msgpack:"type"`
	CreatedAt      int64           `msgpack:"createdAt"`
	ReplyTo        string          `msgpack:"replyTo"`
	Edited         bool            `msgpack:"edited"`
	Deleted        bool            `msgpack:"deleted"`
	DeletedAt      int64           `msgpack:"deletedAt"`
	ReadBy         []DBReadReceipt `msgpack:"readBy"`
	Reactions      []DBReaction    `msgpack:"reactions"`
}

// Key orders messages by sequence number within a conversation bucket.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by id without scanning its conversation.
type DBMessageRef struct {
	ConversationID string `msgpack:"conversationId"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBPushSubscription struct {
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
