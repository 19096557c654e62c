package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"clubhouse/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketConvPairs     = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketPushSubs      = []byte("push_subscriptions")
)

// Store is the persistent store adapter backed by bbolt. Every message
// mutation happens inside a single bbolt transaction, so the conversation's
// last-message pointer and unread counters can never drift from the message
// buckets.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketConversations,
			bucketConvPairs,
			bucketMessages,
			bucketMessageIndex,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// pairKey is the canonical lookup key for a non-group conversation, so that
// FindOrCreateConversation is idempotent for the same pair regardless of
// participant order.
func pairKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(strings.Join(ids, "\x00"))
}

// FindOrCreateConversation returns the existing conversation for a non-group
// participant pair, or creates a new conversation. Group conversations are
// always created.
func (s *Store) FindOrCreateConversation(participants []string, isGroup bool, name string) (models.Conversation, error) {
	if len(participants) < 2 {
		return models.Conversation{}, fmt.Errorf("%w: conversation needs at least 2 participants", models.ErrValidation)
	}
	if !isGroup && len(participants) != 2 {
		return models.Conversation{}, fmt.Errorf("%w: direct conversation needs exactly 2 participants", models.ErrValidation)
	}

	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convs := tx.Bucket(bucketConversations)

		if !isGroup {
			pairs := tx.Bucket(bucketConvPairs)
			key := pairKey(participants[0], participants[1])
			if id := pairs.Get(key); id != nil {
				data := convs.Get(id)
				if data == nil {
					return fmt.Errorf("pair index points at missing conversation %s", id)
				}
				var dbConv DBConversation
				if err := dbConv.UnmarshalBinary(data); err != nil {
					return err
				}
				conv = s.toConversation(tx, &dbConv)
				return nil
			}
		}

		dbConv := DBConversation{
			ID:           uuid.NewString(),
			Participants: append([]string(nil), participants...),
			IsGroup:      isGroup,
			Name:         name,
			Unread:       make(map[string]int),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convs.Put(dbConv.Key(), data); err != nil {
			return err
		}
		if !isGroup {
			pairs := tx.Bucket(bucketConvPairs)
			if err := pairs.Put(pairKey(participants[0], participants[1]), []byte(dbConv.ID)); err != nil {
				return err
			}
		}
		conv = s.toConversation(tx, &dbConv)
		return nil
	})
	return conv, err
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = s.toConversation(tx, dbConv)
		return nil
	})
	return conv, err
}

// Conversations lists every conversation the user participates in.
func (s *Store) Conversations(userID string) ([]models.Conversation, error) {
	var result []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			for _, p := range dbConv.Participants {
				if p == userID {
					result = append(result, s.toConversation(tx, &dbConv))
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Newest activity first, the order a conversation list renders in.
	sort.Slice(result, func(i, j int) bool {
		var ti, tj int64
		if result[i].LastMessage != nil {
			ti = result[i].LastMessage.CreatedAt
		}
		if result[j].LastMessage != nil {
			tj = result[j].LastMessage.CreatedAt
		}
		return ti > tj
	})
	return result, nil
}

// CreateMessage persists a new message with a server-assigned id, sequence
// number and timestamp. Timestamps are strictly increasing within a
// conversation: two messages in the same millisecond (or under a backwards
// clock) get consecutive values, so the pagination cursor can never skip
// one of them. The same transaction bumps the unread counter of every
// participant except the sender and moves the last-message pointer.
func (s *Store) CreateMessage(convID, senderID, content, html string, typ models.MessageType, replyTo string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, convID)
		if err != nil {
			return err
		}

		createdAt := s.now().UnixMilli()
		if createdAt <= dbConv.LastCreatedAt {
			createdAt = dbConv.LastCreatedAt + 1
		}

		dbMsg := DBMessage{
			ID:             uuid.NewString(),
			Seq:            dbConv.LastSeq + 1,
			ConversationID: convID,
			SenderID:       senderID,
			Content:        content,
			HTML:           html,
			Type:           string(typ),
			CreatedAt:      createdAt,
			ReplyTo:        replyTo,
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ConversationID: convID, Seq: dbMsg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Put([]byte(dbMsg.ID), refData); err != nil {
			return err
		}

		dbConv.LastSeq = dbMsg.Seq
		dbConv.LastCreatedAt = createdAt
		dbConv.LastMessageID = dbMsg.ID
		if dbConv.Unread == nil {
			dbConv.Unread = make(map[string]int)
		}
		for _, p := range dbConv.Participants {
			if p != senderID {
				dbConv.Unread[p]++
			}
		}
		if err := putConversation(tx, dbConv); err != nil {
			return err
		}

		msg = toMessage(&dbMsg)
		return nil
	})
	return msg, err
}

// GetMessage loads a single message by id within a conversation.
func (s *Store) GetMessage(convID, msgID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, convID, msgID)
		if err != nil {
			return err
		}
		msg = toMessage(dbMsg)
		return nil
	})
	return msg, err
}

// ListMessages returns one page of messages strictly older than before
// (Unix milliseconds; zero means "newest page"), oldest-first within the
// page, plus whether an older page exists.
func (s *Store) ListMessages(convID string, before int64, limit int) ([]models.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		page    []models.Message
		hasMore bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if _, err := getConversation(tx, convID); err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if convBucket == nil {
			return nil
		}

		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if before > 0 && dbMsg.CreatedAt >= before {
				continue
			}
			if len(page) == limit {
				hasMore = true
				return nil
			}
			page = append(page, toMessage(&dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	// Collected newest-first, flip to oldest-first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, hasMore, nil
}

// EditMessage replaces the content of a message and sets its edited flag.
// Ownership is the pipeline's concern; the store only mutates.
func (s *Store) EditMessage(convID, msgID, content, html string) (models.Message, error) {
	return s.updateMessage(convID, msgID, func(m *DBMessage) {
		m.Content = content
		m.HTML = html
		m.Edited = true
	})
}

// SoftDeleteMessage flags a message deleted without erasing its content.
func (s *Store) SoftDeleteMessage(convID, msgID string) (models.Message, error) {
	at := s.now().UnixMilli()
	return s.updateMessage(convID, msgID, func(m *DBMessage) {
		m.Deleted = true
		m.DeletedAt = at
	})
}

// ToggleReaction adds the (userID, emoji) reaction if absent and removes it
// if present, returning the updated message.
func (s *Store) ToggleReaction(convID, msgID, userID, emoji string) (models.Message, error) {
	return s.updateMessage(convID, msgID, func(m *DBMessage) {
		for i, r := range m.Reactions {
			if r.UserID == userID && r.Emoji == emoji {
				m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
				return
			}
		}
		m.Reactions = append(m.Reactions, DBReaction{Emoji: emoji, UserID: userID})
	})
}

// MarkRead appends a read receipt for every listed message the reader has
// not read yet, skipping the reader's own messages, and decrements the
// reader's unread counter by the number of newly read messages. It returns
// the ids that were newly marked and the reader's updated unread count.
// Marking an already-read message again is a no-op.
func (s *Store) MarkRead(convID string, msgIDs []string, readerID string) ([]string, int, error) {
	var (
		newlyRead []string
		unread    int
	)
	at := s.now().UnixMilli()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, convID)
		if err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convID))

		for _, msgID := range msgIDs {
			if convBucket == nil {
				break
			}
			dbMsg, err := getMessage(tx, convID, msgID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					continue
				}
				return err
			}
			if dbMsg.SenderID == readerID {
				continue
			}
			already := false
			for _, r := range dbMsg.ReadBy {
				if r.ReaderID == readerID {
					already = true
					break
				}
			}
			if already {
				continue
			}
			dbMsg.ReadBy = append(dbMsg.ReadBy, DBReadReceipt{ReaderID: readerID, ReadAt: at})
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := convBucket.Put(dbMsg.Key(), data); err != nil {
				return err
			}
			newlyRead = append(newlyRead, msgID)
		}

		if dbConv.Unread == nil {
			dbConv.Unread = make(map[string]int)
		}
		dbConv.Unread[readerID] -= len(newlyRead)
		if dbConv.Unread[readerID] < 0 {
			dbConv.Unread[readerID] = 0
		}
		unread = dbConv.Unread[readerID]
		return putConversation(tx, dbConv)
	})
	return newlyRead, unread, err
}

// CountUnread returns the denormalized unread counter for one participant.
func (s *Store) CountUnread(convID, userID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, convID)
		if err != nil {
			return err
		}
		count = dbConv.Unread[userID]
		return nil
	})
	return count, err
}

// UpsertPushSubscription stores a webpush subscription keyed by endpoint, so
// re-registering the same browser is idempotent.
func (s *Store) UpsertPushSubscription(userID string, sub DBPushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(sub.Key(), data)
	})
}

// ListPushSubscriptions returns all webpush subscriptions for a user.
func (s *Store) ListPushSubscriptions(userID string) ([]DBPushSubscription, error) {
	var subs []DBPushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var sub DBPushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *Store) updateMessage(convID, msgID string, mutate func(*DBMessage)) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, convID, msgID)
		if err != nil {
			return err
		}
		mutate(dbMsg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}
		msg = toMessage(dbMsg)
		return nil
	})
	return msg, err
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbConv, nil
}

func putConversation(tx *bbolt.Tx, dbConv *DBConversation) error {
	data, err := dbConv.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
}

func getMessage(tx *bbolt.Tx, convID, msgID string) (*DBMessage, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(msgID))
	if refData == nil {
		return nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, err
	}
	if ref.ConversationID != convID {
		return nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
	}
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convID))
	if convBucket == nil {
		return nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
	}
	lookup := DBMessage{Seq: ref.Seq}
	data := convBucket.Get(lookup.Key())
	if data == nil {
		return nil, fmt.Errorf("message %s: %w", msgID, models.ErrNotFound)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func (s *Store) toConversation(tx *bbolt.Tx, dbConv *DBConversation) models.Conversation {
	conv := models.Conversation{
		ID:           dbConv.ID,
		Participants: append([]string(nil), dbConv.Participants...),
		IsGroup:      dbConv.IsGroup,
		Name:         dbConv.Name,
		Unread:       make(map[string]int, len(dbConv.Unread)),
	}
	for k, v := range dbConv.Unread {
		conv.Unread[k] = v
	}
	if dbConv.LastMessageID != "" {
		if dbMsg, err := getMessage(tx, dbConv.ID, dbConv.LastMessageID); err == nil {
			msg := toMessage(dbMsg)
			conv.LastMessage = &msg
		}
	}
	return conv
}

func toMessage(dbMsg *DBMessage) models.Message {
	msg := models.Message{
		ID:             dbMsg.ID,
		Seq:            dbMsg.Seq,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		Content:        dbMsg.Content,
		HTML:           dbMsg.HTML,
		Type:           models.MessageType(dbMsg.Type),
		CreatedAt:      dbMsg.CreatedAt,
		ReplyTo:        dbMsg.ReplyTo,
		Edited:         dbMsg.Edited,
		Deleted:        dbMsg.Deleted,
		DeletedAt:      dbMsg.DeletedAt,
	}
	if len(dbMsg.ReadBy) > 0 {
		msg.ReadBy = make([]models.ReadReceipt, len(dbMsg.ReadBy))
		for i, r := range dbMsg.ReadBy {
			msg.ReadBy[i] = models.ReadReceipt{ReaderID: r.ReaderID, ReadAt: r.ReadAt}
		}
	}
	if len(dbMsg.Reactions) > 0 {
		msg.Reactions = make([]models.Reaction, len(dbMsg.Reactions))
		for i, r := range dbMsg.Reactions {
			msg.Reactions[i] = models.Reaction{Emoji: r.Emoji, UserID: r.UserID}
		}
	}
	return msg
}
