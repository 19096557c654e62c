package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clubhouse/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conversations(t *testing.T) {
	store := newTestStore(t)

	t.Run("PairIdempotent", func(t *testing.T) {
		c1, err := store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
		if err != nil {
			t.Fatalf("FindOrCreateConversation failed: %v", err)
		}
		// Reversed participant order must resolve to the same conversation.
		c2, err := store.FindOrCreateConversation([]string{"bob", "alice"}, false, "")
		if err != nil {
			t.Fatalf("FindOrCreateConversation failed: %v", err)
		}
		if c1.ID != c2.ID {
			t.Errorf("expected same conversation, got %s and %s", c1.ID, c2.ID)
		}
	})

	t.Run("GroupsAlwaysNew", func(t *testing.T) {
		g1, err := store.FindOrCreateConversation([]string{"alice", "bob", "carol"}, true, "committee")
		if err != nil {
			t.Fatalf("group create failed: %v", err)
		}
		g2, err := store.FindOrCreateConversation([]string{"alice", "bob", "carol"}, true, "committee")
		if err != nil {
			t.Fatalf("group create failed: %v", err)
		}
		if g1.ID == g2.ID {
			t.Error("group conversations must not be deduplicated")
		}
	})

	t.Run("TooFewParticipants", func(t *testing.T) {
		_, err := store.FindOrCreateConversation([]string{"alice"}, false, "")
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("ListByParticipant", func(t *testing.T) {
		convs, err := store.Conversations("alice")
		if err != nil {
			t.Fatalf("Conversations failed: %v", err)
		}
		if len(convs) != 3 {
			t.Errorf("expected 3 conversations for alice, got %d", len(convs))
		}
		convs, err = store.Conversations("nobody")
		if err != nil {
			t.Fatalf("Conversations failed: %v", err)
		}
		if len(convs) != 0 {
			t.Errorf("expected no conversations, got %d", len(convs))
		}
	})
}

func TestStore_CreateMessage(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	if err != nil {
		t.Fatal(err)
	}

	m1, err := store.CreateMessage(conv.ID, "alice", "hello", "<p>hello</p>", models.MessageTypeText, "")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if m1.ID == "" || m1.Seq != 1 {
		t.Errorf("expected server-assigned id and seq 1, got %q seq %d", m1.ID, m1.Seq)
	}

	m2, err := store.CreateMessage(conv.ID, "bob", "hi", "", models.MessageTypeText, m1.ID)
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if m2.Seq != 2 {
		t.Errorf("expected seq 2, got %d", m2.Seq)
	}
	if m2.CreatedAt < m1.CreatedAt {
		t.Errorf("createdAt went backwards: %d then %d", m1.CreatedAt, m2.CreatedAt)
	}
	if m2.ReplyTo != m1.ID {
		t.Errorf("replyTo not preserved: %q", m2.ReplyTo)
	}

	t.Run("MonotoneUnderClockSkew", func(t *testing.T) {
		// A clock that jumps backwards must not produce an earlier or equal
		// timestamp.
		store.now = func() time.Time { return time.UnixMilli(m2.CreatedAt - 10_000) }
		m3, err := store.CreateMessage(conv.ID, "alice", "late", "", models.MessageTypeText, "")
		if err != nil {
			t.Fatal(err)
		}
		if m3.CreatedAt <= m2.CreatedAt {
			t.Errorf("createdAt not strictly increasing under clock skew: %d then %d", m2.CreatedAt, m3.CreatedAt)
		}
		store.now = time.Now
	})

	t.Run("UnreadAndLastMessage", func(t *testing.T) {
		got, err := store.GetConversation(conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.LastMessage == nil {
			t.Fatal("last message pointer not updated")
		}
		// alice sent 2, bob sent 1.
		if got.Unread["bob"] != 2 {
			t.Errorf("expected bob unread 2, got %d", got.Unread["bob"])
		}
		if got.Unread["alice"] != 1 {
			t.Errorf("expected alice unread 1, got %d", got.Unread["alice"])
		}
	})

	t.Run("MissingConversation", func(t *testing.T) {
		_, err := store.CreateMessage("nope", "alice", "x", "", models.MessageTypeText, "")
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_ListMessages(t *testing.T) {
	store := newTestStore(t)
	conv, err := store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	if err != nil {
		t.Fatal(err)
	}

	// Distinct timestamps so the before cursor can slice cleanly.
	base := time.Now().UnixMilli()
	for i := 0; i < 10; i++ {
		at := base + int64(i*1000)
		store.now = func() time.Time { return time.UnixMilli(at) }
		if _, err := store.CreateMessage(conv.ID, "alice", "m", "", models.MessageTypeText, ""); err != nil {
			t.Fatal(err)
		}
	}
	store.now = time.Now

	page, hasMore, err := store.ListMessages(conv.ID, 0, 4)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page) != 4 || !hasMore {
		t.Fatalf("expected newest page of 4 with more, got %d hasMore=%v", len(page), hasMore)
	}
	for i := 1; i < len(page); i++ {
		if page[i].CreatedAt < page[i-1].CreatedAt {
			t.Error("page not oldest-first")
		}
	}
	if page[3].Seq != 10 {
		t.Errorf("newest page should end at seq 10, got %d", page[3].Seq)
	}

	// Walk backwards to the beginning.
	var seen int
	before := page[0].CreatedAt
	for {
		older, more, err := store.ListMessages(conv.ID, before, 4)
		if err != nil {
			t.Fatal(err)
		}
		seen += len(older)
		if !more {
			break
		}
		before = older[0].CreatedAt
	}
	if seen != 6 {
		t.Errorf("expected to page through remaining 6 messages, got %d", seen)
	}

	t.Run("SameMillisecondBurst", func(t *testing.T) {
		// A burst created within one clock reading must still be fully
		// reachable through the before cursor.
		burst, err := store.FindOrCreateConversation([]string{"carol", "dave"}, false, "")
		if err != nil {
			t.Fatal(err)
		}
		at := time.Now()
		store.now = func() time.Time { return at }
		defer func() { store.now = time.Now }()
		for i := 0; i < 3; i++ {
			if _, err := store.CreateMessage(burst.ID, "carol", "m", "", models.MessageTypeText, ""); err != nil {
				t.Fatal(err)
			}
		}

		var seen int
		var before int64
		for {
			page, more, err := store.ListMessages(burst.ID, before, 2)
			if err != nil {
				t.Fatal(err)
			}
			seen += len(page)
			if !more {
				break
			}
			before = page[0].CreatedAt
		}
		if seen != 3 {
			t.Errorf("cursor lost messages in a same-millisecond burst: saw %d of 3", seen)
		}
	})

	t.Run("EmptyConversation", func(t *testing.T) {
		empty, err := store.FindOrCreateConversation([]string{"x", "y"}, false, "")
		if err != nil {
			t.Fatal(err)
		}
		page, hasMore, err := store.ListMessages(empty.ID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 0 || hasMore {
			t.Errorf("expected empty page, got %d hasMore=%v", len(page), hasMore)
		}
	})
}

func TestStore_MessageMutations(t *testing.T) {
	store := newTestStore(t)
	conv, _ := store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	msg, err := store.CreateMessage(conv.ID, "alice", "hi", "", models.MessageTypeText, "")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Edit", func(t *testing.T) {
		edited, err := store.EditMessage(conv.ID, msg.ID, "hi there", "<p>hi there</p>")
		if err != nil {
			t.Fatalf("EditMessage failed: %v", err)
		}
		if edited.Content != "hi there" || !edited.Edited {
			t.Errorf("edit not applied: %+v", edited)
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		deleted, err := store.SoftDeleteMessage(conv.ID, msg.ID)
		if err != nil {
			t.Fatalf("SoftDeleteMessage failed: %v", err)
		}
		if !deleted.Deleted || deleted.DeletedAt == 0 {
			t.Errorf("delete flags not set: %+v", deleted)
		}
		if deleted.Content != "hi there" {
			t.Error("soft delete must retain content")
		}
		// Still retrievable via history.
		page, _, err := store.ListMessages(conv.ID, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 1 || !page[0].Deleted {
			t.Error("deleted message missing from history")
		}
	})

	t.Run("ReactionToggle", func(t *testing.T) {
		m, err := store.ToggleReaction(conv.ID, msg.ID, "bob", "👍")
		if err != nil {
			t.Fatal(err)
		}
		if len(m.Reactions) != 1 {
			t.Fatalf("expected 1 reaction, got %d", len(m.Reactions))
		}
		m, err = store.ToggleReaction(conv.ID, msg.ID, "bob", "👍")
		if err != nil {
			t.Fatal(err)
		}
		if len(m.Reactions) != 0 {
			t.Errorf("toggle did not remove reaction: %+v", m.Reactions)
		}
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		_, err := store.EditMessage(conv.ID, "missing", "x", "")
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_MarkRead(t *testing.T) {
	store := newTestStore(t)
	conv, _ := store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")

	m1, _ := store.CreateMessage(conv.ID, "alice", "one", "", models.MessageTypeText, "")
	m2, _ := store.CreateMessage(conv.ID, "alice", "two", "", models.MessageTypeText, "")
	m3, _ := store.CreateMessage(conv.ID, "bob", "three", "", models.MessageTypeText, "")

	newly, unread, err := store.MarkRead(conv.ID, []string{m1.ID, m2.ID, m3.ID}, "bob")
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	// bob's own message must be skipped.
	if len(newly) != 2 {
		t.Fatalf("expected 2 newly read, got %d", len(newly))
	}
	if unread != 0 {
		t.Errorf("expected unread 0, got %d", unread)
	}

	t.Run("Idempotent", func(t *testing.T) {
		newly, unread, err := store.MarkRead(conv.ID, []string{m1.ID, m2.ID}, "bob")
		if err != nil {
			t.Fatal(err)
		}
		if len(newly) != 0 {
			t.Errorf("re-marking read produced %d new receipts", len(newly))
		}
		if unread != 0 {
			t.Errorf("unread went negative or reset: %d", unread)
		}
		got, err := store.GetMessage(conv.ID, m1.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.ReadBy) != 1 {
			t.Errorf("duplicate read receipt: %+v", got.ReadBy)
		}
	})

	t.Run("CountUnread", func(t *testing.T) {
		count, err := store.CountUnread(conv.ID, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("expected alice unread 1 (bob's message), got %d", count)
		}
	})
}

func TestStore_PushSubscriptions(t *testing.T) {
	store := newTestStore(t)

	sub := DBPushSubscription{Endpoint: "https://push.example/abc", P256dh: "p", Auth: "a"}
	if err := store.UpsertPushSubscription("alice", sub); err != nil {
		t.Fatal(err)
	}
	// Same endpoint again is an upsert, not a duplicate.
	if err := store.UpsertPushSubscription("alice", sub); err != nil {
		t.Fatal(err)
	}

	subs, err := store.ListPushSubscriptions("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Endpoint != sub.Endpoint {
		t.Errorf("endpoint mismatch: %s", subs[0].Endpoint)
	}

	subs, err = store.ListPushSubscriptions("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscriptions for bob, got %d", len(subs))
	}
}
