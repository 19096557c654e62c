package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clubhouse/internal/auth"
	"clubhouse/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	*gatewayFixture
	auth *auth.Service
	url  string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gf := newGatewayFixture(t)

	authService, err := auth.NewService(t.Context(), auth.Config{Secret: "test-secret", TokenExpiry: time.Hour})
	require.NoError(t, err)

	server := NewServer(authService, gf.gw)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleConnections))
	t.Cleanup(srv.Close)

	return &serverFixture{
		gatewayFixture: gf,
		auth:           authService,
		url:            "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// dial connects and completes the authentication handshake.
func (f *serverFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	token, err := f.auth.IssueToken(models.User{ID: userID, UserName: userID})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(models.ClientEvent{
		Type:  models.ClientEventAuthenticate,
		Token: token,
	}))

	var reply models.ServerEvent
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, models.ServerEventAuthenticated, reply.Type)
	require.True(t, reply.OK)
	require.Equal(t, userID, reply.Self.ID)

	return conn
}

// readUntil drains events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want models.ServerEventType) models.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	defer conn.SetReadDeadline(time.Time{})

	for {
		var ev models.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", want)
		if ev.Type == want {
			return ev
		}
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	f := newServerFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.ClientEvent{
		Type:  models.ClientEventAuthenticate,
		Token: "forged",
	}))

	var reply models.ServerEvent
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, models.ServerEventAuthenticated, reply.Type)
	require.False(t, reply.OK)
	require.Equal(t, "invalid credentials", reply.Error)

	// The server hangs up after a failed handshake.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.Error(t, conn.ReadJSON(&reply))
}

func TestServer_RequiresAuthenticateFirst(t *testing.T) {
	f := newServerFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventSend,
		ConversationID: "c1",
		Content:        "sneaking in",
	}))

	var reply models.ServerEvent
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, models.ServerEventAuthenticated, reply.Type)
	require.False(t, reply.OK)
}

func TestServer_MessageRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	conv, err := f.store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	require.NoError(t, err)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type: models.ClientEventJoin, ConversationID: conv.ID,
	}))
	readUntil(t, alice, models.ServerEventHistory)
	require.NoError(t, bob.WriteJSON(models.ClientEvent{
		Type: models.ClientEventJoin, ConversationID: conv.ID,
	}))
	readUntil(t, bob, models.ServerEventHistory)

	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type:           models.ClientEventSend,
		ConversationID: conv.ID,
		Content:        "hello over the wire",
		TempID:         "tmp-1",
	}))

	ack := readUntil(t, alice, models.ServerEventMessageSent)
	require.Equal(t, "tmp-1", ack.TempID)
	require.NotNil(t, ack.Message)
	require.Equal(t, "hello over the wire", ack.Message.Content)

	received := readUntil(t, bob, models.ServerEventMessageReceived)
	require.NotNil(t, received.Message)
	require.Equal(t, ack.Message.ID, received.Message.ID)

	// And it is durable, not just broadcast.
	stored, err := f.store.GetMessage(conv.ID, ack.Message.ID)
	require.NoError(t, err)
	require.Equal(t, "hello over the wire", stored.Content)
}

func TestServer_TypingIndicatorRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	conv, err := f.store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	require.NoError(t, err)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type: models.ClientEventJoin, ConversationID: conv.ID,
	}))
	readUntil(t, alice, models.ServerEventHistory)
	require.NoError(t, bob.WriteJSON(models.ClientEvent{
		Type: models.ClientEventJoin, ConversationID: conv.ID,
	}))
	readUntil(t, bob, models.ServerEventHistory)

	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type: models.ClientEventTypingStart, ConversationID: conv.ID,
	}))

	ev := readUntil(t, bob, models.ServerEventUserTyping)
	require.Equal(t, "alice", ev.UserID)
	require.True(t, ev.Typing)

	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type: models.ClientEventTypingStop, ConversationID: conv.ID,
	}))

	ev = readUntil(t, bob, models.ServerEventUserTyping)
	require.False(t, ev.Typing)
}
