package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clubhouse/internal/auth"
	"clubhouse/internal/models"
	"clubhouse/internal/storage"

	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	api   *API
	store *storage.Store
	auth  *auth.Service
	srv   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "api_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	authService, err := auth.NewService(t.Context(), auth.Config{Secret: "test-secret", TokenExpiry: time.Hour})
	require.NoError(t, err)

	a := New(authService, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", a.RequireAuth(a.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", a.RequireAuth(a.CreateConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", a.RequireAuth(a.MessagesHandler))
	mux.HandleFunc("GET /api/conversations/{id}/unread", a.RequireAuth(a.UnreadHandler))
	mux.HandleFunc("POST /api/push-subscriptions", a.RequireAuth(a.PushSubscribeHandler))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{api: a, store: store, auth: authService, srv: srv}
}

func (f *apiFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.auth.IssueToken(models.User{ID: userID, UserName: userID})
	require.NoError(t, err)
	return token
}

func (f *apiFixture) request(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/conversations", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/conversations", "garbage-token", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_Conversations(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/conversations", token,
		`{"participantIds":["bob"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created ConversationView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Len(t, created.Participants, 2)
	require.Contains(t, created.Participants, "alice")

	// Repeating the pair returns the same conversation.
	resp = f.request(t, http.MethodPost, "/api/conversations", token,
		`{"participantIds":["bob","alice"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var again ConversationView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	require.Equal(t, created.ID, again.ID)

	resp = f.request(t, http.MethodGet, "/api/conversations", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []ConversationView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)

	t.Run("TooFewParticipants", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/api/conversations", token,
			`{"participantIds":[]}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_Messages(t *testing.T) {
	f := newAPIFixture(t)
	conv, err := f.store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.store.CreateMessage(conv.ID, "bob", fmt.Sprintf("m%d", i), "", models.MessageTypeText, "")
		require.NoError(t, err)
	}

	aliceToken := f.token(t, "alice")

	resp := f.request(t, http.MethodGet,
		"/api/conversations/"+conv.ID+"/messages?limit=3", aliceToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page messagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 3)
	require.True(t, page.HasMore)

	// The before cursor fetches the older remainder.
	before := page.Messages[0].CreatedAt
	resp = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/messages?before=%d&limit=3", conv.ID, before), aliceToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 2)
	require.False(t, page.HasMore)

	t.Run("NonMemberForbidden", func(t *testing.T) {
		resp := f.request(t, http.MethodGet,
			"/api/conversations/"+conv.ID+"/messages", f.token(t, "mallory"), "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		resp := f.request(t, http.MethodGet,
			"/api/conversations/missing/messages", aliceToken, "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("BadCursor", func(t *testing.T) {
		resp := f.request(t, http.MethodGet,
			"/api/conversations/"+conv.ID+"/messages?before=yesterday", aliceToken, "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("BadLimit", func(t *testing.T) {
		resp := f.request(t, http.MethodGet,
			"/api/conversations/"+conv.ID+"/messages?limit=9999", aliceToken, "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAPI_Unread(t *testing.T) {
	f := newAPIFixture(t)
	conv, err := f.store.FindOrCreateConversation([]string{"alice", "bob"}, false, "")
	require.NoError(t, err)
	_, err = f.store.CreateMessage(conv.ID, "bob", "hello", "", models.MessageTypeText, "")
	require.NoError(t, err)

	resp := f.request(t, http.MethodGet,
		"/api/conversations/"+conv.ID+"/unread", f.token(t, "alice"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body["count"])
}

func TestAPI_PushSubscribe(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/push-subscriptions", token,
		`{"endpoint":"https://push.example/abc","keys":{"p256dh":"p","auth":"a"}}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	subs, err := f.store.ListPushSubscriptions("alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "https://push.example/abc", subs[0].Endpoint)

	t.Run("MissingEndpoint", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/api/push-subscriptions", token,
			`{"keys":{"p256dh":"p","auth":"a"}}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
