package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"clubhouse/internal/auth"
	"clubhouse/internal/models"
	"clubhouse/internal/storage"
)

const defaultPageSize = 50

// API serves the REST surface used outside the live connection: history
// pagination, the conversation list, and webpush registration.
type API struct {
	auth  *auth.Service
	store *storage.Store
}

func New(authService *auth.Service, store *storage.Store) *API {
	return &API{auth: authService, store: store}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth verifies the credential token before invoking the handler.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, user models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Verify(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

// ConversationView is the list shape: the requester sees their own unread
// counter, not everyone's.
type ConversationView struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	IsGroup      bool            `json:"isGroup"`
	Name         string          `json:"name,omitempty"`
	LastMessage  *models.Message `json:"lastMessage,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
}

func toView(conv models.Conversation, userID string) ConversationView {
	return ConversationView{
		ID:           conv.ID,
		Participants: conv.Participants,
		IsGroup:      conv.IsGroup,
		Name:         conv.Name,
		LastMessage:  conv.LastMessage,
		UnreadCount:  conv.Unread[userID],
	}
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	convs, err := a.store.Conversations(user.ID)
	if err != nil {
		log.Printf("listing conversations for %s: %v", user.ID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	views := make([]ConversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, toView(conv, user.ID))
	}

	writeJSON(w, views)
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	IsGroup        bool     `json:"isGroup"`
	Name           string   `json:"name"`
}

// CreateConversationHandler creates a conversation, or returns the existing
// one for a direct pair. The requester is always a participant.
func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	participants := req.ParticipantIDs
	found := false
	for _, p := range participants {
		if p == user.ID {
			found = true
			break
		}
	}
	if !found {
		participants = append(participants, user.ID)
	}

	conv, err := a.store.FindOrCreateConversation(participants, req.IsGroup, req.Name)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("creating conversation: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, toView(conv, user.ID))
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// MessagesHandler serves one backward-pagination page:
// GET /api/conversations/{id}/messages?before=<ts>&limit=<n>.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	convID := r.PathValue("id")

	conv, err := a.store.GetConversation(convID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		log.Printf("loading conversation %s: %v", convID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !conv.HasParticipant(user.ID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid before cursor", http.StatusBadRequest)
			return
		}
	}
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > 200 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	messages, hasMore, err := a.store.ListMessages(convID, before, limit)
	if err != nil {
		log.Printf("listing messages for %s: %v", convID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, messagesResponse{Messages: messages, HasMore: hasMore})
}

// UnreadHandler returns the requester's unread counter for one
// conversation; the reconciliation layer re-fetches it on reconnect.
func (a *API) UnreadHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	convID := r.PathValue("id")

	count, err := a.store.CountUnread(convID, user.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		log.Printf("counting unread for %s: %v", convID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]int{"count": count})
}

type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscribeHandler registers a browser's webpush subscription.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req pushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := a.store.UpsertPushSubscription(user.ID, storage.DBPushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		log.Printf("storing push subscription for %s: %v", user.ID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
