package ws

import (
	"errors"
	"log/slog"

	"clubhouse/internal/models"
	"clubhouse/internal/pipeline"
	"clubhouse/internal/presence"
	"clubhouse/internal/room"
	"clubhouse/internal/signals"
)

const historyPageSize = 50

type historyStore interface {
	ListMessages(convID string, before int64, limit int) ([]models.Message, bool, error)
}

// Gateway dispatches client events from live connections to the presence
// registry, room router, message pipeline and signal broadcaster, and turns
// their results into server events on the originating connection.
type Gateway struct {
	registry *presence.Registry
	rooms    *room.Router
	pipeline *pipeline.Pipeline
	signals  *signals.Broadcaster
	history  historyStore
}

func NewGateway(
	registry *presence.Registry,
	rooms *room.Router,
	pl *pipeline.Pipeline,
	signals *signals.Broadcaster,
	history historyStore,
) *Gateway {
	return &Gateway{
		registry: registry,
		rooms:    rooms,
		pipeline: pl,
		signals:  signals,
		history:  history,
	}
}

// Connect admits an authenticated connection and seeds it with the current
// online users.
func (g *Gateway) Connect(c *Connection) {
	g.registry.Admit(c.User(), c)
	c.Send(models.ServerEvent{
		Type:  models.ServerEventOnlineUsers,
		Users: g.registry.Snapshot(),
	})
}

// Disconnect tears down every subscription the connection held. Room
// subscriptions are not remembered across reconnects.
func (g *Gateway) Disconnect(c *Connection) {
	g.rooms.LeaveAll(c)
	g.registry.Remove(c.UserID(), c)
}

// HandleEvent routes one client event. Validation, membership and ownership
// failures are answered on the originating connection only, never
// broadcast.
func (g *Gateway) HandleEvent(c *Connection, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventJoin:
		g.handleJoin(c, ev)

	case models.ClientEventLeave:
		g.rooms.Leave(c, ev.ConversationID)

	case models.ClientEventSend:
		msg, err := g.pipeline.Send(ev.ConversationID, c.UserID(), ev.Content, ev.ReplyTo)
		if err != nil {
			g.sendError(c, ev, err)
			return
		}
		c.Send(models.ServerEvent{
			Type:           models.ServerEventMessageSent,
			ConversationID: ev.ConversationID,
			Message:        &msg,
			TempID:         ev.TempID,
		})

	case models.ClientEventEdit:
		if _, err := g.pipeline.Edit(ev.ConversationID, ev.MessageID, c.UserID(), ev.Content); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventDelete:
		if err := g.pipeline.Delete(ev.ConversationID, ev.MessageID, c.UserID()); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventReact:
		if err := g.pipeline.React(ev.ConversationID, ev.MessageID, c.UserID(), ev.Emoji); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventTypingStart:
		if err := g.signals.TypingStart(ev.ConversationID, c.UserID()); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventTypingStop:
		if err := g.signals.TypingStop(ev.ConversationID, c.UserID()); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventMarkRead:
		if _, err := g.pipeline.MarkRead(ev.ConversationID, ev.MessageIDs, c.UserID()); err != nil {
			g.sendError(c, ev, err)
		}

	case models.ClientEventAuthenticate:
		// The handshake already happened; a second authenticate is a
		// client bug but not worth dropping the connection for.

	default:
		c.Send(models.ServerEvent{
			Type:   models.ServerEventMessageError,
			TempID: ev.TempID,
			Reason: "unknown event type",
		})
	}
}

// handleJoin subscribes the connection, replies with the latest history
// page and implicitly marks the unread messages from other senders read.
func (g *Gateway) handleJoin(c *Connection, ev models.ClientEvent) {
	if _, err := g.rooms.Join(c, ev.ConversationID); err != nil {
		g.sendError(c, ev, err)
		return
	}

	page, hasMore, err := g.history.ListMessages(ev.ConversationID, 0, historyPageSize)
	if err != nil {
		g.sendError(c, ev, err)
		return
	}

	var unreadIDs []string
	for i := range page {
		if page[i].SenderID != c.UserID() && !page[i].ReadByUser(c.UserID()) {
			unreadIDs = append(unreadIDs, page[i].ID)
		}
	}
	if len(unreadIDs) > 0 {
		if _, err := g.pipeline.MarkRead(ev.ConversationID, unreadIDs, c.UserID()); err != nil {
			slog.Error("implicit mark-read on join failed",
				"conversation_id", ev.ConversationID, "user_id", c.UserID(), "error", err)
		}
	}

	c.Send(models.ServerEvent{
		Type:           models.ServerEventHistory,
		ConversationID: ev.ConversationID,
		Messages:       page,
		HasMore:        hasMore,
	})
}

func (g *Gateway) sendError(c *Connection, ev models.ClientEvent, err error) {
	c.Send(models.ServerEvent{
		Type:           models.ServerEventMessageError,
		ConversationID: ev.ConversationID,
		TempID:         ev.TempID,
		Reason:         reasonFor(err),
	})
}

// reasonFor maps an error to the wire taxonomy. Internal detail stays in
// the logs.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, models.ErrNotAMember):
		return "notAMember"
	case errors.Is(err, models.ErrNotFound):
		return "notFound"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrValidation):
		return err.Error()
	default:
		slog.Error("gateway operation failed", "error", err)
		return "internal error"
	}
}
