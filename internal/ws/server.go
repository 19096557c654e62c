package ws

import (
	"log/slog"
	"net/http"
	"time"

	"clubhouse/internal/auth"
	"clubhouse/internal/models"

	"github.com/gorilla/websocket"
)

// DefaultAuthTimeout bounds the authentication handshake. A connection that
// has not authenticated within the window is dropped.
const DefaultAuthTimeout = 10 * time.Second

// Server upgrades HTTP requests to gateway connections. The first client
// event must be an authenticate carrying a valid credential token; nothing
// else is accepted before it.
type Server struct {
	auth        *auth.Service
	gateway     *Gateway
	upgrader    *websocket.Upgrader
	authTimeout time.Duration
}

func NewServer(authService *auth.Service, gateway *Gateway) *Server {
	return &Server{
		auth:    authService,
		gateway: gateway,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Same-origin enforcement happens at the proxy
			},
		},
		authTimeout: DefaultAuthTimeout,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	user, ok := s.handshake(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	c := NewConnection(s.gateway, conn, user)
	s.gateway.Connect(c)

	if err := c.Handle(r.Context()); err != nil {
		slog.Info("connection closed", "user_id", user.ID, "error", err)
	}
}

// handshake reads the authenticate event under a deadline and verifies the
// token. The authenticated reply always goes out, success or not, so the
// client knows whether to retry or re-login.
func (s *Server) handshake(conn *websocket.Conn) (models.User, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var ev models.ClientEvent
	if err := conn.ReadJSON(&ev); err != nil {
		return models.User{}, false
	}
	if ev.Type != models.ClientEventAuthenticate {
		_ = conn.WriteJSON(models.ServerEvent{
			Type:  models.ServerEventAuthenticated,
			Error: "authenticate first",
		})
		return models.User{}, false
	}

	user, err := s.auth.Verify(ev.Token)
	if err != nil {
		_ = conn.WriteJSON(models.ServerEvent{
			Type:  models.ServerEventAuthenticated,
			Error: "invalid credentials",
		})
		return models.User{}, false
	}

	if err := conn.WriteJSON(models.ServerEvent{
		Type: models.ServerEventAuthenticated,
		OK:   true,
		Self: &user,
	}); err != nil {
		return models.User{}, false
	}

	return user, true
}
