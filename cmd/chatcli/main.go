// chatcli is a terminal client for the clubhouse gateway, mostly useful for
// poking at a local instance. It drives the same reconciliation layer the
// portal frontend uses.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"clubhouse/internal/auth"
	"clubhouse/internal/models"
	"clubhouse/internal/reconcile"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway address")
	token := flag.String("token", "", "credential token (overrides -user/-secret)")
	user := flag.String("user", "", "user id to self-issue a token for (dev only)")
	secret := flag.String("secret", os.Getenv("AUTH_SECRET"), "shared auth secret for self-issued tokens")
	convID := flag.String("conversation", "", "conversation id to join")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *token, *user, *secret, *convID); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, token, userID, secret, convID string) error {
	if token == "" {
		if userID == "" || secret == "" {
			return fmt.Errorf("either -token or -user with -secret is required")
		}
		svc, err := auth.NewService(ctx, auth.Config{Secret: secret})
		if err != nil {
			return err
		}
		token, err = svc.IssueToken(models.User{ID: userID, UserName: userID, DisplayName: userID})
		if err != nil {
			return err
		}
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: "/api/chat"}
	log.Printf("connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(models.ClientEvent{Type: models.ClientEventAuthenticate, Token: token}); err != nil {
		return err
	}
	var authed models.ServerEvent
	if err := conn.ReadJSON(&authed); err != nil {
		return err
	}
	if !authed.OK {
		return fmt.Errorf("authentication refused: %s", authed.Error)
	}

	state := reconcile.NewState(*authed.Self)
	log.Printf("authenticated as %s", authed.Self.ID)

	if convID != "" {
		if err := conn.WriteJSON(state.Open(convID)); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev models.ServerEvent
			if err := conn.ReadJSON(&ev); err != nil {
				log.Printf("read: %v", err)
				return
			}
			state.Apply(ev)
			render(state, ev)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || convID == "" {
				continue
			}
			ev, _ := state.SubmitSend(convID, line, "")
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("write: %v", err)
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
	}
	return nil
}

func render(state *reconcile.State, ev models.ServerEvent) {
	switch ev.Type {
	case models.ServerEventHistory:
		for _, m := range state.Transcript(ev.ConversationID) {
			printMessage(m)
		}
	case models.ServerEventMessageReceived:
		if ev.Message != nil {
			printMessage(reconcile.LocalMessage{Message: *ev.Message, Status: reconcile.StatusSent})
		}
	case models.ServerEventUserTyping:
		if ev.Typing {
			fmt.Printf("\r%s is typing...\n> ", ev.UserID)
		}
	case models.ServerEventUserStatus:
		status := "offline"
		if ev.Online {
			status = "online"
		}
		fmt.Printf("\r* %s is %s\n> ", ev.UserID, status)
	}
}

func printMessage(m reconcile.LocalMessage) {
	body := m.Content
	if m.Deleted {
		body = "(deleted)"
	}
	fmt.Printf("\r[%s] %s: %s\n> ", time.UnixMilli(m.CreatedAt).Format("15:04"), m.SenderID, body)
}
