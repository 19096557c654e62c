package notify

import (
	"encoding/json"
	"log/slog"

	"clubhouse/internal/models"
	"clubhouse/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
)

// Subscriptions is the slice of the store the notifier reads.
type Subscriptions interface {
	ListPushSubscriptions(userID string) ([]storage.DBPushSubscription, error)
}

type Config struct {
	// VAPID key pair for webpush. Leave empty to disable push entirely.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Contact         string
}

// Enabled reports whether push is configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Notifier delivers a lightweight new-message ping to participants with no
// live connection. Delivery is best effort: a failed push is logged and
// forgotten, the message itself is already durable.
type Notifier struct {
	cfg  Config
	subs Subscriptions
}

func NewNotifier(cfg Config, subs Subscriptions) *Notifier {
	return &Notifier{cfg: cfg, subs: subs}
}

// pushPayload is what the service worker on the client unpacks. Content is
// deliberately not included; the client fetches the transcript itself.
type pushPayload struct {
	ConversationID string `json:"conversationId"`
	Conversation   string `json:"conversation,omitempty"`
	SenderID       string `json:"senderId"`
	MessageID      string `json:"messageId"`
}

// Push sends the ping to every registered subscription of the user.
func (n *Notifier) Push(userID string, conv models.Conversation, msg models.Message) {
	if !n.cfg.Enabled() {
		return
	}

	subs, err := n.subs.ListPushSubscriptions(userID)
	if err != nil {
		slog.Error("listing push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(pushPayload{
		ConversationID: conv.ID,
		Conversation:   conv.Name,
		SenderID:       msg.SenderID,
		MessageID:      msg.ID,
	})
	if err != nil {
		slog.Error("marshaling push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.cfg.Contact,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
