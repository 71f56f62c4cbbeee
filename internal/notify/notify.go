// Package notify records operational events (autonomous message outcomes)
// and delivers best-effort web-push notifications to a user's subscribed
// clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/minhngo/banthan/internal/storage"
)

const maxConcurrentPushes = 8

// VAPIDConfig carries the web-push signing configuration. Zero keys disable
// push delivery; events are still recorded.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // contact mailto: or URL, required by the protocol
}

// Notifier persists notification events and pushes to subscriptions.
type Notifier struct {
	store *storage.Store
	vapid VAPIDConfig
}

// New creates a Notifier. Push delivery is active only when vapid keys are
// set.
func New(store *storage.Store, vapid VAPIDConfig) *Notifier {
	return &Notifier{store: store, vapid: vapid}
}

// Success records a SUCCESS event for an autonomous message and attempts
// push delivery of the message text.
func (n *Notifier) Success(ctx context.Context, p storage.Persona, text string) {
	n.record(p, storage.CategorySuccess, text)
	n.Push(ctx, p.UserID, p.Name, text)
}

// Failure records a FAILURE event. No push: the user gets failure detail
// from the notification feed, not as an alert.
func (n *Notifier) Failure(ctx context.Context, p storage.Persona, text string) {
	n.record(p, storage.CategoryFailure, text)
}

func (n *Notifier) record(p storage.Persona, category, text string) {
	_, err := n.store.AddNotification(storage.Notification{
		UserID:    p.UserID,
		PersonaID: p.ID,
		Category:  category,
		Name:      p.Name,
		Message:   text,
	})
	if err != nil {
		slog.Error("recording notification", "persona", p.ID, "category", category, "error", err)
	}
}

// pushPayload is the JSON body clients receive.
type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Push sends a web-push notification to every subscription of the user.
// Each send is independent and best-effort; failures are logged and the
// rest of the fan-out continues.
func (n *Notifier) Push(ctx context.Context, userID, title, body string) {
	if !n.pushEnabled() {
		return
	}

	subs, err := n.store.Subscriptions(userID)
	if err != nil {
		slog.Error("loading push subscriptions", "user", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(pushPayload{Title: title, Body: body})
	if err != nil {
		slog.Error("marshalling push payload", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPushes)
	for _, sub := range subs {
		g.Go(func() error {
			if err := n.send(ctx, sub, payload); err != nil {
				slog.Warn("push delivery failed", "user", userID, "endpoint", sub.Endpoint, "error", err)
			}
			// Per-subscription errors never abort the fan-out.
			return nil
		})
	}
	g.Wait()
}

func (n *Notifier) send(ctx context.Context, sub storage.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      n.vapid.Subscriber,
		VAPIDPublicKey:  n.vapid.PublicKey,
		VAPIDPrivateKey: n.vapid.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (n *Notifier) pushEnabled() bool {
	return n.vapid.PublicKey != "" && n.vapid.PrivateKey != ""
}
