// Package notify delivers wallet and escrow events to user-registered
// webhook endpoints.
//
// Users can subscribe URLs to receive notifications about:
// - Balance changes (deposits, withdrawals, transfers)
// - Escrow lifecycle transitions
// - Failed settlements and refunds
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vendaro/vendaro/internal/idgen"
	"github.com/vendaro/vendaro/internal/logging"
	"github.com/vendaro/vendaro/internal/metrics"
)

// Event is one notification delivered to a subscriber.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Subscription is a user-registered delivery endpoint.
type Subscription struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // used for HMAC signing
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher fans events out to a user's active subscriptions.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify builds an event and delivers it to all of the user's active
// endpoints. Delivery is asynchronous and best-effort; ledger and escrow
// operations never block on it.
func (d *Dispatcher) Notify(ctx context.Context, userID, title, message string, data map[string]any) {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		logging.L(ctx).Warn("failed to load notification subscriptions",
			"user_id", userID, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Detach from the request context so delivery survives the response.
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
}

// Subscribe registers a new endpoint for a user. The returned subscription
// includes the generated signing secret exactly once.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, url string) (*Subscription, string, error) {
	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       url,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Create(ctx, sub); err != nil {
		return nil, "", err
	}
	return sub, secret, nil
}

// Unsubscribe removes a subscription. Only the owner may remove it.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id, userID string) error {
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return ErrNotSubscriptionOwner
	}
	return d.store.Delete(ctx, id)
}

// Subscriptions lists a user's endpoints.
func (d *Dispatcher) Subscriptions(ctx context.Context, userID string) ([]*Subscription, error) {
	return d.store.GetByUser(ctx, userID)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vendaro-Event", event.ID)
	req.Header.Set("X-Vendaro-Timestamp", fmt.Sprintf("%d", event.CreatedAt.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Vendaro-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	sub.LastError = errMsg
	_ = d.store.Update(ctx, sub)
}
