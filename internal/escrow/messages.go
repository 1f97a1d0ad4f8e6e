package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vendaro/vendaro/internal/idgen"
)

var ErrEmptyMessage = errors.New("message body cannot be empty")

// MaxMessageLength bounds a single escrow message body.
const MaxMessageLength = 2000

// Message is one line of the buyer/seller conversation attached to an
// escrow. Messages survive resolution so disputes have a record.
type Message struct {
	ID       string    `json:"id"`
	EscrowID string    `json:"escrowId"`
	SenderID string    `json:"senderId"`
	Role     string    `json:"role"` // "buyer" or "seller"
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
}

// SendMessage appends a message to the escrow conversation. Only the two
// parties may write.
func (s *Service) SendMessage(ctx context.Context, escrowID, senderID, body string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if len(body) > MaxMessageLength {
		body = body[:MaxMessageLength]
	}

	escrow, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	var role string
	switch senderID {
	case escrow.BuyerID:
		role = "buyer"
	case escrow.SellerID:
		role = "seller"
	default:
		return nil, ErrUnauthorized
	}

	msg := &Message{
		ID:       idgen.WithPrefix("msg_"),
		EscrowID: escrowID,
		SenderID: senderID,
		Role:     role,
		Body:     body,
		SentAt:   time.Now().UTC(),
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}

	recipient := escrow.SellerID
	if role == "seller" {
		recipient = escrow.BuyerID
	}
	s.notify(ctx, recipient, "New escrow message",
		"New message on escrow "+escrowID, escrow)
	return msg, nil
}

// Messages returns the conversation for an escrow, oldest first. Only the
// two parties may read it.
func (s *Service) Messages(ctx context.Context, escrowID, callerID string, limit int) ([]*Message, error) {
	escrow, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListMessages(ctx, escrowID, limit)
}
