// Package settlement bridges external payment gateways to the ledger.
//
// Flow:
//  1. A user initiates a deposit; the gateway collects the money
//  2. The gateway calls back; the signature is verified and the ledger
//     credited exactly once
//  3. A withdrawal debits the wallet up front, then the payout is submitted
//  4. A failed payout is reconciled: the ledger refunds the debit
//
// The gateways differ in payload shape but share one contract here: every
// callback carries a reference, and replays of the same reference are safe.
package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/ledger"
	"github.com/vendaro/vendaro/internal/logging"
	"github.com/vendaro/vendaro/internal/money"
	"github.com/vendaro/vendaro/internal/traces"
)

var (
	ErrUnknownProvider  = errors.New("settlement: unknown provider")
	ErrBadSignature     = errors.New("settlement: signature verification failed")
	ErrMissingReference = errors.New("settlement: callback missing reference")
)

// Provider identifies a payment gateway.
type Provider string

const (
	Paystack    Provider = "paystack"
	Flutterwave Provider = "flutterwave"
	NOWPayments Provider = "nowpayments"
	ClubKonnect Provider = "clubkonnect"
)

// KnownProvider reports whether p is a supported gateway.
func KnownProvider(p Provider) bool {
	switch p {
	case Paystack, Flutterwave, NOWPayments, ClubKonnect:
		return true
	}
	return false
}

// Event is a normalized gateway callback.
type Event struct {
	Provider    Provider `json:"provider"`
	Reference   string   `json:"reference"`
	UserID      string   `json:"userId"`
	Currency    string   `json:"currency"`
	Amount      string   `json:"amount"`
	Success     bool     `json:"success"`
	ProviderRef string   `json:"providerRef,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// PayoutRequest is an outbound payout submission.
type PayoutRequest struct {
	Provider    Provider
	Reference   string
	UserID      string
	Currency    string
	Amount      money.Amount
	Destination string
}

// PayoutClient submits payouts to a gateway. Results arrive later as
// callbacks; a synchronous error means the payout never left.
type PayoutClient interface {
	SubmitPayout(ctx context.Context, req PayoutRequest) error
}

// NoopPayoutClient accepts every payout without calling anything. Used in
// development where no gateway credentials exist.
type NoopPayoutClient struct{}

func (NoopPayoutClient) SubmitPayout(ctx context.Context, req PayoutRequest) error {
	logging.L(ctx).Info("payout accepted (noop gateway)",
		"provider", string(req.Provider),
		"reference", req.Reference,
		"amount", money.Format(req.Amount),
		"currency", req.Currency,
	)
	return nil
}

// SecretSource yields the shared webhook secret for a provider. An empty
// string disables verification for that provider (development only).
type SecretSource func(provider string) string

// Service applies verified gateway events to the ledger.
type Service struct {
	ledger  *ledger.Service
	secrets SecretSource
	payout  PayoutClient
}

// New creates a settlement service.
func New(l *ledger.Service, secrets SecretSource, payout PayoutClient) *Service {
	if payout == nil {
		payout = NoopPayoutClient{}
	}
	return &Service{ledger: l, secrets: secrets, payout: payout}
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw callback
// body. Comparison is constant-time.
func (s *Service) VerifySignature(provider Provider, body []byte, signature string) error {
	secret := s.secrets(string(provider))
	if secret == "" {
		return nil // verification disabled
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// HandleDeposit applies a deposit callback. A success credits the wallet
// (completing the pending intent if one exists); a failure settles the
// intent as FAILED with no refund, since no funds ever arrived.
func (s *Service) HandleDeposit(ctx context.Context, ev Event) error {
	if ev.Reference == "" {
		return ErrMissingReference
	}
	ctx, span := traces.StartSpan(ctx, "settlement.HandleDeposit",
		traces.Provider(string(ev.Provider)), traces.Reference(ev.Reference))
	defer span.End()

	if !ev.Success {
		reason := ev.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		err := s.ledger.ReconcileFailed(ctx, ev.Reference, reason)
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			// Failure callback for a deposit we never initiated. Log and move on.
			logging.L(ctx).Warn("deposit failure callback with no matching transaction",
				"provider", string(ev.Provider), "reference", ev.Reference)
			return nil
		}
		return err
	}

	amount, err := money.ParsePositive(ev.Amount)
	if err != nil {
		return fmt.Errorf("invalid callback amount %q: %w", ev.Amount, err)
	}
	_, err = s.ledger.Credit(ctx, ev.UserID, ev.Currency, amount, fees.Deposit, ev.Reference,
		"deposit via "+string(ev.Provider),
		&ledger.GatewayMeta{Provider: string(ev.Provider), ProviderRef: ev.ProviderRef})
	return err
}

// InitiateWithdrawal debits the wallet and submits the payout. The debit is
// synchronous so the funds cannot be double-spent while the payout is in
// flight. If submission itself fails the debit is reconciled back.
func (s *Service) InitiateWithdrawal(ctx context.Context, provider Provider, userID, currency string, amount money.Amount, reference, destination string) (*ledger.Transaction, error) {
	if !KnownProvider(provider) {
		return nil, ErrUnknownProvider
	}
	ctx, span := traces.StartSpan(ctx, "settlement.InitiateWithdrawal",
		traces.Provider(string(provider)), traces.UserID(userID),
		traces.Amount(money.Format(amount)), traces.Reference(reference))
	defer span.End()

	txn, err := s.ledger.Withdraw(ctx, userID, currency, amount, reference,
		&ledger.GatewayMeta{Provider: string(provider), Destination: destination})
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		// Replay of an already-settled withdrawal; do not resubmit.
		return txn, nil
	}

	if err := s.payout.SubmitPayout(ctx, PayoutRequest{
		Provider:    provider,
		Reference:   reference,
		UserID:      userID,
		Currency:    txn.Currency,
		Amount:      txn.NetAmount,
		Destination: destination,
	}); err != nil {
		if recErr := s.ledger.ReconcileFailed(ctx, reference, "payout submission failed: "+err.Error()); recErr != nil {
			logging.L(ctx).Error("payout submission failed and reconcile failed, manual resolution required",
				"reference", reference, "submit_error", err, "reconcile_error", recErr)
			return nil, recErr
		}
		return nil, fmt.Errorf("payout submission failed: %w", err)
	}
	return txn, nil
}

// HandlePayoutResult applies a payout callback: success completes the
// PROCESSING withdrawal, failure refunds it. Replays are no-ops.
func (s *Service) HandlePayoutResult(ctx context.Context, ev Event) error {
	if ev.Reference == "" {
		return ErrMissingReference
	}

	if ev.Success {
		_, err := s.ledger.CompleteOperation(ctx, ev.Reference)
		return err
	}
	reason := ev.Reason
	if reason == "" {
		reason = "gateway rejected payout"
	}
	return s.ledger.ReconcileFailed(ctx, ev.Reference, reason)
}
