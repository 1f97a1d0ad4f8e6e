// Package escrow provides buyer-protection for marketplace purchases.
//
// Flow:
//  1. Buyer opens an escrow against a seller's listing (no funds move)
//  2. Seller accepts (or rejects, cancelling the escrow)
//  3. Buyer funds it → amount+fee debited from the buyer's wallet
//  4. Buyer confirms delivery → amount released to the seller
//  5. Buyer disputes → funds frozen until an arbiter resolves
//  6. Deadline passes without dispute → auto-released to the seller
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/idgen"
	"github.com/vendaro/vendaro/internal/logging"
	"github.com/vendaro/vendaro/internal/metrics"
	"github.com/vendaro/vendaro/internal/money"
	"github.com/vendaro/vendaro/internal/traces"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrSameParty       = errors.New("buyer and seller cannot be the same user")
	ErrNotAccepted     = errors.New("seller has not accepted this escrow")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // created, awaiting funding
	StatusFunded    Status = "funded"    // buyer funds locked
	StatusReleased  Status = "released"  // funds sent to seller
	StatusRefunded  Status = "refunded"  // funds returned to buyer
	StatusDisputed  Status = "disputed"  // frozen pending arbitration
	StatusCancelled Status = "cancelled" // abandoned before funding
)

// DefaultAutoRelease is the default deadline before a funded escrow releases
// to the seller.
const DefaultAutoRelease = 72 * time.Hour

// Escrow is one buyer-protection agreement. Amount is the item price; Fee is
// the funding fee the buyer pays on top. A refund returns Amount+Fee, a
// release pays the bare Amount to the seller.
type Escrow struct {
	ID            string        `json:"id"`
	BuyerID       string        `json:"buyerId"`
	SellerID      string        `json:"sellerId"`
	Currency      string        `json:"currency"`
	Amount        money.Amount  `json:"amount"`
	Fee           money.Amount  `json:"fee"`
	ListingID     string        `json:"listingId,omitempty"`
	Title         string        `json:"title,omitempty"`
	Description   string        `json:"description,omitempty"`
	Terms         string        `json:"terms,omitempty"`
	Status        Status        `json:"status"`
	ReleaseAfter  time.Duration `json:"releaseAfter,omitempty"` // custom deadline, applied at funding
	AcceptedAt    *time.Time    `json:"acceptedAt,omitempty"`
	FundedAt      *time.Time    `json:"fundedAt,omitempty"`
	AutoReleaseAt *time.Time    `json:"autoReleaseAt,omitempty"`
	DisputedAt    *time.Time    `json:"disputedAt,omitempty"`
	ResolvedAt    *time.Time    `json:"resolvedAt,omitempty"`
	DisputeReason string        `json:"disputeReason,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// FundedTotal is what the buyer paid in: amount plus the funding fee.
func (e *Escrow) FundedTotal() money.Amount {
	return e.Amount.Add(e.Fee)
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update persists a state transition only if the stored escrow is
	// still in the from status, returning ErrInvalidStatus otherwise.
	// This is the cross-process guard; the in-process locks only cut
	// down on wasted work.
	Update(ctx context.Context, escrow *Escrow, from Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListExpired returns FUNDED escrows whose auto-release deadline has
	// passed.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListStalePending returns PENDING escrows created before the cutoff.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	AddMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, escrowID string, limit int) ([]*Message, error)
}

// Ledger abstracts wallet operations so escrow doesn't import ledger.
type Ledger interface {
	EscrowDebit(ctx context.Context, buyerID, currency string, amount, fee money.Amount, reference string) error
	EscrowRelease(ctx context.Context, sellerID, currency string, amount money.Amount, reference string) error
	EscrowRefund(ctx context.Context, buyerID, currency string, amount money.Amount, reference string) error
}

// Notifier receives escrow lifecycle events for out-of-band delivery.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string, data map[string]any)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	ListingID   string `json:"listingId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Terms       string `json:"terms"`
	AutoRelease string `json:"autoRelease"` // duration string, e.g. "48h"
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest contains an arbiter's verdict on a disputed escrow.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // "release" or "refund"
	Reason     string `json:"reason"`
}

// Service implements escrow business logic.
type Service struct {
	store       Store
	ledger      Ledger
	policy      *fees.Policy
	notifier    Notifier
	autoRelease time.Duration
	locks       sync.Map // per-escrow ID locks to prevent race conditions
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger, policy *fees.Policy) *Service {
	return &Service{
		store:       store,
		ledger:      ledger,
		policy:      policy,
		autoRelease: DefaultAutoRelease,
	}
}

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithAutoRelease overrides the default auto-release deadline.
func (s *Service) WithAutoRelease(d time.Duration) *Service {
	if d > 0 {
		s.autoRelease = d
	}
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This prevents concurrent state transitions (e.g. confirm + auto-release racing).
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// buildEscrow validates a create request and quotes the fee. Nothing is
// persisted and no funds move.
func (s *Service) buildEscrow(req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	escrow := &Escrow{
		ID:          idgen.WithPrefix("esc_"),
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Currency:    currency,
		Amount:      amount,
		Fee:         s.policy.Fee(fees.EscrowDeposit, amount),
		ListingID:   req.ListingID,
		Title:       req.Title,
		Description: req.Description,
		Terms:       req.Terms,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.AutoRelease != "" {
		d, err := time.ParseDuration(req.AutoRelease)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid autoRelease duration %q", req.AutoRelease)
		}
		escrow.ReleaseAfter = d
	}
	return escrow, nil
}

// Create opens a new escrow. No funds move until Fund; the fee is quoted now
// so the buyer sees the full cost up front.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	escrow, err := s.buildEscrow(req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowCreatedTotal.Inc()

	s.notify(ctx, escrow.SellerID, "New escrow offer",
		fmt.Sprintf("%s opened an escrow for %s %s", escrow.BuyerID, money.Format(escrow.Amount), escrow.Currency), escrow)
	return escrow, nil
}

// Accept marks the escrow as agreed to by the seller.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if escrow.AcceptedAt != nil {
		return escrow, nil
	}

	now := time.Now().UTC()
	escrow.AcceptedAt = &now
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusPending); err != nil {
		return nil, err
	}

	s.notify(ctx, escrow.BuyerID, "Escrow accepted",
		fmt.Sprintf("%s accepted your escrow offer", escrow.SellerID), escrow)
	return escrow, nil
}

// Reject lets the seller decline an unfunded escrow, cancelling it.
func (s *Service) Reject(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	escrow.Status = StatusCancelled
	escrow.Resolution = "seller_rejected"
	if reason != "" {
		escrow.Resolution = "seller_rejected: " + reason
	}
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusPending); err != nil {
		return nil, err
	}

	s.notify(ctx, escrow.BuyerID, "Escrow rejected",
		fmt.Sprintf("%s declined your escrow offer", escrow.SellerID), escrow)
	return escrow, nil
}

// Fund locks the buyer's funds: amount plus the quoted fee leave the buyer's
// wallet in one atomic debit. The auto-release clock starts now.
func (s *Service) Fund(ctx context.Context, id, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.EscrowID(id), traces.UserID(callerID))
	defer span.End()

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status == StatusFunded {
		return escrow, nil // funding is idempotent
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	if err := s.ledger.EscrowDebit(ctx, escrow.BuyerID, escrow.Currency, escrow.Amount, escrow.Fee, escrow.ID+":fund"); err != nil {
		return nil, err
	}

	releaseAfter := s.autoRelease
	if escrow.ReleaseAfter > 0 {
		releaseAfter = escrow.ReleaseAfter
	}
	now := time.Now().UTC()
	deadline := now.Add(releaseAfter)
	escrow.Status = StatusFunded
	escrow.FundedAt = &now
	escrow.AutoReleaseAt = &deadline
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusPending); err != nil {
		// Funds already left the buyer; compensate with a refund.
		_ = s.ledger.EscrowRefund(ctx, escrow.BuyerID, escrow.Currency, escrow.FundedTotal(), escrow.ID+":fund-reversal")
		return nil, fmt.Errorf("failed to update escrow after funding: %w", err)
	}

	s.notify(ctx, escrow.SellerID, "Escrow funded",
		fmt.Sprintf("Escrow %s is funded with %s %s", escrow.ID, money.Format(escrow.Amount), escrow.Currency), escrow)
	return escrow, nil
}

// CreateAndFund opens and immediately funds an escrow in one call. The buyer
// is debited before anything is persisted, so a failed debit leaves no escrow
// behind.
func (s *Service) CreateAndFund(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateAndFund", traces.UserID(req.BuyerID))
	defer span.End()

	escrow, err := s.buildEscrow(req)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.EscrowDebit(ctx, escrow.BuyerID, escrow.Currency, escrow.Amount, escrow.Fee, escrow.ID+":fund"); err != nil {
		return nil, err
	}

	releaseAfter := s.autoRelease
	if escrow.ReleaseAfter > 0 {
		releaseAfter = escrow.ReleaseAfter
	}
	now := time.Now().UTC()
	deadline := now.Add(releaseAfter)
	escrow.Status = StatusFunded
	escrow.FundedAt = &now
	escrow.AutoReleaseAt = &deadline
	escrow.UpdatedAt = now
	if err := s.store.Create(ctx, escrow); err != nil {
		// Funds already left the buyer; compensate with a refund.
		_ = s.ledger.EscrowRefund(ctx, escrow.BuyerID, escrow.Currency, escrow.FundedTotal(), escrow.ID+":fund-reversal")
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowCreatedTotal.Inc()

	s.notify(ctx, escrow.SellerID, "Escrow funded",
		fmt.Sprintf("%s opened a funded escrow for %s %s", escrow.BuyerID, money.Format(escrow.Amount), escrow.Currency), escrow)
	return escrow, nil
}

// ConfirmDelivery releases the escrowed amount to the seller. Only the buyer
// can confirm; the platform keeps the funding fee.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	return s.release(ctx, escrow, "buyer_confirmed")
}

// Cancel abandons an escrow. Either party may cancel before funding, closing
// it with no money moved; cancelling a funded escrow returns amount+fee to
// the buyer. A disputed escrow can only exit through arbitration.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status == StatusFunded {
		return s.refund(ctx, escrow, "cancelled")
	}
	if escrow.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	escrow.Status = StatusCancelled
	escrow.Resolution = "cancelled"
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusPending); err != nil {
		return nil, err
	}

	other := escrow.SellerID
	if callerID == escrow.SellerID {
		other = escrow.BuyerID
	}
	s.notify(ctx, other, "Escrow cancelled",
		fmt.Sprintf("Escrow %s was cancelled by %s", escrow.ID, callerID), escrow)
	return escrow, nil
}

// Dispute freezes a funded escrow. Either party may raise it; funds stay
// locked and the auto-release timer no longer applies until an arbiter
// resolves.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	escrow.Status = StatusDisputed
	escrow.DisputeReason = reason
	escrow.DisputedAt = &now
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusFunded); err != nil {
		return nil, err
	}
	metrics.EscrowDisputedTotal.Inc()

	other := escrow.SellerID
	if callerID == escrow.SellerID {
		other = escrow.BuyerID
	}
	s.notify(ctx, other, "Escrow disputed",
		fmt.Sprintf("Escrow %s was disputed: %s", escrow.ID, reason), escrow)
	return escrow, nil
}

// ResolveDispute applies an arbiter's verdict: "release" pays the seller,
// "refund" returns amount+fee to the buyer.
func (s *Service) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	switch req.Resolution {
	case "release":
		return s.release(ctx, escrow, resolutionNote("arbiter_released", req.Reason))
	case "refund":
		return s.refund(ctx, escrow, resolutionNote("arbiter_refunded", req.Reason))
	default:
		return nil, fmt.Errorf("unknown resolution %q", req.Resolution)
	}
}

// ExtendDeadline pushes a funded escrow's auto-release deadline out. Either
// party can extend; there is no way to shorten it.
func (s *Service) ExtendDeadline(ctx context.Context, id, callerID string, extra time.Duration) (*Escrow, error) {
	if extra <= 0 {
		return nil, fmt.Errorf("extension must be positive")
	}

	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusFunded || escrow.AutoReleaseAt == nil {
		return nil, ErrInvalidStatus
	}

	now := time.Now().UTC()
	deadline := escrow.AutoReleaseAt.Add(extra)
	escrow.AutoReleaseAt = &deadline
	escrow.UpdatedAt = now
	if err := s.store.Update(ctx, escrow, StatusFunded); err != nil {
		return nil, err
	}
	return escrow, nil
}

// AutoRelease releases a funded escrow whose deadline has passed. The state
// is re-read under the per-escrow lock so a dispute or confirmation that won
// the race is respected.
func (s *Service) AutoRelease(ctx context.Context, id string) error {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if escrow.IsTerminal() {
		return ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded {
		return ErrInvalidStatus
	}
	if escrow.AutoReleaseAt == nil || time.Now().UTC().Before(*escrow.AutoReleaseAt) {
		return ErrInvalidStatus
	}

	_, err = s.release(ctx, escrow, "auto_released")
	return err
}

// SweepStalePending cancels unfunded escrows older than the cutoff. Returns
// how many were cancelled.
func (s *Service) SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := time.Now().UTC().Add(-olderThan)
	stale, err := s.store.ListStalePending(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, e := range stale {
		mu := s.escrowLock(e.ID)
		mu.Lock()
		fresh, err := s.store.Get(ctx, e.ID)
		if err != nil {
			mu.Unlock()
			continue
		}
		if fresh.Status != StatusPending {
			mu.Unlock()
			continue
		}
		now := time.Now().UTC()
		fresh.Status = StatusCancelled
		fresh.Resolution = "expired_unfunded"
		fresh.ResolvedAt = &now
		fresh.UpdatedAt = now
		err = s.store.Update(ctx, fresh, StatusPending)
		mu.Unlock()
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a user (as buyer or seller).
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// release pays the seller and marks the escrow released. Caller must hold
// the escrow lock.
func (s *Service) release(ctx context.Context, escrow *Escrow, resolution string) (*Escrow, error) {
	from := escrow.Status
	if err := s.ledger.EscrowRelease(ctx, escrow.SellerID, escrow.Currency, escrow.Amount, escrow.ID+":release"); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now().UTC()
	escrow.Status = StatusReleased
	escrow.Resolution = resolution
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow, from); err != nil {
		// Retry once: funds already moved, we must persist the state change
		if retryErr := s.store.Update(ctx, escrow, from); retryErr != nil {
			logging.L(ctx).Error("escrow funds released but status update failed, manual resolution required",
				"escrow_id", escrow.ID, "seller_id", escrow.SellerID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}
	metrics.EscrowReleasedTotal.Inc()
	if resolution == "auto_released" {
		metrics.EscrowAutoReleasedTotal.Inc()
	}
	metrics.EscrowDuration.Observe(now.Sub(escrow.CreatedAt).Seconds())

	s.notify(ctx, escrow.SellerID, "Escrow released",
		fmt.Sprintf("%s %s released to you from escrow %s", money.Format(escrow.Amount), escrow.Currency, escrow.ID), escrow)
	s.notify(ctx, escrow.BuyerID, "Escrow completed",
		fmt.Sprintf("Escrow %s was released to the seller", escrow.ID), escrow)
	return escrow, nil
}

// refund returns amount+fee to the buyer and marks the escrow refunded.
// Caller must hold the escrow lock.
func (s *Service) refund(ctx context.Context, escrow *Escrow, resolution string) (*Escrow, error) {
	from := escrow.Status
	if err := s.ledger.EscrowRefund(ctx, escrow.BuyerID, escrow.Currency, escrow.FundedTotal(), escrow.ID+":refund"); err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}

	now := time.Now().UTC()
	escrow.Status = StatusRefunded
	escrow.Resolution = resolution
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow, from); err != nil {
		if retryErr := s.store.Update(ctx, escrow, from); retryErr != nil {
			logging.L(ctx).Error("escrow refunded but status update failed, manual resolution required",
				"escrow_id", escrow.ID, "buyer_id", escrow.BuyerID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after refund (requires manual resolution): %w", err)
		}
	}
	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowDuration.Observe(now.Sub(escrow.CreatedAt).Seconds())

	s.notify(ctx, escrow.BuyerID, "Escrow refunded",
		fmt.Sprintf("%s %s returned to you from escrow %s", money.Format(escrow.FundedTotal()), escrow.Currency, escrow.ID), escrow)
	s.notify(ctx, escrow.SellerID, "Escrow refunded",
		fmt.Sprintf("Escrow %s was refunded to the buyer", escrow.ID), escrow)
	return escrow, nil
}

func (s *Service) notify(ctx context.Context, userID, title, message string, escrow *Escrow) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, title, message, map[string]any{
		"escrowId": escrow.ID,
		"status":   string(escrow.Status),
		"amount":   money.Format(escrow.Amount),
		"currency": escrow.Currency,
	})
}

func resolutionNote(base, reason string) string {
	if reason == "" {
		return base
	}
	return base + ": " + reason
}
