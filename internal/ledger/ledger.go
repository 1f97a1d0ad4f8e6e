// Package ledger owns per-user, per-currency wallet balances.
//
// Flow:
//  1. A gateway callback or API request asks for a credit/debit/transfer
//  2. The store applies the balance mutation and writes the Transaction
//     record in one atomic unit
//  3. Duplicate references are replayed, not re-applied
//  4. Failed external settlements are reconciled with an audited refund
//
// No other component writes balances; everything goes through this package.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/metrics"
	"github.com/vendaro/vendaro/internal/money"
	"github.com/vendaro/vendaro/internal/traces"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrWalletNotFound      = errors.New("ledger: wallet not found")
	ErrWalletInactive      = errors.New("ledger: wallet is deactivated")
	ErrRecipientNotFound   = errors.New("ledger: recipient not found")
	ErrSelfOperation       = errors.New("ledger: sender and recipient are the same user")
	ErrDuplicateReference  = errors.New("ledger: reference already used")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrAlreadyTerminal     = errors.New("ledger: transaction already terminal")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
)

// InsufficientFundsError carries the exact shortfall so callers can tell the
// user why money did not move.
type InsufficientFundsError struct {
	Required  money.Amount
	Available money.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s",
		money.Format(e.Required), money.Format(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending    Status = "pending"    // awaiting external confirmation, no balance effect yet
	StatusProcessing Status = "processing" // balance applied, awaiting external payout result
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Direction tells which side of the wallet a transaction touched.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Wallet is a per-(user, currency) balance record. Wallets are created lazily
// on first use and only ever soft-deactivated.
type Wallet struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	Currency         string       `json:"currency"`
	Balance          money.Amount `json:"balance"`
	TotalDeposits    money.Amount `json:"totalDeposits"`
	TotalWithdrawals money.Amount `json:"totalWithdrawals"`
	IsActive         bool         `json:"isActive"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Transaction is an immutable record of one ledger event.
// Invariant: Amount = Fee + NetAmount.
type Transaction struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	WalletID      string       `json:"walletId"`
	Type          fees.Kind    `json:"type"`
	Status        Status       `json:"status"`
	Direction     Direction    `json:"direction"`
	Amount        money.Amount `json:"amount"` // gross
	Fee           money.Amount `json:"fee"`
	NetAmount     money.Amount `json:"netAmount"`
	Currency      string       `json:"currency"`
	Reference     string       `json:"reference"`
	Description   string       `json:"description,omitempty"`
	Meta          Metadata     `json:"meta,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// CreditOp is an atomic credit to one wallet.
type CreditOp struct {
	UserID          string
	Currency        string
	Gross           money.Amount
	Fee             money.Amount // Net = Gross - Fee
	Kind            fees.Kind
	Reference       string
	Description     string
	Meta            Metadata
	CountsAsDeposit bool
}

// DebitOp is an atomic debit from one wallet. The balance check is against
// Gross: the fee is carved out of what is requested, not added on top.
type DebitOp struct {
	UserID             string
	Currency           string
	Gross              money.Amount
	Fee                money.Amount
	Kind               fees.Kind
	Status             Status // StatusCompleted or StatusProcessing
	Reference          string
	Description        string
	Meta               Metadata
	CountsAsWithdrawal bool
}

// TransferOp moves Amount between two wallets with no fee.
type TransferOp struct {
	FromUserID  string
	ToUserID    string
	Currency    string
	Amount      money.Amount
	Reference   string
	Description string
}

// TransferResult holds the mirrored record pair of a transfer.
type TransferResult struct {
	Debit  *Transaction `json:"debit"`
	Credit *Transaction `json:"credit"`
}

// Store persists wallets and transactions. Every mutating method is one
// atomic unit: either the balance change and its Transaction record both
// commit, or neither does. Implementations must reject a duplicate
// Reference with ErrDuplicateReference and never commit a negative balance.
type Store interface {
	GetWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	DeactivateWallet(ctx context.Context, userID, currency string) error

	// UserExists reports whether the user holds at least one wallet, in
	// any currency.
	UserExists(ctx context.Context, userID string) (bool, error)

	// Credit applies op. If a PENDING transaction with the same reference
	// exists (a deposit intent), it is completed in place.
	Credit(ctx context.Context, op CreditOp) (*Transaction, error)
	Debit(ctx context.Context, op DebitOp) (*Transaction, error)
	Transfer(ctx context.Context, op TransferOp) (*TransferResult, error)

	// InsertPending records a deposit intent with no balance effect.
	InsertPending(ctx context.Context, txn *Transaction) error

	// Settle moves a non-terminal transaction to a terminal status. With
	// refund set, the original gross is returned to the wallet and a
	// REFUND transaction is written in the same atomic unit. A terminal
	// transaction yields ErrAlreadyTerminal.
	Settle(ctx context.Context, reference string, status Status, reason string, refund bool) (*Transaction, error)

	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	History(ctx context.Context, userID, currency string, limit int) ([]*Transaction, error)
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Transaction, error)
}

// RecipientResolver maps a transfer recipient identifier (user id, unique
// handle, or registered payout address) to a user id.
type RecipientResolver interface {
	Resolve(ctx context.Context, identifier string) (string, error)
}

// WalletResolver resolves recipients against the wallet table: an identifier
// is valid when that user already holds a wallet. This stops a mistyped
// recipient from lazily minting a wallet nobody owns.
type WalletResolver struct {
	store Store
}

// NewWalletResolver creates a wallet-backed recipient resolver.
func NewWalletResolver(store Store) *WalletResolver {
	return &WalletResolver{store: store}
}

func (r *WalletResolver) Resolve(ctx context.Context, identifier string) (string, error) {
	ok, err := r.store.UserExists(ctx, identifier)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrRecipientNotFound
	}
	return identifier, nil
}

// Notifier receives terminal-state events for out-of-band delivery.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string, data map[string]any)
}

// Service is the wallet ledger. All public operations are idempotent on
// their reference: a replayed reference returns the originally recorded
// result with no second balance mutation.
type Service struct {
	store    Store
	policy   *fees.Policy
	resolver RecipientResolver
	notifier Notifier
}

// New creates a ledger service.
func New(store Store, policy *fees.Policy) *Service {
	return &Service{store: store, policy: policy}
}

// WithResolver sets the transfer recipient resolver.
func (s *Service) WithResolver(r RecipientResolver) *Service {
	s.resolver = r
	return s
}

// WithNotifier sets the terminal-event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Balance returns the wallet for (userID, currency). A wallet that has never
// been touched reads as a zero balance; nothing is persisted by a read.
func (s *Service) Balance(ctx context.Context, userID, currency string) (*Wallet, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWallet(ctx, userID, currency)
	if errors.Is(err, ErrWalletNotFound) {
		return &Wallet{
			UserID:   userID,
			Currency: currency,
			IsActive: true,
		}, nil
	}
	return w, err
}

// Transaction looks up a single transaction by its reference.
func (s *Service) Transaction(ctx context.Context, reference string) (*Transaction, error) {
	return s.store.GetByReference(ctx, reference)
}

// History returns the wallet's transaction records, newest first.
func (s *Service) History(ctx context.Context, userID, currency string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, userID, currency, limit)
}

// Deactivate soft-disables a wallet. Funds are preserved; further mutations
// are rejected until reactivated out of band.
func (s *Service) Deactivate(ctx context.Context, userID, currency string) error {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	return s.store.DeactivateWallet(ctx, userID, currency)
}

// Credit applies a confirmed credit of gross to the wallet. The policy fee is
// carved out; the net is what lands on the balance.
func (s *Service) Credit(ctx context.Context, userID, currency string, gross money.Amount, kind fees.Kind, reference, description string, meta Metadata) (*Transaction, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !gross.IsPositive() {
		return nil, ErrInvalidAmount
	}
	fee, _ := s.policy.Quote(kind, gross)
	return s.creditWithFee(ctx, CreditOp{
		UserID:          userID,
		Currency:        currency,
		Gross:           gross,
		Fee:             fee,
		Kind:            kind,
		Reference:       reference,
		Description:     description,
		Meta:            meta,
		CountsAsDeposit: kind == fees.Deposit,
	})
}

func (s *Service) creditWithFee(ctx context.Context, op CreditOp) (*Transaction, error) {
	txn, err := s.store.Credit(ctx, op)
	if errors.Is(err, ErrDuplicateReference) {
		return s.store.GetByReference(ctx, op.Reference)
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()
	s.notify(ctx, txn, "Wallet credited",
		fmt.Sprintf("%s %s credited to your wallet", money.Format(txn.NetAmount), txn.Currency))
	return txn, nil
}

// InitiateDeposit records a deposit intent awaiting a gateway callback.
// No funds move; the fee is quoted now so the eventual completion applies
// exactly what was promised.
func (s *Service) InitiateDeposit(ctx context.Context, userID, currency string, gross money.Amount, reference string, meta Metadata) (*Transaction, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !gross.IsPositive() {
		return nil, ErrInvalidAmount
	}
	fee, net := s.policy.Quote(fees.Deposit, gross)
	now := time.Now().UTC()
	txn := &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        fees.Deposit,
		Status:      StatusPending,
		Direction:   DirectionCredit,
		Amount:      gross,
		Fee:         fee,
		NetAmount:   net,
		Currency:    currency,
		Reference:   reference,
		Description: "deposit awaiting gateway confirmation",
		Meta:        meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertPending(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return s.store.GetByReference(ctx, reference)
		}
		return nil, err
	}
	return txn, nil
}

// Debit removes gross from the wallet as a completed operation.
func (s *Service) Debit(ctx context.Context, userID, currency string, gross money.Amount, kind fees.Kind, reference, description string, meta Metadata) (*Transaction, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !gross.IsPositive() {
		return nil, ErrInvalidAmount
	}
	fee, _ := s.policy.Quote(kind, gross)
	return s.debitWithFee(ctx, DebitOp{
		UserID:             userID,
		Currency:           currency,
		Gross:              gross,
		Fee:                fee,
		Kind:               kind,
		Status:             StatusCompleted,
		Reference:          reference,
		Description:        description,
		Meta:               meta,
		CountsAsWithdrawal: kind == fees.Withdrawal,
	})
}

// Withdraw debits the wallet synchronously and leaves the transaction in
// PROCESSING until the external payout settles. On a reported payout failure
// the settlement adapter calls ReconcileFailed to refund.
func (s *Service) Withdraw(ctx context.Context, userID, currency string, gross money.Amount, reference string, meta Metadata) (*Transaction, error) {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !gross.IsPositive() {
		return nil, ErrInvalidAmount
	}
	fee, _ := s.policy.Quote(fees.Withdrawal, gross)
	return s.debitWithFee(ctx, DebitOp{
		UserID:             userID,
		Currency:           currency,
		Gross:              gross,
		Fee:                fee,
		Kind:               fees.Withdrawal,
		Status:             StatusProcessing,
		Reference:          reference,
		Description:        "withdrawal awaiting payout",
		Meta:               meta,
		CountsAsWithdrawal: true,
	})
}

func (s *Service) debitWithFee(ctx context.Context, op DebitOp) (*Transaction, error) {
	txn, err := s.store.Debit(ctx, op)
	if errors.Is(err, ErrDuplicateReference) {
		return s.store.GetByReference(ctx, op.Reference)
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()
	if txn.Status == StatusCompleted {
		s.notify(ctx, txn, "Wallet debited",
			fmt.Sprintf("%s %s debited from your wallet", money.Format(txn.Amount), txn.Currency))
	}
	return txn, nil
}

// Transfer moves amount between two users' wallets of the same currency.
// Peer transfers carry no fee. The debit and credit commit in one atomic
// unit; on InsufficientFunds neither wallet changes.
func (s *Service) Transfer(ctx context.Context, fromUserID, recipient, currency string, amount money.Amount, reference, description string) (*TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Transfer",
		traces.UserID(fromUserID), traces.Currency(currency),
		traces.Amount(money.Format(amount)), traces.Reference(reference))
	defer span.End()

	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	toUserID := recipient
	if s.resolver != nil {
		toUserID, err = s.resolver.Resolve(ctx, recipient)
		if err != nil {
			return nil, err
		}
	}
	if toUserID == "" {
		return nil, ErrRecipientNotFound
	}
	if toUserID == fromUserID {
		return nil, ErrSelfOperation
	}

	res, err := s.store.Transfer(ctx, TransferOp{
		FromUserID:  fromUserID,
		ToUserID:    toUserID,
		Currency:    currency,
		Amount:      amount,
		Reference:   reference,
		Description: description,
	})
	if errors.Is(err, ErrDuplicateReference) {
		return s.replayTransfer(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(fees.Transfer), string(StatusCompleted)).Inc()

	s.notify(ctx, res.Debit, "Transfer sent",
		fmt.Sprintf("You sent %s %s", money.Format(amount), currency))
	s.notify(ctx, res.Credit, "Transfer received",
		fmt.Sprintf("You received %s %s", money.Format(amount), currency))
	return res, nil
}

func (s *Service) replayTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	debit, err := s.store.GetByReference(ctx, reference+":debit")
	if err != nil {
		return nil, err
	}
	credit, err := s.store.GetByReference(ctx, reference+":credit")
	if err != nil {
		return nil, err
	}
	return &TransferResult{Debit: debit, Credit: credit}, nil
}

// CompleteOperation marks a PROCESSING transaction COMPLETED after the
// external payout confirmed. Idempotent: an already-completed transaction is
// returned unchanged.
func (s *Service) CompleteOperation(ctx context.Context, reference string) (*Transaction, error) {
	txn, err := s.store.Settle(ctx, reference, StatusCompleted, "", false)
	if errors.Is(err, ErrAlreadyTerminal) {
		return s.store.GetByReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()
	s.notify(ctx, txn, "Withdrawal completed",
		fmt.Sprintf("Your withdrawal of %s %s was paid out", money.Format(txn.NetAmount), txn.Currency))
	return txn, nil
}

// ReconcileFailed settles a PENDING/PROCESSING transaction as FAILED after a
// gateway reported failure. A provisional debit (withdrawal in flight) is
// reversed with an audited refund transaction; a pending deposit simply
// fails, since no funds ever left the wallet. Safe to call twice: once
// terminal, the second call is a no-op.
func (s *Service) ReconcileFailed(ctx context.Context, reference, reason string) error {
	existing, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		return nil
	}

	refund := existing.Direction == DirectionDebit && existing.Status == StatusProcessing
	txn, err := s.store.Settle(ctx, reference, StatusFailed, reason, refund)
	if errors.Is(err, ErrAlreadyTerminal) {
		return nil // lost the race to another reconciler
	}
	if err != nil {
		return err
	}
	metrics.LedgerOperationsTotal.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()

	title := "Transaction failed"
	msg := fmt.Sprintf("Your %s of %s %s failed: %s", txn.Type, money.Format(txn.Amount), txn.Currency, reason)
	if refund {
		msg += ". The amount has been returned to your wallet"
	}
	s.notify(ctx, txn, title, msg)
	return nil
}

// SweepStalePending fails deposit intents that never received a gateway
// callback and reconciles withdrawals stuck in PROCESSING. Returns how many
// transactions were settled.
func (s *Service) SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := time.Now().UTC().Add(-olderThan)
	settled := 0

	stalePending, err := s.store.ListStale(ctx, StatusPending, before, limit)
	if err != nil {
		return settled, err
	}
	for _, txn := range stalePending {
		if err := s.ReconcileFailed(ctx, txn.Reference, "expired awaiting gateway confirmation"); err != nil {
			return settled, err
		}
		settled++
	}

	staleProcessing, err := s.store.ListStale(ctx, StatusProcessing, before, limit)
	if err != nil {
		return settled, err
	}
	for _, txn := range staleProcessing {
		if err := s.ReconcileFailed(ctx, txn.Reference, "payout unconfirmed past deadline"); err != nil {
			return settled, err
		}
		settled++
	}

	return settled, nil
}

// -----------------------------------------------------------------------------
// Escrow adapter: the escrow engine drives the ledger through these.
// Funding debits amount+fee from the buyer; release credits the bare amount
// to the seller (the platform keeps the fee); refund returns amount+fee.
// -----------------------------------------------------------------------------

// EscrowDebit takes amount+fee from the buyer's wallet as escrow funding.
func (s *Service) EscrowDebit(ctx context.Context, buyerID, currency string, amount, fee money.Amount, reference string) error {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	_, err = s.debitWithFee(ctx, DebitOp{
		UserID:      buyerID,
		Currency:    currency,
		Gross:       amount.Add(fee),
		Fee:         fee,
		Kind:        fees.EscrowDeposit,
		Status:      StatusCompleted,
		Reference:   reference,
		Description: "escrow funding",
		Meta:        &EscrowMeta{EscrowID: escrowIDFromReference(reference)},
	})
	return err
}

// EscrowRelease credits the escrowed amount to the seller, fee-free.
func (s *Service) EscrowRelease(ctx context.Context, sellerID, currency string, amount money.Amount, reference string) error {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	_, err = s.creditWithFee(ctx, CreditOp{
		UserID:      sellerID,
		Currency:    currency,
		Gross:       amount,
		Fee:         money.Zero,
		Kind:        fees.EscrowRelease,
		Reference:   reference,
		Description: "escrow released to seller",
		Meta:        &EscrowMeta{EscrowID: escrowIDFromReference(reference)},
	})
	return err
}

// EscrowRefund returns the full funding (amount+fee) to the buyer.
func (s *Service) EscrowRefund(ctx context.Context, buyerID, currency string, amount money.Amount, reference string) error {
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		return err
	}
	_, err = s.creditWithFee(ctx, CreditOp{
		UserID:      buyerID,
		Currency:    currency,
		Gross:       amount,
		Fee:         money.Zero,
		Kind:        fees.Refund,
		Reference:   reference,
		Description: "escrow refunded to buyer",
		Meta:        &EscrowMeta{EscrowID: escrowIDFromReference(reference)},
	})
	return err
}

// escrowIDFromReference strips the operation suffix off an escrow-scoped
// reference like "esc_ab12:fund".
func escrowIDFromReference(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i]
		}
	}
	return ref
}

func (s *Service) notify(ctx context.Context, txn *Transaction, title, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, txn.UserID, title, message, map[string]any{
		"transactionId": txn.ID,
		"reference":     txn.Reference,
		"type":          string(txn.Type),
		"status":        string(txn.Status),
		"amount":        money.Format(txn.Amount),
		"currency":      txn.Currency,
	})
}
