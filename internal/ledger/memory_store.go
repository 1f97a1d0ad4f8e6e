package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/money"
)

// MemoryStore is an in-memory Store for development and tests. One mutex
// guards everything, which trivially gives each operation the same
// atomicity the SQL store gets from transactions.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet      // userID/currency -> wallet
	txns    map[string]*Transaction // reference -> transaction
	seq     map[string]int64        // reference -> insertion order
	nextSeq int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txns:    make(map[string]*Transaction),
		seq:     make(map[string]int64),
	}
}

func walletKey(userID, currency string) string { return userID + "/" + currency }

func (m *MemoryStore) GetWallet(_ context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (m *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.wallets {
		if w.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DeactivateWallet(_ context.Context, userID, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok {
		return ErrWalletNotFound
	}
	w.IsActive = false
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Credit(_ context.Context, op CreditOp) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.txns[op.Reference]; ok {
		// A pending deposit intent completes in place with the amounts
		// quoted at initiation.
		if existing.Status == StatusPending && existing.Direction == DirectionCredit {
			w, err := m.activeWallet(existing.UserID, existing.Currency, true)
			if err != nil {
				return nil, err
			}
			w.Balance = w.Balance.Add(existing.NetAmount)
			if op.CountsAsDeposit {
				w.TotalDeposits = w.TotalDeposits.Add(existing.NetAmount)
			}
			now := time.Now().UTC()
			w.UpdatedAt = now
			existing.Status = StatusCompleted
			existing.UpdatedAt = now
			if op.Description != "" {
				existing.Description = op.Description
			}
			if op.Meta != nil {
				existing.Meta = op.Meta
			}
			return cloneTxn(existing), nil
		}
		return nil, ErrDuplicateReference
	}

	w, err := m.activeWallet(op.UserID, op.Currency, true)
	if err != nil {
		return nil, err
	}
	net := op.Gross.Sub(op.Fee)
	now := time.Now().UTC()
	w.Balance = w.Balance.Add(net)
	if op.CountsAsDeposit {
		w.TotalDeposits = w.TotalDeposits.Add(net)
	}
	w.UpdatedAt = now

	txn := &Transaction{
		ID:          uuid.NewString(),
		UserID:      op.UserID,
		WalletID:    w.ID,
		Type:        op.Kind,
		Status:      StatusCompleted,
		Direction:   DirectionCredit,
		Amount:      op.Gross,
		Fee:         op.Fee,
		NetAmount:   net,
		Currency:    op.Currency,
		Reference:   op.Reference,
		Description: op.Description,
		Meta:        op.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.insert(txn)
	return cloneTxn(txn), nil
}

func (m *MemoryStore) Debit(_ context.Context, op DebitOp) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[op.Reference]; ok {
		return nil, ErrDuplicateReference
	}

	w, err := m.activeWallet(op.UserID, op.Currency, false)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(op.Gross) {
		return nil, &InsufficientFundsError{Required: op.Gross, Available: w.Balance}
	}

	net := op.Gross.Sub(op.Fee)
	now := time.Now().UTC()
	w.Balance = w.Balance.Sub(op.Gross)
	if op.CountsAsWithdrawal {
		w.TotalWithdrawals = w.TotalWithdrawals.Add(net)
	}
	w.UpdatedAt = now

	txn := &Transaction{
		ID:          uuid.NewString(),
		UserID:      op.UserID,
		WalletID:    w.ID,
		Type:        op.Kind,
		Status:      op.Status,
		Direction:   DirectionDebit,
		Amount:      op.Gross,
		Fee:         op.Fee,
		NetAmount:   net,
		Currency:    op.Currency,
		Reference:   op.Reference,
		Description: op.Description,
		Meta:        op.Meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.insert(txn)
	return cloneTxn(txn), nil
}

func (m *MemoryStore) Transfer(_ context.Context, op TransferOp) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	debitRef := op.Reference + ":debit"
	creditRef := op.Reference + ":credit"
	if _, ok := m.txns[debitRef]; ok {
		return nil, ErrDuplicateReference
	}

	from, err := m.activeWallet(op.FromUserID, op.Currency, false)
	if err != nil {
		return nil, err
	}
	if from.Balance.LessThan(op.Amount) {
		return nil, &InsufficientFundsError{Required: op.Amount, Available: from.Balance}
	}
	to, err := m.activeWallet(op.ToUserID, op.Currency, true)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	from.Balance = from.Balance.Sub(op.Amount)
	from.UpdatedAt = now
	to.Balance = to.Balance.Add(op.Amount)
	to.UpdatedAt = now

	debit := &Transaction{
		ID:          uuid.NewString(),
		UserID:      op.FromUserID,
		WalletID:    from.ID,
		Type:        fees.Transfer,
		Status:      StatusCompleted,
		Direction:   DirectionDebit,
		Amount:      op.Amount,
		Fee:         money.Zero,
		NetAmount:   op.Amount,
		Currency:    op.Currency,
		Reference:   debitRef,
		Description: op.Description,
		Meta:        &TransferMeta{CounterpartyID: op.ToUserID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	credit := &Transaction{
		ID:          uuid.NewString(),
		UserID:      op.ToUserID,
		WalletID:    to.ID,
		Type:        fees.Transfer,
		Status:      StatusCompleted,
		Direction:   DirectionCredit,
		Amount:      op.Amount,
		Fee:         money.Zero,
		NetAmount:   op.Amount,
		Currency:    op.Currency,
		Reference:   creditRef,
		Description: op.Description,
		Meta:        &TransferMeta{CounterpartyID: op.FromUserID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.insert(debit)
	m.insert(credit)
	return &TransferResult{Debit: cloneTxn(debit), Credit: cloneTxn(credit)}, nil
}

func (m *MemoryStore) InsertPending(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[txn.Reference]; ok {
		return ErrDuplicateReference
	}
	m.insert(cloneTxn(txn))
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, reference string, status Status, reason string, refund bool) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	txn.Status = status
	txn.FailureReason = reason
	txn.UpdatedAt = now

	if refund {
		w, err := m.activeWallet(txn.UserID, txn.Currency, true)
		if err != nil {
			return nil, err
		}
		w.Balance = w.Balance.Add(txn.Amount)
		if txn.Type == fees.Withdrawal {
			w.TotalWithdrawals = w.TotalWithdrawals.Sub(txn.NetAmount)
		}
		w.UpdatedAt = now

		m.insert(&Transaction{
			ID:          uuid.NewString(),
			UserID:      txn.UserID,
			WalletID:    w.ID,
			Type:        fees.Refund,
			Status:      StatusCompleted,
			Direction:   DirectionCredit,
			Amount:      txn.Amount,
			Fee:         money.Zero,
			NetAmount:   txn.Amount,
			Currency:    txn.Currency,
			Reference:   reference + ":refund",
			Description: "refund of failed " + string(txn.Type),
			Meta:        txn.Meta,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return cloneTxn(txn), nil
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTxn(txn), nil
}

func (m *MemoryStore) History(_ context.Context, userID, currency string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.UserID == userID && txn.Currency == currency {
			out = append(out, cloneTxn(txn))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].Reference] > m.seq[out[j].Reference]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(_ context.Context, status Status, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.Status == status && txn.CreatedAt.Before(before) {
			out = append(out, cloneTxn(txn))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].Reference] < m.seq[out[j].Reference]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// activeWallet returns the wallet for (userID, currency), creating it when
// create is set. Deactivated wallets reject all mutations.
func (m *MemoryStore) activeWallet(userID, currency string, create bool) (*Wallet, error) {
	key := walletKey(userID, currency)
	w, ok := m.wallets[key]
	if !ok {
		if !create {
			return nil, ErrWalletNotFound
		}
		now := time.Now().UTC()
		w = &Wallet{
			ID:               uuid.NewString(),
			UserID:           userID,
			Currency:         currency,
			Balance:          money.Zero,
			TotalDeposits:    money.Zero,
			TotalWithdrawals: money.Zero,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		m.wallets[key] = w
	}
	if !w.IsActive {
		return nil, ErrWalletInactive
	}
	return w, nil
}

func (m *MemoryStore) insert(txn *Transaction) {
	m.nextSeq++
	m.txns[txn.Reference] = txn
	m.seq[txn.Reference] = m.nextSeq
}

func cloneWallet(w *Wallet) *Wallet {
	cp := *w
	return &cp
}

func cloneTxn(t *Transaction) *Transaction {
	cp := *t
	return &cp
}
