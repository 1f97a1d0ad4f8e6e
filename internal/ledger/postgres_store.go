package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vendaro/vendaro/internal/fees"
	"github.com/vendaro/vendaro/internal/money"
)

// PostgresStore persists the ledger in PostgreSQL. Every mutation runs in a
// serializable transaction; the schema backs the invariants with
// CHECK (balance >= 0) and a unique index on transactions.reference, so even
// a concurrent writer that slips past the Go-side checks cannot corrupt a
// balance or double-apply a reference.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle. Run migrations first.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, user_id, currency, balance, total_deposits, total_withdrawals, is_active, created_at, updated_at`

const txnColumns = `id, user_id, wallet_id, type, status, direction, amount, fee, net_amount, currency, reference, description, meta, failure_reason, created_at, updated_at`

func (p *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, currency)
	return scanWallet(row)
}

func (p *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) DeactivateWallet(ctx context.Context, userID, currency string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE wallets SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1 AND currency = $2`,
		userID, currency)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, op CreditOp) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTxnForUpdate(ctx, tx, op.Reference)
		if err != nil && !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		if existing != nil {
			if existing.Status == StatusPending && existing.Direction == DirectionCredit {
				out, err = p.completePendingCredit(ctx, tx, existing, op)
				return err
			}
			return ErrDuplicateReference
		}

		w, err := lockWallet(ctx, tx, op.UserID, op.Currency, true)
		if err != nil {
			return err
		}
		net := op.Gross.Sub(op.Fee)
		depositDelta := money.Zero
		if op.CountsAsDeposit {
			depositDelta = net
		}
		if err := applyBalance(ctx, tx, w.ID, net, depositDelta, money.Zero); err != nil {
			return err
		}

		now := time.Now().UTC()
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
		if err := insertTxn(ctx, tx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	return out, err
}

func (p *PostgresStore) completePendingCredit(ctx context.Context, tx *sql.Tx, pending *Transaction, op CreditOp) (*Transaction, error) {
	w, err := lockWallet(ctx, tx, pending.UserID, pending.Currency, true)
	if err != nil {
		return nil, err
	}
	depositDelta := money.Zero
	if op.CountsAsDeposit {
		depositDelta = pending.NetAmount
	}
	if err := applyBalance(ctx, tx, w.ID, pending.NetAmount, depositDelta, money.Zero); err != nil {
		return nil, err
	}

	meta := pending.Meta
	if op.Meta != nil {
		meta = op.Meta
	}
	metaJSON, err := MarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx,
		`UPDATE transactions
		 SET status = $2, meta = $3, updated_at = NOW()
		 WHERE reference = $1
		 RETURNING `+txnColumns,
		pending.Reference, StatusCompleted, metaJSON)
	return scanTxn(row)
}

func (p *PostgresStore) Debit(ctx context.Context, op DebitOp) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// Duplicate check comes before the balance check: a retry of an
		// already-applied debit must replay, not fail on funds that the
		// first attempt has since consumed.
		if _, err := getTxnForUpdate(ctx, tx, op.Reference); err == nil {
			return ErrDuplicateReference
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		w, err := lockWallet(ctx, tx, op.UserID, op.Currency, false)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(op.Gross) {
			return &InsufficientFundsError{Required: op.Gross, Available: w.Balance}
		}
		net := op.Gross.Sub(op.Fee)
		withdrawalDelta := money.Zero
		if op.CountsAsWithdrawal {
			withdrawalDelta = net
		}
		if err := applyBalance(ctx, tx, w.ID, op.Gross.Neg(), money.Zero, withdrawalDelta); err != nil {
			return err
		}

		now := time.Now().UTC()
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
		if err := insertTxn(ctx, tx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	return out, err
}

func (p *PostgresStore) Transfer(ctx context.Context, op TransferOp) (*TransferResult, error) {
	var out *TransferResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// As in Debit, a replayed transfer is detected before any balance
		// is inspected.
		if _, err := getTxnForUpdate(ctx, tx, op.Reference+":debit"); err == nil {
			return ErrDuplicateReference
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}

		// Recipient wallet may not exist yet; create it before locking so
		// both rows can be locked in a deterministic order.
		if err := ensureWallet(ctx, tx, op.ToUserID, op.Currency); err != nil {
			return err
		}

		// Lock both wallets in ascending id order to avoid deadlocking
		// against the mirrored transfer.
		from, to, err := lockWalletPair(ctx, tx, op.FromUserID, op.ToUserID, op.Currency)
		if err != nil {
			return err
		}
		if from.Balance.LessThan(op.Amount) {
			return &InsufficientFundsError{Required: op.Amount, Available: from.Balance}
		}
		if err := applyBalance(ctx, tx, from.ID, op.Amount.Neg(), money.Zero, money.Zero); err != nil {
			return err
		}
		if err := applyBalance(ctx, tx, to.ID, op.Amount, money.Zero, money.Zero); err != nil {
			return err
		}

		now := time.Now().UTC()
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
			Reference:   op.Reference + ":debit",
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
			Reference:   op.Reference + ":credit",
			Description: op.Description,
			Meta:        &TransferMeta{CounterpartyID: op.FromUserID},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertTxn(ctx, tx, debit); err != nil {
			return err
		}
		if err := insertTxn(ctx, tx, credit); err != nil {
			return err
		}
		out = &TransferResult{Debit: debit, Credit: credit}
		return nil
	})
	return out, err
}

func (p *PostgresStore) InsertPending(ctx context.Context, txn *Transaction) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return insertTxn(ctx, tx, txn)
	})
}

func (p *PostgresStore) Settle(ctx context.Context, reference string, status Status, reason string, refund bool) (*Transaction, error) {
	var out *Transaction
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := getTxnForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		if txn.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE transactions
			 SET status = $2, failure_reason = NULLIF($3, ''), updated_at = NOW()
			 WHERE reference = $1
			 RETURNING `+txnColumns,
			reference, status, reason)
		txn, err = scanTxn(row)
		if err != nil {
			return err
		}

		if refund {
			w, err := lockWallet(ctx, tx, txn.UserID, txn.Currency, true)
			if err != nil {
				return err
			}
			withdrawalDelta := money.Zero
			if txn.Type == fees.Withdrawal {
				withdrawalDelta = txn.NetAmount.Neg()
			}
			if err := applyBalance(ctx, tx, w.ID, txn.Amount, money.Zero, withdrawalDelta); err != nil {
				return err
			}
			now := time.Now().UTC()
			if err := insertTxn(ctx, tx, &Transaction{
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
			}); err != nil {
				return err
			}
		}
		out = txn
		return nil
	})
	return out, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE reference = $1`, reference)
	return scanTxn(row)
}

func (p *PostgresStore) History(ctx context.Context, userID, currency string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE user_id = $1 AND currency = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTxns(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at ASC
		 LIMIT $3`,
		status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTxns(rows)
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureWallet(ctx context.Context, tx *sql.Tx, userID, currency string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, currency, balance, total_deposits, total_withdrawals, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, 0, TRUE, NOW(), NOW())
		 ON CONFLICT (user_id, currency) DO NOTHING`,
		uuid.NewString(), userID, currency)
	return err
}

func lockWallet(ctx context.Context, tx *sql.Tx, userID, currency string, create bool) (*Wallet, error) {
	if create {
		if err := ensureWallet(ctx, tx, userID, currency); err != nil {
			return nil, err
		}
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2 FOR UPDATE`,
		userID, currency)
	w, err := scanWallet(row)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, ErrWalletInactive
	}
	return w, nil
}

func lockWalletPair(ctx context.Context, tx *sql.Tx, fromUserID, toUserID, currency string) (from, to *Wallet, err error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE currency = $3 AND user_id IN ($1, $2)
		 ORDER BY id ASC
		 FOR UPDATE`,
		fromUserID, toUserID, currency)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, nil, err
		}
		switch w.UserID {
		case fromUserID:
			from = w
		case toUserID:
			to = w
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if from == nil {
		return nil, nil, ErrWalletNotFound
	}
	if to == nil {
		return nil, nil, ErrRecipientNotFound
	}
	if !from.IsActive || !to.IsActive {
		return nil, nil, ErrWalletInactive
	}
	return from, to, nil
}

// applyBalance mutates one wallet row. depositDelta and withdrawalDelta
// adjust the lifetime counters. The balance CHECK constraint is the final
// guard against going negative under concurrency.
// applyBalance decrements conditionally: the balance guard lives in the UPDATE
// itself, so a negative balance cannot commit even without the caller's row
// lock.
func applyBalance(ctx context.Context, tx *sql.Tx, walletID string, delta, depositDelta, withdrawalDelta money.Amount) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets
		 SET balance = balance + $2,
		     total_deposits = total_deposits + $3,
		     total_withdrawals = total_withdrawals + $4,
		     updated_at = NOW()
		 WHERE id = $1 AND balance + $2 >= 0`,
		walletID, delta, depositDelta, withdrawalDelta)
	if isCheckViolation(err) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	metaJSON, err := MarshalMetadata(txn.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (`+txnColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, NULLIF($14, ''), $15, $16)`,
		txn.ID, txn.UserID, newNullString(txn.WalletID), txn.Type, txn.Status, txn.Direction,
		txn.Amount, txn.Fee, txn.NetAmount, txn.Currency, txn.Reference,
		txn.Description, metaJSON, txn.FailureReason, txn.CreatedAt, txn.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func getTxnForUpdate(ctx context.Context, tx *sql.Tx, reference string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE reference = $1 FOR UPDATE`, reference)
	return scanTxn(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.TotalDeposits,
		&w.TotalWithdrawals, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTxn(row rowScanner) (*Transaction, error) {
	var (
		txn           Transaction
		walletID      sql.NullString
		description   sql.NullString
		failureReason sql.NullString
		metaJSON      []byte
	)
	err := row.Scan(&txn.ID, &txn.UserID, &walletID, &txn.Type, &txn.Status,
		&txn.Direction, &txn.Amount, &txn.Fee, &txn.NetAmount, &txn.Currency,
		&txn.Reference, &description, &metaJSON, &failureReason,
		&txn.CreatedAt, &txn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	txn.WalletID = walletID.String
	txn.Description = description.String
	txn.FailureReason = failureReason.String
	txn.Meta, err = UnmarshalMetadata(metaJSON)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func collectTxns(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func newNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
