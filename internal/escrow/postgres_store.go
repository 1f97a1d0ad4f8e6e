package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, currency, amount, fee,
		       listing_id, title, description, terms, status, release_after_seconds,
		       accepted_at, funded_at, auto_release_at, disputed_at, resolved_at,
		       dispute_reason, resolution, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17,
		        $18, $19, $20, $21)`,
		e.ID, e.BuyerID, e.SellerID, e.Currency, e.Amount, e.Fee,
		nullString(e.ListingID), nullString(e.Title), nullString(e.Description), nullString(e.Terms), string(e.Status), int64(e.ReleaseAfter/time.Second),
		nullTime(e.AcceptedAt), nullTime(e.FundedAt), nullTime(e.AutoReleaseAt), nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		nullString(e.DisputeReason), nullString(e.Resolution), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

// Update is a compare-and-swap on status: the row is only written when it is
// still in the from status. Concurrent processes racing on the same escrow
// lose here rather than overwriting a settled state.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, accepted_at = $2, funded_at = $3,
			auto_release_at = $4, disputed_at = $5, resolved_at = $6,
			dispute_reason = $7, resolution = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(e.Status), nullTime(e.AcceptedAt), nullTime(e.FundedAt),
		nullTime(e.AutoReleaseAt), nullTime(e.DisputedAt), nullTime(e.ResolvedAt),
		nullString(e.DisputeReason), nullString(e.Resolution), e.UpdatedAt,
		e.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND auto_release_at IS NOT NULL AND auto_release_at < $2
		ORDER BY auto_release_at ASC
		LIMIT $3`,
		string(StatusFunded), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`,
		string(StatusPending), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func (p *PostgresStore) AddMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_messages (id, escrow_id, sender_id, role, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.EscrowID, msg.SenderID, msg.Role, msg.Body, msg.SentAt)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, escrowID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, sender_id, role, body, sent_at
		FROM escrow_messages
		WHERE escrow_id = $1
		ORDER BY sent_at ASC, id ASC
		LIMIT $2`,
		escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.EscrowID, &msg.SenderID, &msg.Role, &msg.Body, &msg.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var (
		e                   Escrow
		listingID           sql.NullString
		title               sql.NullString
		description         sql.NullString
		terms               sql.NullString
		status              string
		releaseAfterSeconds int64
		acceptedAt          sql.NullTime
		fundedAt            sql.NullTime
		autoReleaseAt       sql.NullTime
		disputedAt          sql.NullTime
		resolvedAt          sql.NullTime
		disputeReason       sql.NullString
		resolution          sql.NullString
	)
	err := row.Scan(&e.ID, &e.BuyerID, &e.SellerID, &e.Currency, &e.Amount, &e.Fee,
		&listingID, &title, &description, &terms, &status, &releaseAfterSeconds,
		&acceptedAt, &fundedAt, &autoReleaseAt, &disputedAt, &resolvedAt,
		&disputeReason, &resolution, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ListingID = listingID.String
	e.Title = title.String
	e.Description = description.String
	e.Terms = terms.String
	e.Status = Status(status)
	e.ReleaseAfter = time.Duration(releaseAfterSeconds) * time.Second
	e.AcceptedAt = timePtr(acceptedAt)
	e.FundedAt = timePtr(fundedAt)
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ResolvedAt = timePtr(resolvedAt)
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	return &e, nil
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	cp := t.Time
	return &cp
}
