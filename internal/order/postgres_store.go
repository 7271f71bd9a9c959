package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, item_id, item_kind,
	vp_amount, vc_amount, features, status,
	delivery_notes, buyer_feedback, cancellation_reason, dispute_reason,
	created_at, accepted_at, delivered_at, confirmed_at,
	auto_released_at, cancelled_at, disputed_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	features, err := marshalFeatures(o.Features)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21)`,
		o.ID, o.BuyerID, o.SellerID, o.ItemID, o.ItemKind,
		o.VPAmount, o.VCAmount, features, string(o.Status),
		nullString(o.DeliveryNotes), nullString(o.BuyerFeedback),
		nullString(o.CancellationReason), nullString(o.DisputeReason),
		o.CreatedAt, nullTime(o.AcceptedAt), nullTime(o.DeliveredAt),
		nullTime(o.ConfirmedAt), nullTime(o.AutoReleasedAt),
		nullTime(o.CancelledAt), nullTime(o.DisputedAt), o.UpdatedAt)
	if err != nil {
		// The partial unique index on (buyer_id, item_id) rejects a second
		// live order for the same item.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePendingOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, o *Order, expect Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $3,
			delivery_notes = $4, buyer_feedback = $5,
			cancellation_reason = $6, dispute_reason = $7,
			accepted_at = $8, delivered_at = $9, confirmed_at = $10,
			auto_released_at = $11, cancelled_at = $12, disputed_at = $13,
			updated_at = $14
		WHERE id = $1 AND status = $2`,
		o.ID, string(expect), string(o.Status),
		nullString(o.DeliveryNotes), nullString(o.BuyerFeedback),
		nullString(o.CancellationReason), nullString(o.DisputeReason),
		nullTime(o.AcceptedAt), nullTime(o.DeliveredAt), nullTime(o.ConfirmedAt),
		nullTime(o.AutoReleasedAt), nullTime(o.CancelledAt), nullTime(o.DisputedAt),
		o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone else won the transition.
		if _, gerr := p.Get(ctx, o.ID); gerr != nil {
			return gerr
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerID, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
}

func (p *PostgresStore) HasActivePurchase(ctx context.Context, buyerID, itemID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE buyer_id = $1 AND item_id = $2
			  AND status IN ('pending_acceptance', 'accepted', 'delivered')
		)`, buyerID, itemID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) HasSucceededBetween(ctx context.Context, buyerID, sellerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE buyer_id = $1 AND seller_id = $2
			  AND status IN ('confirmed', 'auto_released')
		)`, buyerID, sellerID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) CountPendingBySeller(ctx context.Context, sellerID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE seller_id = $1 AND status = 'pending_acceptance'`, sellerID).Scan(&count)
	return count, err
}

func (p *PostgresStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'delivered' AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanOrder.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		features                                     []byte
		status                                       string
		notes, feedback, cancelReason, disputeReason sql.NullString
		acceptedAt, deliveredAt, confirmedAt         sql.NullTime
		autoReleasedAt, cancelledAt, disputedAt      sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ItemID, &o.ItemKind,
		&o.VPAmount, &o.VCAmount, &features, &status,
		&notes, &feedback, &cancelReason, &disputeReason,
		&o.CreatedAt, &acceptedAt, &deliveredAt, &confirmedAt,
		&autoReleasedAt, &cancelledAt, &disputedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.DeliveryNotes = notes.String
	o.BuyerFeedback = feedback.String
	o.CancellationReason = cancelReason.String
	o.DisputeReason = disputeReason.String
	o.AcceptedAt = timePtr(acceptedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.ConfirmedAt = timePtr(confirmedAt)
	o.AutoReleasedAt = timePtr(autoReleasedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.DisputedAt = timePtr(disputedAt)

	if len(features) > 0 {
		if err := json.Unmarshal(features, &o.Features); err != nil {
			return nil, fmt.Errorf("decode order features: %w", err)
		}
	}
	return o, nil
}

func marshalFeatures(features []Feature) ([]byte, error) {
	if len(features) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode order features: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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
	tt := t.Time
	return &tt
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
