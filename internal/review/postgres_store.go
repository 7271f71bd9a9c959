package review

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists reviews in PostgreSQL. Uniqueness is enforced by
// partial unique indexes (see migrations), so concurrent duplicate writes
// fail at the database rather than racing the Exists checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, order_id, reviewer_id, target_user_id, kind, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, nullString(r.OrderID), r.ReviewerID, r.TargetUserID,
		r.Kind, r.Rating, nullString(r.Comment), r.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyReviewed
	}
	return err
}

func (p *PostgresStore) ExistsForOrder(ctx context.Context, orderID, reviewerID, kind string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reviews
			WHERE order_id = $1 AND reviewer_id = $2 AND kind = $3
		)`, orderID, reviewerID, kind).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ExistsBehavior(ctx context.Context, reviewerID, targetUserID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reviews
			WHERE reviewer_id = $1 AND target_user_id = $2 AND kind = 'behavior'
		)`, reviewerID, targetUserID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListByTarget(ctx context.Context, targetUserID string, limit int) ([]*Review, error) {
	return p.query(ctx, `
		SELECT id, order_id, reviewer_id, target_user_id, kind, rating, comment, created_at
		FROM reviews
		WHERE target_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, targetUserID, limit)
}

func (p *PostgresStore) ListByReviewer(ctx context.Context, reviewerID string, limit int) ([]*Review, error) {
	return p.query(ctx, `
		SELECT id, order_id, reviewer_id, target_user_id, kind, rating, comment, created_at
		FROM reviews
		WHERE reviewer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, reviewerID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r := &Review{}
		var orderID, comment sql.NullString
		if err := rows.Scan(&r.ID, &orderID, &r.ReviewerID, &r.TargetUserID,
			&r.Kind, &r.Rating, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.OrderID = orderID.String
		r.Comment = comment.String
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation matches Postgres error 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
