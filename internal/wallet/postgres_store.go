package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/pagination"
)

// PostgresStore persists wallet data in PostgreSQL.
//
// Idempotency keys live in wallet_ops; each money-moving statement runs in
// a transaction with the key insert so a retried call either replays as a
// no-op or applies exactly once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT vp, vc_pending, vc_available, total_spent, total_earned, updated_at
		FROM wallets WHERE user_id = $1`, userID).
		Scan(&bal.VP, &bal.VCPending, &bal.VCAvailable, &bal.TotalSpent, &bal.TotalEarned, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Grant(ctx context.Context, userID string, vp int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, vp, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET vp = wallets.vp + $2, updated_at = NOW()`,
		userID, vp); err != nil {
		return err
	}
	if err := p.insertEntry(ctx, tx, userID, KindGrant, CurrencyVP, vp, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, vp int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET vp = vp - $2, total_spent = total_spent + $2, updated_at = NOW()
		WHERE user_id = $1 AND vp >= $2`,
		userID, vp)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}
	if err := p.insertEntry(ctx, tx, userID, KindDebit, CurrencyVP, vp, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Refund(ctx context.Context, userID string, vp int64, reference string) error {
	return p.idempotent(ctx, KindRefund, userID, reference, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET vp = vp + $2, total_spent = total_spent - $2, updated_at = NOW()
			WHERE user_id = $1`,
			userID, vp)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrUserNotFound
		}
		return p.insertEntry(ctx, tx, userID, KindRefund, CurrencyVP, vp, reference)
	})
}

func (p *PostgresStore) CreditPending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	return p.idempotent(ctx, KindCreditPending, userID, idempotencyKey, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, vc_pending, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET vc_pending = wallets.vc_pending + $2, updated_at = NOW()`,
			userID, vc); err != nil {
			return err
		}
		return p.insertEntry(ctx, tx, userID, KindCreditPending, CurrencyVC, vc, idempotencyKey)
	})
}

func (p *PostgresStore) ReleasePending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	return p.idempotent(ctx, KindRelease, userID, idempotencyKey, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET vc_pending = vc_pending - $2, vc_available = vc_available + $2,
			    total_earned = total_earned + $2, updated_at = NOW()
			WHERE user_id = $1 AND vc_pending >= $2`,
			userID, vc)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrInvalidAmount
		}
		return p.insertEntry(ctx, tx, userID, KindRelease, CurrencyVC, vc, idempotencyKey)
	})
}

func (p *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, kind, currency, amount, reference, created_at
			FROM wallet_entries
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, kind, currency, amount, reference, created_at
			FROM wallet_entries
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Currency, &e.Amount, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = ref.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// idempotent runs apply in a transaction guarded by a (kind, user, ref) key.
// A key that already exists commits without applying anything.
func (p *PostgresStore) idempotent(ctx context.Context, kind, userID, reference string, apply func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_ops (kind, user_id, reference, applied_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, user_id, reference) DO NOTHING`,
		kind, userID, reference)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Already applied; replay is a no-op.
		return tx.Commit()
	}

	if err := apply(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) insertEntry(ctx context.Context, tx *sql.Tx, userID, kind, currency string, amount int64, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, user_id, kind, currency, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		idgen.WithPrefix("ent_"), userID, kind, currency, amount, nullString(reference))
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
