// Package wallet tracks user balances in the platform's two credit
// currencies.
//
// VP is the buyer-facing spendable currency; orders debit it. VC is the
// seller-facing earned currency: a delivery credits it as pending, and a
// confirmation (or auto-release) moves it from pending to available.
//
// Every money-moving operation takes a reference (usually an order ID) that
// doubles as an idempotency key, so retried order transitions never move
// funds twice.
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/playora/playora/internal/pagination"
	"github.com/playora/playora/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("insufficient VP balance")
	ErrUserNotFound      = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Entry kinds recorded in the wallet history.
const (
	KindGrant         = "grant"
	KindDebit         = "debit"
	KindRefund        = "refund"
	KindCreditPending = "credit_pending"
	KindRelease       = "release"
)

// Currency codes for ledger entries.
const (
	CurrencyVP = "VP"
	CurrencyVC = "VC"
)

// Balance is a user's wallet snapshot.
type Balance struct {
	UserID      string    `json:"userId"`
	VP          int64     `json:"vp"`          // spendable buyer credits
	VCPending   int64     `json:"vcPending"`   // earned, awaiting order completion
	VCAvailable int64     `json:"vcAvailable"` // earned and spendable/withdrawable
	TotalSpent  int64     `json:"totalSpent"`  // lifetime VP spent on orders
	TotalEarned int64     `json:"totalEarned"` // lifetime VC released
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Entry is one row of wallet history.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Currency  string    `json:"currency"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"` // order ID or admin grant ref
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists wallet balances and history. Implementations must apply
// each operation atomically per user and honor the idempotency contract:
// Refund is a no-op for a (userID, reference) pair already refunded, and
// CreditPending/ReleasePending are no-ops for an idempotency key already
// applied.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Grant(ctx context.Context, userID string, vp int64, reference string) error
	Debit(ctx context.Context, userID string, vp int64, reference string) error
	Refund(ctx context.Context, userID string, vp int64, reference string) error
	CreditPending(ctx context.Context, userID string, vc int64, idempotencyKey string) error
	ReleasePending(ctx context.Context, userID string, vc int64, idempotencyKey string) error
	History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error)
}

// Ledger is the wallet service consumed by the order state machine.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns the user's balance, zero-valued if no wallet exists yet.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(userID))
}

// Grant credits VP to a user. Stands in for the external top-up flow.
func (l *Ledger) Grant(ctx context.Context, userID string, vp int64, reference string) error {
	if vp <= 0 {
		return ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "wallet.Grant", traces.UserID(userID), traces.Amount(vp))
	defer span.End()
	return l.store.Grant(ctx, normalize(userID), vp, reference)
}

// Debit removes spendable VP from a buyer. Fails with ErrInsufficientFunds
// when the balance cannot cover the amount; nothing is applied in that case.
func (l *Ledger) Debit(ctx context.Context, userID string, vp int64, reference string) error {
	if vp <= 0 {
		return ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "wallet.Debit", traces.UserID(userID), traces.Amount(vp))
	defer span.End()
	return l.store.Debit(ctx, normalize(userID), vp, reference)
}

// Refund returns previously debited VP to a buyer. The full original amount
// must be passed; a repeat call for the same reference is absorbed.
func (l *Ledger) Refund(ctx context.Context, userID string, vp int64, reference string) error {
	if vp <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Refund(ctx, normalize(userID), vp, reference)
}

// CreditPending credits earned VC to a seller's pending balance. Exactly-once
// per idempotency key.
func (l *Ledger) CreditPending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	if vc <= 0 {
		return ErrInvalidAmount
	}
	return l.store.CreditPending(ctx, normalize(userID), vc, idempotencyKey)
}

// ReleasePending moves a seller's pending VC to available. Exactly-once per
// idempotency key.
func (l *Ledger) ReleasePending(ctx context.Context, userID string, vc int64, idempotencyKey string) error {
	if vc <= 0 {
		return ErrInvalidAmount
	}
	return l.store.ReleasePending(ctx, normalize(userID), vc, idempotencyKey)
}

// History returns wallet entries newest first, starting strictly after the
// given cursor position. A nil cursor starts from the most recent entry.
func (l *Ledger) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, normalize(userID), before, limit)
}

func normalize(userID string) string {
	return strings.TrimSpace(userID)
}
