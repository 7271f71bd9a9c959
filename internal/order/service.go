package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/logging"
	"github.com/playora/playora/internal/metrics"
	"github.com/playora/playora/internal/syncutil"
	"github.com/playora/playora/internal/traces"
)

// Store persists orders.
//
// UpdateIf is the concurrency primitive the whole state machine rests on:
// it writes the order only if the stored status still equals expect, and
// returns ErrStatusConflict otherwise. Two racing transitions on one order
// therefore resolve to exactly one winner.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	UpdateIf(ctx context.Context, o *Order, expect Status) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Order, error)
	HasActivePurchase(ctx context.Context, buyerID, itemID string) (bool, error)
	HasSucceededBetween(ctx context.Context, buyerID, sellerID string) (bool, error)
	CountPendingBySeller(ctx context.Context, sellerID string) (int, error)
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
}

// LedgerService is the wallet surface the state machine needs. The wallet
// package's Ledger satisfies it.
type LedgerService interface {
	Debit(ctx context.Context, userID string, vp int64, reference string) error
	Refund(ctx context.Context, userID string, vp int64, reference string) error
	CreditPending(ctx context.Context, userID string, vc int64, idempotencyKey string) error
	ReleasePending(ctx context.Context, userID string, vc int64, idempotencyKey string) error
}

// Options tunes a Service. Zero values fall back to the defaults below.
type Options struct {
	// VCToVPRate converts seller earnings (VC) to the buyer price (VP).
	VCToVPRate float64
	// GraceWindow is how long a delivered order waits for the buyer before
	// the scheduler releases it.
	GraceWindow time.Duration
	Emitter     EventEmitter
	Profiles    ProfileResolver
}

const (
	DefaultVCToVPRate  = 1.5
	DefaultGraceWindow = 24 * time.Hour

	maxFeatures = 20
)

// Service runs the order state machine over a store and a wallet ledger.
type Service struct {
	store    Store
	ledger   LedgerService
	emitter  EventEmitter
	profiles ProfileResolver

	rate  float64
	grace time.Duration

	// Per-order mutexes, sharded so memory stays bounded. The store's
	// compare-and-set is the correctness guard; these just stop concurrent
	// callers from burning ledger calls on transitions that will lose the
	// CAS anyway.
	locks syncutil.ShardedMutex

	now func() time.Time
}

// NewService creates the order service.
func NewService(store Store, ledger LedgerService, opts Options) *Service {
	if opts.VCToVPRate <= 0 {
		opts.VCToVPRate = DefaultVCToVPRate
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		emitter:  opts.Emitter,
		profiles: opts.Profiles,
		rate:     opts.VCToVPRate,
		grace:    opts.GraceWindow,
		now:      time.Now,
	}
}

// GraceWindow reports the configured auto-release window.
func (s *Service) GraceWindow() time.Duration { return s.grace }


// CreateParams is the input to Create. BasePrice and feature prices are in
// VC; DiscountPct applies to the base price only.
type CreateParams struct {
	BuyerID     string
	SellerID    string
	ItemID      string
	ItemKind    string
	BasePrice   int64
	DiscountPct float64
	Features    []Feature
}

// Price computes the VC and VP amounts for the given params under rate.
// Both round once over the full expression, so a fractional discount is
// not rounded away before the rate is applied. Exposed so handlers can
// quote a price without creating an order.
func Price(p CreateParams, rate float64) (vc, vp int64) {
	total := float64(p.BasePrice) * (1 - p.DiscountPct/100)
	for _, f := range p.Features {
		total += float64(f.Price)
	}
	vc = int64(math.Round(total))
	vp = int64(math.Round(total * rate))
	return vc, vp
}

// Create debits the buyer and opens a pending order. The debit and the
// order row are a unit: if the store write fails after the debit, the
// debit is reversed before the error is returned.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.Create", traces.UserID(p.BuyerID))
	defer span.End()

	if err := validateCreate(p); err != nil {
		return nil, err
	}

	dup, err := s.store.HasActivePurchase(ctx, p.BuyerID, p.ItemID)
	if err != nil {
		return nil, fmt.Errorf("check active purchase: %w", err)
	}
	if dup {
		return nil, ErrDuplicatePendingOrder
	}

	vc, vp := Price(p, s.rate)
	if vc <= 0 || vp <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", ErrInvalidArgument)
	}
	now := s.now()
	o := &Order{
		ID:        idgen.WithPrefix("ord_"),
		BuyerID:   p.BuyerID,
		SellerID:  p.SellerID,
		ItemID:    p.ItemID,
		ItemKind:  p.ItemKind,
		VPAmount:  vp,
		VCAmount:  vc,
		Features:  p.Features,
		Status:    StatusPendingAcceptance,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.ledger.Debit(ctx, o.BuyerID, o.VPAmount, o.ID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, o); err != nil {
		// Undo the debit so the buyer is not charged for a phantom order.
		if rerr := s.ledger.Refund(ctx, o.BuyerID, o.VPAmount, o.ID); rerr != nil {
			logging.L(ctx).Error("compensating refund failed",
				"order_id", o.ID, "buyer_id", o.BuyerID, "vp", o.VPAmount, "error", rerr)
		}
		// Concurrent creates can both pass the pre-check; the store's
		// uniqueness guarantee decides the loser here.
		if errors.Is(err, ErrDuplicatePendingOrder) {
			return nil, ErrDuplicatePendingOrder
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrdersCreated.Inc()
	metrics.VPDebited.Add(float64(o.VPAmount))
	logging.L(ctx).Info("order created",
		"order_id", o.ID, "buyer_id", o.BuyerID, "seller_id", o.SellerID,
		"item_id", o.ItemID, "vp", o.VPAmount, "vc", o.VCAmount)

	s.emit(EventOrderCreated, o)
	return o.clone(), nil
}

// Accept marks a pending order as taken on by the seller.
func (s *Service) Accept(ctx context.Context, orderID, actorID string) (*Order, error) {
	return s.apply(ctx, orderID, Accept{Actor: actorID})
}

// Decline cancels a pending order and refunds the buyer in full.
func (s *Service) Decline(ctx context.Context, orderID, actorID, reason string) (*Order, error) {
	return s.apply(ctx, orderID, Decline{Actor: actorID, Reason: reason})
}

// Cancel unwinds an accepted order the seller can no longer fulfil and
// refunds the buyer in full.
func (s *Service) Cancel(ctx context.Context, orderID, actorID, reason string) (*Order, error) {
	return s.apply(ctx, orderID, Cancel{Actor: actorID, Reason: reason})
}

// Deliver marks the order delivered and credits the seller's pending VC.
func (s *Service) Deliver(ctx context.Context, orderID, actorID, notes string) (*Order, error) {
	return s.apply(ctx, orderID, Deliver{Actor: actorID, Notes: notes})
}

// Confirm completes the order and releases the seller's pending VC.
func (s *Service) Confirm(ctx context.Context, orderID, actorID, feedback string) (*Order, error) {
	return s.apply(ctx, orderID, Confirm{Actor: actorID, Feedback: feedback})
}

// Dispute freezes a live order for external arbitration. No funds move.
func (s *Service) Dispute(ctx context.Context, orderID, actorID, reason string) (*Order, error) {
	return s.apply(ctx, orderID, Dispute{Actor: actorID, Reason: reason})
}

// AutoRelease is the system confirming on the buyer's behalf once the
// grace window has passed. Callers must gate this to the scheduler or an
// admin; there is no user actor check.
func (s *Service) AutoRelease(ctx context.Context, orderID string) (*Order, error) {
	return s.apply(ctx, orderID, AutoRelease{GraceWindow: s.grace})
}

// apply runs one action through the transition function with the
// store's compare-and-set as the authority on who wins a race.
//
// Order of operations matters: the status CAS claims the transition
// BEFORE the ledger effect is applied. A loser therefore fails out with
// ErrStatusConflict (reported as an invalid transition) without ever
// touching the ledger. If the ledger then fails for the winner, the claim
// is rolled back with a second CAS and the order is unchanged, so the
// call is safe to retry.
func (s *Service) apply(ctx context.Context, orderID string, a Action) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order."+a.Name(),
		traces.OrderID(orderID), traces.OrderAction(a.Name()))
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	prev, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next := prev.clone()
	effect, event, err := transition(next, a, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateIf(ctx, next, prev.Status); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("update order: %w", err)
	}

	if err := s.applyEffect(ctx, next, effect); err != nil {
		if rerr := s.store.UpdateIf(ctx, prev, next.Status); rerr != nil {
			logging.L(ctx).Error("transition rollback failed",
				"order_id", next.ID, "action", a.Name(), "error", rerr)
		}
		logging.L(ctx).Error("ledger effect failed",
			"order_id", next.ID, "action", a.Name(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	metrics.OrderTransitions.WithLabelValues(a.Name()).Inc()
	if next.IsTerminal() {
		metrics.OrderDuration.Observe(next.UpdatedAt.Sub(next.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("order transition",
		"order_id", next.ID, "action", a.Name(),
		"from", string(prev.Status), "to", string(next.Status))

	s.emit(event, next)
	return next.clone(), nil
}

// applyEffect performs the wallet movement paired with a transition. All
// movements use the order ID as the idempotency key, so a crash between
// the status write and here is repaired by replaying the call.
func (s *Service) applyEffect(ctx context.Context, o *Order, effect ledgerEffect) error {
	switch effect {
	case effectNone:
		return nil
	case effectRefundBuyer:
		if err := s.ledger.Refund(ctx, o.BuyerID, o.VPAmount, o.ID); err != nil {
			return err
		}
		metrics.VPRefunded.Add(float64(o.VPAmount))
		return nil
	case effectCreditPending:
		return s.ledger.CreditPending(ctx, o.SellerID, o.VCAmount, o.ID)
	case effectReleasePending:
		if err := s.ledger.ReleasePending(ctx, o.SellerID, o.VCAmount, o.ID); err != nil {
			return err
		}
		metrics.VCReleased.Add(float64(o.VCAmount))
		return nil
	default:
		return fmt.Errorf("unknown ledger effect %d", effect)
	}
}

// Get returns a single order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}

// HasSucceededBetween reports whether the buyer has at least one confirmed
// or auto-released order with the seller. The review gate uses this.
func (s *Service) HasSucceededBetween(ctx context.Context, buyerID, sellerID string) (bool, error) {
	return s.store.HasSucceededBetween(ctx, buyerID, sellerID)
}

// ListPurchases returns the buyer's orders, newest first.
func (s *Service) ListPurchases(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return s.store.ListByBuyer(ctx, buyerID, normalizeLimit(limit))
}

// SalesSummary is a seller's order list plus the live pending count shown
// on their storefront.
type SalesSummary struct {
	Orders       []*Order `json:"orders"`
	PendingCount int      `json:"pendingCount"`
}

// ListSales returns the seller's orders with the count of orders still
// awaiting acceptance. The count is recomputed from the store, never
// cached, so it cannot drift from the order rows.
func (s *Service) ListSales(ctx context.Context, sellerID string, limit int) (*SalesSummary, error) {
	orders, err := s.store.ListBySeller(ctx, sellerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	pending, err := s.store.CountPendingBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	return &SalesSummary{Orders: orders, PendingCount: pending}, nil
}

// ReleaseExpired finds delivered orders whose grace window has passed and
// auto-releases each. Returns the count released. Used by the scheduler;
// safe to call concurrently with user traffic because each release goes
// through the same CAS path as confirm.
func (s *Service) ReleaseExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	cutoff := s.now().Add(-s.grace)
	expired, err := s.store.ListDeliveredBefore(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, o := range expired {
		if _, err := s.AutoRelease(ctx, o.ID); err != nil {
			// A buyer confirming mid-sweep is expected; anything else is
			// logged and retried on the next tick.
			if !errors.Is(err, ErrInvalidTransition) {
				logging.L(ctx).Error("auto-release failed", "order_id", o.ID, "error", err)
			}
			continue
		}
		released++
	}
	return released, nil
}

func (s *Service) emit(event EventType, o *Order) {
	if s.emitter == nil {
		return
	}
	e := Event{Type: event, Order: o.clone(), OccurredAt: s.now()}
	if s.profiles != nil {
		if p, ok := s.profiles.ResolveProfile(o.BuyerID); ok {
			e.Buyer = p
		}
		if p, ok := s.profiles.ResolveProfile(o.SellerID); ok {
			e.Seller = p
		}
	}
	s.emitter.EmitOrderEvent(e)
}

func validateCreate(p CreateParams) error {
	if p.BuyerID == "" || p.SellerID == "" || p.ItemID == "" {
		return fmt.Errorf("%w: buyer, seller and item are required", ErrInvalidArgument)
	}
	if p.BuyerID == p.SellerID {
		return fmt.Errorf("%w: cannot purchase your own listing", ErrInvalidArgument)
	}
	if p.ItemKind != ItemKindService && p.ItemKind != ItemKindPack {
		return fmt.Errorf("%w: unknown item kind %q", ErrInvalidArgument, p.ItemKind)
	}
	if p.BasePrice <= 0 {
		return fmt.Errorf("%w: base price must be positive", ErrInvalidArgument)
	}
	if p.DiscountPct < 0 || p.DiscountPct > 100 {
		return fmt.Errorf("%w: discount must be between 0 and 100", ErrInvalidArgument)
	}
	if len(p.Features) > maxFeatures {
		return fmt.Errorf("%w: too many features", ErrInvalidArgument)
	}
	for _, f := range p.Features {
		if f.Name == "" || f.Price < 0 {
			return fmt.Errorf("%w: feature needs a name and a non-negative price", ErrInvalidArgument)
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
