// Package order implements the service-order escrow lifecycle.
//
// Flow:
//  1. Buyer purchases a service or pack → VP debited, order pending
//  2. Seller accepts (funds stay held) or declines (full refund)
//  3. Seller delivers → VC credited to the seller's pending balance
//  4. Buyer confirms → pending VC released to spendable
//  5. No confirmation within the grace window → auto-released
//  6. Buyer disputes → funds frozen for external arbitration
//
// Every legal move lives in the transition function below; request handlers
// and the auto-release scheduler both go through it, so there is exactly one
// authority on what an order may do next.
package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidTransition     = errors.New("transition not legal from current order status")
	ErrForbidden             = errors.New("actor is not the required party for this transition")
	ErrDuplicatePendingOrder = errors.New("buyer already has a live order for this item")
	ErrLedgerUnavailable     = errors.New("wallet ledger unavailable")
	ErrInvalidArgument       = errors.New("invalid argument")

	// ErrStatusConflict is returned by stores when a compare-and-set on
	// status loses to a concurrent transition.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingAcceptance Status = "pending_acceptance"
	StatusAccepted          Status = "accepted"
	StatusDelivered         Status = "delivered"
	StatusConfirmed         Status = "confirmed"
	StatusAutoReleased      Status = "auto_released"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
)

// Item kinds purchasable through an order.
const (
	ItemKindService = "service"
	ItemKindPack    = "pack"
)

// Feature is a priced add-on chosen at purchase time. Prices are in VC,
// like the base price.
type Feature struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// Order is the central escrow entity. Only the state machine writes it.
type Order struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	ItemID   string `json:"itemId"`
	ItemKind string `json:"itemKind"`

	// VPAmount was debited from the buyer at creation; VCAmount is what the
	// seller earns on completion. Both fixed at creation.
	VPAmount int64     `json:"vpAmount"`
	VCAmount int64     `json:"vcAmount"`
	Features []Feature `json:"additionalFeatures,omitempty"`

	Status Status `json:"status"`

	DeliveryNotes      string `json:"deliveryNotes,omitempty"`
	BuyerFeedback      string `json:"buyerFeedback,omitempty"`
	CancellationReason string `json:"cancellationReason,omitempty"`
	DisputeReason      string `json:"disputeReason,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	AutoReleasedAt *time.Time `json:"autoReleasedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	DisputedAt     *time.Time `json:"disputedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusConfirmed, StatusAutoReleased, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// Succeeded returns true if the order completed with the seller paid.
// Review eligibility keys off this.
func (o *Order) Succeeded() bool {
	return o.Status == StatusConfirmed || o.Status == StatusAutoReleased
}

// clone returns a deep copy so a failed transition never leaks partial
// mutations into a shared pointer.
func (o *Order) clone() *Order {
	cp := *o
	if o.Features != nil {
		cp.Features = make([]Feature, len(o.Features))
		copy(cp.Features, o.Features)
	}
	return &cp
}

// Action is one move a party (or the system) can make against an order.
// The set is closed: handlers construct these, nothing dispatches on raw
// strings past the RPC boundary.
type Action interface {
	// Name is the wire-level action name, used for logs and events.
	Name() string
}

// Accept is the seller taking on a pending order.
type Accept struct{ Actor string }

// Decline is the seller refusing a pending order; the buyer is refunded.
type Decline struct {
	Actor  string
	Reason string
}

// Cancel is the seller backing out of an order they already accepted;
// the buyer is refunded in full.
type Cancel struct {
	Actor  string
	Reason string
}

// Deliver is the seller handing over the work; earnings go pending.
type Deliver struct {
	Actor string
	Notes string
}

// Confirm is the buyer approving a delivery; earnings are released.
type Confirm struct {
	Actor    string
	Feedback string
}

// Dispute is the buyer contesting an order; funds freeze for arbitration.
type Dispute struct {
	Actor  string
	Reason string
}

// AutoRelease is the scheduler forcing a confirmation after the grace
// window. It carries no actor: only the system may apply it.
type AutoRelease struct{ GraceWindow time.Duration }

func (Accept) Name() string      { return "accept" }
func (Decline) Name() string     { return "decline" }
func (Cancel) Name() string      { return "cancel" }
func (Deliver) Name() string     { return "deliver" }
func (Confirm) Name() string     { return "confirm" }
func (Dispute) Name() string     { return "dispute" }
func (AutoRelease) Name() string { return "autoRelease" }

// ledgerEffect is the wallet movement paired with a transition. The effect
// and the status change commit or abort together.
type ledgerEffect int

const (
	effectNone ledgerEffect = iota
	effectRefundBuyer
	effectCreditPending
	effectReleasePending
)

// transition validates an action against the order's current state and, on
// success, mutates the order in place: status, the transition's timestamp,
// and any set-once text field. It returns the wallet effect the caller must
// apply and the lifecycle event to emit.
//
// It never touches the ledger or the store itself.
func transition(o *Order, a Action, now time.Time) (ledgerEffect, EventType, error) {
	switch act := a.(type) {
	case Accept:
		if act.Actor != o.SellerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusPendingAcceptance {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusAccepted
		o.AcceptedAt = &now
		o.UpdatedAt = now
		return effectNone, EventOrderAccepted, nil

	case Decline:
		if act.Actor != o.SellerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusPendingAcceptance {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusCancelled
		o.CancellationReason = act.Reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return effectRefundBuyer, EventOrderCancelled, nil

	case Cancel:
		if act.Actor != o.SellerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusAccepted {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusCancelled
		o.CancellationReason = act.Reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return effectRefundBuyer, EventOrderCancelled, nil

	case Deliver:
		if act.Actor != o.SellerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusAccepted {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusDelivered
		o.DeliveryNotes = act.Notes
		o.DeliveredAt = &now
		o.UpdatedAt = now
		return effectCreditPending, EventOrderDelivered, nil

	case Confirm:
		if act.Actor != o.BuyerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusDelivered {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusConfirmed
		o.BuyerFeedback = act.Feedback
		o.ConfirmedAt = &now
		o.UpdatedAt = now
		return effectReleasePending, EventOrderConfirmed, nil

	case Dispute:
		if act.Actor != o.BuyerID {
			return effectNone, "", ErrForbidden
		}
		if o.Status != StatusAccepted && o.Status != StatusDelivered {
			return effectNone, "", ErrInvalidTransition
		}
		// Funds stay exactly as held; arbitration is external.
		o.Status = StatusDisputed
		o.DisputeReason = act.Reason
		o.DisputedAt = &now
		o.UpdatedAt = now
		return effectNone, EventOrderDisputed, nil

	case AutoRelease:
		if o.Status != StatusDelivered {
			return effectNone, "", ErrInvalidTransition
		}
		if o.DeliveredAt == nil || now.Sub(*o.DeliveredAt) < act.GraceWindow {
			return effectNone, "", ErrInvalidTransition
		}
		o.Status = StatusAutoReleased
		o.AutoReleasedAt = &now
		o.UpdatedAt = now
		return effectReleasePending, EventOrderAutoReleased, nil

	default:
		return effectNone, "", fmt.Errorf("unknown action %T", a)
	}
}
