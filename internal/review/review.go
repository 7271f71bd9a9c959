// Package review implements post-order reviews and the eligibility gate
// that decides who may leave one.
//
// Two review families exist. Order reviews (kind "service" or "pack") are
// left by the buyer of a completed order, at most once per order and kind.
// Behavior reviews rate the counterparty as a person: sellers may review
// any buyer they have not reviewed before; buyers additionally need at
// least one completed order with the seller.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/metrics"
	"github.com/playora/playora/internal/order"
	"github.com/playora/playora/internal/traces"
)

var (
	ErrNotEligible     = errors.New("not eligible to review")
	ErrAlreadyReviewed = errors.New("review already exists")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrInvalidComment  = errors.New("comment too long")
	ErrReviewNotFound  = errors.New("review not found")
)

// Review kinds.
const (
	KindService  = "service"
	KindPack     = "pack"
	KindBehavior = "behavior"
)

// Reviewer roles for behavior reviews.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

const maxCommentLen = 200

// Review is one rating left by a user.
type Review struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"orderId,omitempty"` // empty for behavior reviews
	ReviewerID   string    `json:"reviewerId"`
	TargetUserID string    `json:"targetUserId"`
	Kind         string    `json:"kind"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists reviews. Exists checks drive the eligibility gate, so
// implementations must make Create reject duplicates for the same
// (orderId, reviewerId, kind) and the same behavior (reviewerId, target)
// pair even under concurrent calls.
type Store interface {
	Create(ctx context.Context, r *Review) error
	ExistsForOrder(ctx context.Context, orderID, reviewerID, kind string) (bool, error)
	ExistsBehavior(ctx context.Context, reviewerID, targetUserID string) (bool, error)
	ListByTarget(ctx context.Context, targetUserID string, limit int) ([]*Review, error)
	ListByReviewer(ctx context.Context, reviewerID string, limit int) ([]*Review, error)
}

// Orders is the order surface the gate needs. order.Service satisfies it.
type Orders interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	HasSucceededBetween(ctx context.Context, buyerID, sellerID string) (bool, error)
}

// Service runs the eligibility gate and owns review writes.
type Service struct {
	store  Store
	orders Orders
}

// NewService creates the review service.
func NewService(store Store, orders Orders) *Service {
	return &Service{store: store, orders: orders}
}

// CanReviewOrder reports whether reviewer may leave a review of the given
// kind on the order. True iff the reviewer bought the order, the order
// completed successfully, and no such review exists yet.
func (s *Service) CanReviewOrder(ctx context.Context, orderID, reviewerID, kind string) (bool, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	if o.BuyerID != reviewerID || !o.Succeeded() {
		return false, nil
	}
	exists, err := s.store.ExistsForOrder(ctx, orderID, reviewerID, kind)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// CanReviewBehavior reports whether reviewer may leave a behavior review
// on target. Sellers only need no prior review of the pair; buyers also
// need a completed order with the target.
func (s *Service) CanReviewBehavior(ctx context.Context, reviewerID, targetUserID, reviewerRole string) (bool, error) {
	exists, err := s.store.ExistsBehavior(ctx, reviewerID, targetUserID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if reviewerRole == RoleSeller {
		return true, nil
	}
	return s.orders.HasSucceededBetween(ctx, reviewerID, targetUserID)
}

// CreateOrderParams is the input to CreateOrderReview.
type CreateOrderParams struct {
	OrderID    string
	ReviewerID string
	Kind       string // service or pack; must match the order's item kind
	Rating     int
	Comment    string
}

// CreateOrderReview gates and writes a service/pack review. The target is
// always the order's seller.
func (s *Service) CreateOrderReview(ctx context.Context, p CreateOrderParams) (*Review, error) {
	ctx, span := traces.StartSpan(ctx, "review.CreateOrder",
		traces.UserID(p.ReviewerID), traces.OrderID(p.OrderID))
	defer span.End()

	if p.Kind != KindService && p.Kind != KindPack {
		return nil, fmt.Errorf("%w: unknown review kind %q", ErrNotEligible, p.Kind)
	}
	if err := validateRating(p.Rating, p.Comment); err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != p.ReviewerID || !o.Succeeded() {
		return nil, ErrNotEligible
	}
	if p.Kind != o.ItemKind {
		return nil, fmt.Errorf("%w: order is a %s, not a %s", ErrNotEligible, o.ItemKind, p.Kind)
	}

	exists, err := s.store.ExistsForOrder(ctx, p.OrderID, p.ReviewerID, p.Kind)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyReviewed
	}

	r := &Review{
		ID:           idgen.WithPrefix("rev_"),
		OrderID:      p.OrderID,
		ReviewerID:   p.ReviewerID,
		TargetUserID: o.SellerID,
		Kind:         p.Kind,
		Rating:       p.Rating,
		Comment:      strings.TrimSpace(p.Comment),
		CreatedAt:    time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.ReviewID(r.ID))
	metrics.ReviewsCreated.WithLabelValues(p.Kind).Inc()
	return r, nil
}

// CreateBehaviorParams is the input to CreateBehaviorReview.
type CreateBehaviorParams struct {
	ReviewerID   string
	TargetUserID string
	ReviewerRole string // buyer or seller
	Rating       int
	Comment      string
}

// CreateBehaviorReview gates and writes a behavior review.
func (s *Service) CreateBehaviorReview(ctx context.Context, p CreateBehaviorParams) (*Review, error) {
	ctx, span := traces.StartSpan(ctx, "review.CreateBehavior", traces.UserID(p.ReviewerID))
	defer span.End()

	if p.ReviewerRole != RoleBuyer && p.ReviewerRole != RoleSeller {
		return nil, fmt.Errorf("%w: unknown reviewer role %q", ErrNotEligible, p.ReviewerRole)
	}
	if p.ReviewerID == p.TargetUserID {
		return nil, fmt.Errorf("%w: cannot review yourself", ErrNotEligible)
	}
	if err := validateRating(p.Rating, p.Comment); err != nil {
		return nil, err
	}

	ok, err := s.CanReviewBehavior(ctx, p.ReviewerID, p.TargetUserID, p.ReviewerRole)
	if err != nil {
		return nil, err
	}
	if !ok {
		exists, _ := s.store.ExistsBehavior(ctx, p.ReviewerID, p.TargetUserID)
		if exists {
			return nil, ErrAlreadyReviewed
		}
		return nil, ErrNotEligible
	}

	r := &Review{
		ID:           idgen.WithPrefix("rev_"),
		ReviewerID:   p.ReviewerID,
		TargetUserID: p.TargetUserID,
		Kind:         KindBehavior,
		Rating:       p.Rating,
		Comment:      strings.TrimSpace(p.Comment),
		CreatedAt:    time.Now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.ReviewID(r.ID))
	metrics.ReviewsCreated.WithLabelValues(KindBehavior).Inc()
	return r, nil
}

// Summary aggregates a user's received reviews.
type Summary struct {
	Reviews       []*Review `json:"reviews"`
	Count         int       `json:"count"`
	AverageRating float64   `json:"averageRating"`
}

// ListForUser returns reviews received by a user, newest first, with the
// average rating over the returned page.
func (s *Service) ListForUser(ctx context.Context, targetUserID string, limit int) (*Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	reviews, err := s.store.ListByTarget(ctx, targetUserID, limit)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Reviews: reviews, Count: len(reviews)}
	if len(reviews) > 0 {
		total := 0
		for _, r := range reviews {
			total += r.Rating
		}
		sum.AverageRating = float64(total) / float64(len(reviews))
	}
	return sum, nil
}

// ListByReviewer returns reviews a user has written, newest first.
func (s *Service) ListByReviewer(ctx context.Context, reviewerID string, limit int) ([]*Review, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByReviewer(ctx, reviewerID, limit)
}

func validateRating(rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if len(strings.TrimSpace(comment)) > maxCommentLen {
		return ErrInvalidComment
	}
	return nil
}
