package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/testutil"
)

func seedReview(t *testing.T, store *PostgresStore, mutate func(*Review)) *Review {
	t.Helper()
	r := &Review{
		ID:           idgen.WithPrefix("rev_"),
		OrderID:      "ord_1",
		ReviewerID:   "usr_buyer",
		TargetUserID: "usr_seller",
		Kind:         KindService,
		Rating:       5,
		Comment:      "great work",
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	if mutate != nil {
		mutate(r)
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return r
}

func TestPostgresStore_CreateAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	r := seedReview(t, store, nil)

	byTarget, err := store.ListByTarget(ctx, "usr_seller", 10)
	if err != nil {
		t.Fatalf("ListByTarget failed: %v", err)
	}
	if len(byTarget) != 1 {
		t.Fatalf("ListByTarget = %d reviews, want 1", len(byTarget))
	}
	got := byTarget[0]
	if got.ID != r.ID || got.Rating != 5 || got.Comment != "great work" {
		t.Errorf("review roundtrip broken: %+v", got)
	}

	byReviewer, err := store.ListByReviewer(ctx, "usr_buyer", 10)
	if err != nil {
		t.Fatalf("ListByReviewer failed: %v", err)
	}
	if len(byReviewer) != 1 {
		t.Errorf("ListByReviewer = %d reviews, want 1", len(byReviewer))
	}
}

func TestPostgresStore_DuplicateOrderReview(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seedReview(t, store, nil)

	dup := &Review{
		ID:           idgen.WithPrefix("rev_"),
		OrderID:      "ord_1",
		ReviewerID:   "usr_buyer",
		TargetUserID: "usr_seller",
		Kind:         KindService,
		Rating:       1,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("duplicate create: expected ErrAlreadyReviewed, got %v", err)
	}

	// Same order, different reviewer is allowed.
	seedReview(t, store, func(r *Review) {
		r.ReviewerID = "usr_seller"
		r.TargetUserID = "usr_buyer"
	})

	exists, err := store.ExistsForOrder(ctx, "ord_1", "usr_buyer", KindService)
	if err != nil {
		t.Fatalf("ExistsForOrder failed: %v", err)
	}
	if !exists {
		t.Error("expected service review to exist for ord_1")
	}
}

func TestPostgresStore_BehaviorUniquePerPair(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	seedReview(t, store, func(r *Review) {
		r.OrderID = ""
		r.Kind = KindBehavior
	})

	dup := &Review{
		ID:           idgen.WithPrefix("rev_"),
		ReviewerID:   "usr_buyer",
		TargetUserID: "usr_seller",
		Kind:         KindBehavior,
		Rating:       2,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("duplicate behavior review: expected ErrAlreadyReviewed, got %v", err)
	}

	exists, err := store.ExistsBehavior(ctx, "usr_buyer", "usr_seller")
	if err != nil {
		t.Fatalf("ExistsBehavior failed: %v", err)
	}
	if !exists {
		t.Error("expected behavior review to exist")
	}

	// A different target is fine.
	exists, _ = store.ExistsBehavior(ctx, "usr_buyer", "usr_third")
	if exists {
		t.Error("no behavior review exists for usr_third")
	}
}
