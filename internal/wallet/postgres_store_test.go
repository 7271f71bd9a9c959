package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/playora/playora/internal/pagination"
	"github.com/playora/playora/internal/testutil"
)

func TestPostgresStore_GrantDebitRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Grant(ctx, "usr_buyer", 500, "topup"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := store.Debit(ctx, "usr_buyer", 300, "ord_1"); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "usr_buyer")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.VP != 200 {
		t.Errorf("VP = %d, want 200", bal.VP)
	}
	if bal.TotalSpent != 300 {
		t.Errorf("TotalSpent = %d, want 300", bal.TotalSpent)
	}

	// Overdraft rejected.
	if err := store.Debit(ctx, "usr_buyer", 900, "ord_2"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Debit overdraft: expected ErrInsufficientFunds, got %v", err)
	}

	// Refund restores the balance; a second refund for the same reference
	// replays as a no-op.
	if err := store.Refund(ctx, "usr_buyer", 300, "ord_1"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if err := store.Refund(ctx, "usr_buyer", 300, "ord_1"); err != nil {
		t.Fatalf("Duplicate refund failed: %v", err)
	}

	bal, _ = store.GetBalance(ctx, "usr_buyer")
	if bal.VP != 500 {
		t.Errorf("VP after refunds = %d, want 500", bal.VP)
	}
}

func TestPostgresStore_PendingRelease_Idempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.CreditPending(ctx, "usr_seller", 100, "ord_1"); err != nil {
		t.Fatalf("CreditPending failed: %v", err)
	}
	if err := store.CreditPending(ctx, "usr_seller", 100, "ord_1"); err != nil {
		t.Fatalf("Duplicate CreditPending failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, "usr_seller")
	if bal.VCPending != 100 {
		t.Errorf("VCPending = %d, want 100 (idempotent credit)", bal.VCPending)
	}

	if err := store.ReleasePending(ctx, "usr_seller", 100, "ord_1"); err != nil {
		t.Fatalf("ReleasePending failed: %v", err)
	}
	if err := store.ReleasePending(ctx, "usr_seller", 100, "ord_1"); err != nil {
		t.Fatalf("Duplicate ReleasePending failed: %v", err)
	}

	bal, _ = store.GetBalance(ctx, "usr_seller")
	if bal.VCPending != 0 {
		t.Errorf("VCPending = %d, want 0", bal.VCPending)
	}
	if bal.VCAvailable != 100 {
		t.Errorf("VCAvailable = %d, want 100", bal.VCAvailable)
	}
	if bal.TotalEarned != 100 {
		t.Errorf("TotalEarned = %d, want 100", bal.TotalEarned)
	}
}

func TestPostgresStore_HistoryPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Grant(ctx, "usr_buyer", 10, "topup"); err != nil {
			t.Fatalf("Grant failed: %v", err)
		}
	}

	first, err := store.History(ctx, "usr_buyer", nil, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(first))
	}

	last := first[len(first)-1]
	rest, err := store.History(ctx, "usr_buyer", &pagination.Cursor{
		CreatedAt: last.CreatedAt,
		ID:        last.ID,
	}, 10)
	if err != nil {
		t.Fatalf("History with cursor failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("Expected 2 remaining entries, got %d", len(rest))
	}

	seen := map[string]bool{}
	for _, e := range first {
		seen[e.ID] = true
	}
	for _, e := range rest {
		if seen[e.ID] {
			t.Errorf("Entry %s appeared on both pages", e.ID)
		}
	}
}
