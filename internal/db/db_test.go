package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

// Set AGRILOOP_TEST_DATABASE_URL to a disposable database to run these.
var testDB *DB

func TestMain(m *testing.M) {
	connString := os.Getenv("AGRILOOP_TEST_DATABASE_URL")
	if connString == "" {
		fmt.Println("AGRILOOP_TEST_DATABASE_URL not set, skipping postgres tests")
		os.Exit(0)
	}

	var err error
	testDB, err = NewDB(context.Background(), connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(context.Background())

	if err := testDB.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func resetDB(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE orders, matches, listings, users RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("Failed to clean up database: %v", err)
	}
}

// seed creates seller 1, buyer 2 and a 10kg listing priced 150
func seed(t *testing.T) *models.Listing {
	t.Helper()
	ctx := context.Background()
	resetDB(t)
	for _, u := range []models.User{
		{Username: "sam", FullName: "Sam Seller", Email: "sam@example.com", PasswordHash: "hash", Role: models.RoleSeller},
		{Username: "bea", FullName: "Bea Buyer", Email: "bea@example.com", PasswordHash: "hash", Role: models.RoleBuyer},
	} {
		if _, err := testDB.CreateUser(ctx, &u); err != nil {
			t.Fatalf("Failed to insert user: %v", err)
		}
	}
	l, err := testDB.CreateListing(ctx, &models.Listing{
		SellerID: 1, Name: "Rice straw", WasteType: "straw", WeightKg: d("10"), Location: "Ludhiana", Price: d("150"),
	})
	if err != nil {
		t.Fatalf("Failed to insert listing: %v", err)
	}
	return l
}

func fixedQuote(l models.Listing, w decimal.Decimal) (models.Quote, error) {
	return models.Quote{
		AmountPaid:           l.Price.Mul(w).Div(l.WeightKg),
		EmissionsPreventedKg: w.Mul(d("1.5")),
	}, nil
}

func TestDB_CreateUser(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		user     models.User
		wantKind apperr.Kind
	}{
		{
			name: "Success",
			user: models.User{Username: "alice", FullName: "Alice", Email: "alice@example.com", PasswordHash: "h", Role: models.RoleSeller},
		},
		{
			name:     "DuplicateEmail",
			user:     models.User{Username: "alice2", FullName: "Alice", Email: "alice@example.com", PasswordHash: "h", Role: models.RoleSeller},
			wantKind: apperr.KindDuplicate,
		},
		{
			name:     "DuplicateUsername",
			user:     models.User{Username: "alice", FullName: "Alice", Email: "other@example.com", PasswordHash: "h", Role: models.RoleBuyer},
			wantKind: apperr.KindDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := testDB.CreateUser(ctx, &tt.user)
			if tt.wantKind != apperr.KindUnknown {
				if apperr.KindOf(err) != tt.wantKind {
					t.Errorf("expected %v error, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.ID == 0 || u.Verified {
				t.Errorf("unexpected user: %+v", u)
			}
		})
	}

	_, err := testDB.CreateUser(ctx, &models.User{Username: "x", FullName: "X", Email: "alice@example.com", PasswordHash: "h", Role: models.RoleBuyer})
	if apperr.Message(err) != "Email already exists" {
		t.Errorf("expected email duplicate message, got %v", err)
	}
}

func TestDB_MarkVerified(t *testing.T) {
	seed(t)
	ctx := context.Background()

	u, changed, err := testDB.MarkVerified(ctx, "BEA@example.com")
	if err != nil || !changed || !u.Verified {
		t.Fatalf("first verification: user=%+v changed=%v err=%v", u, changed, err)
	}
	_, changed, err = testDB.MarkVerified(ctx, "bea@example.com")
	if err != nil || changed {
		t.Errorf("second verification should be a no-op: changed=%v err=%v", changed, err)
	}
	_, _, err = testDB.MarkVerified(ctx, "nobody@example.com")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDB_MatchLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("AcceptWithoutPendingMatch", func(t *testing.T) {
		l := seed(t)
		_, _, err := testDB.ResolveMatch(ctx, l.ID, 1, models.DecisionAccept)
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		got, _ := testDB.GetListing(ctx, l.ID)
		if got.Status != models.ListingListed {
			t.Errorf("listing status changed to %s", got.Status)
		}
	})

	t.Run("WrongSeller", func(t *testing.T) {
		l := seed(t)
		if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
			t.Fatalf("request match: %v", err)
		}
		_, _, err := testDB.ResolveMatch(ctx, l.ID, 2, models.DecisionAccept)
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("AcceptThenDecline", func(t *testing.T) {
		l := seed(t)
		listing, match, err := testDB.RequestMatch(ctx, l.ID, 2)
		if err != nil {
			t.Fatalf("request match: %v", err)
		}
		if listing.Status != models.ListingMatched || match.Status != models.MatchPending {
			t.Fatalf("unexpected states %s/%s", listing.Status, match.Status)
		}

		listing, match, err = testDB.ResolveMatch(ctx, l.ID, 1, models.DecisionAccept)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if listing.Status != models.ListingPickedUp || match.Status != models.MatchAccepted {
			t.Errorf("unexpected states %s/%s", listing.Status, match.Status)
		}

		_, _, err = testDB.ResolveMatch(ctx, l.ID, 1, models.DecisionDecline)
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("second decision should fail with not found, got %v", err)
		}
	})

	t.Run("DeclineRelists", func(t *testing.T) {
		l := seed(t)
		if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
			t.Fatalf("request match: %v", err)
		}
		listing, match, err := testDB.ResolveMatch(ctx, l.ID, 1, models.DecisionDecline)
		if err != nil {
			t.Fatalf("decline: %v", err)
		}
		if listing.Status != models.ListingListed || match.Status != models.MatchDeclined {
			t.Errorf("unexpected states %s/%s", listing.Status, match.Status)
		}
		if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
			t.Errorf("relisted listing should accept a new match: %v", err)
		}
	})
}

func TestDB_ResolveMatch_RollsBackListing(t *testing.T) {
	l := seed(t)
	ctx := context.Background()
	if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
		t.Fatalf("request match: %v", err)
	}

	// fail the match update after the listing update has run
	_, err := testDB.Pool.Exec(ctx, `
		CREATE OR REPLACE FUNCTION fail_match_update() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'match update refused';
		END;
		$$ LANGUAGE plpgsql;
		CREATE TRIGGER fail_match_update BEFORE UPDATE ON matches
			FOR EACH ROW EXECUTE FUNCTION fail_match_update();`)
	if err != nil {
		t.Fatalf("Failed to install trigger: %v", err)
	}
	t.Cleanup(func() {
		_, err := testDB.Pool.Exec(context.Background(), `
			DROP TRIGGER IF EXISTS fail_match_update ON matches;
			DROP FUNCTION IF EXISTS fail_match_update();`)
		if err != nil {
			t.Errorf("Failed to drop trigger: %v", err)
		}
	})

	for _, decision := range []models.MatchDecision{models.DecisionAccept, models.DecisionDecline} {
		_, _, err := testDB.ResolveMatch(ctx, l.ID, 1, decision)
		if !apperr.Is(err, apperr.KindStore) {
			t.Fatalf("%s: expected a store error, got %v", decision, err)
		}

		got, err := testDB.GetListing(ctx, l.ID)
		if err != nil {
			t.Fatalf("get listing: %v", err)
		}
		if got.Status != models.ListingMatched {
			t.Errorf("%s: listing status is %s, want it rolled back to %s", decision, got.Status, models.ListingMatched)
		}
		var status string
		err = testDB.Pool.QueryRow(ctx, "SELECT status FROM matches WHERE listing_id = $1", l.ID).Scan(&status)
		if err != nil || status != string(models.MatchPending) {
			t.Errorf("%s: match status is %q (err=%v), want pending", decision, status, err)
		}
	}
}

func TestDB_ResolveMatch_Concurrent(t *testing.T) {
	l := seed(t)
	ctx := context.Background()
	if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
		t.Fatalf("request match: %v", err)
	}

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		decision := models.DecisionAccept
		if i%2 == 1 {
			decision = models.DecisionDecline
		}
		go func() {
			defer wg.Done()
			if _, _, err := testDB.ResolveMatch(ctx, l.ID, 1, decision); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 successful decision, got %d", successCount)
	}

	var pending int
	err := testDB.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM matches WHERE status = 'pending'").Scan(&pending)
	if err != nil || pending != 0 {
		t.Errorf("expected no pending matches, got %d (err=%v)", pending, err)
	}
}

func TestDB_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	l := seed(t)

	order, err := testDB.CreateOrder(ctx, models.NewOrder{ItemID: l.ID, BuyerID: 2, WeightKg: d("4"), EnforceWeight: true}, fixedQuote)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.AmountPaid.Equal(d("60")) || !order.EmissionsPreventedKg.Equal(d("6")) {
		t.Errorf("unexpected derived fields: amount=%s emissions=%s", order.AmountPaid, order.EmissionsPreventedKg)
	}
	if order.SellerID != 1 || order.Status != models.OrderPending {
		t.Errorf("unexpected order: %+v", order)
	}

	_, err = testDB.CreateOrder(ctx, models.NewOrder{ItemID: l.ID, BuyerID: 2, WeightKg: d("6.5"), EnforceWeight: true}, fixedQuote)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected oversell rejection, got %v", err)
	}
	_, err = testDB.CreateOrder(ctx, models.NewOrder{ItemID: 999, BuyerID: 2, WeightKg: d("1")}, fixedQuote)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected item not found, got %v", err)
	}

	if _, err := testDB.CompleteOrder(ctx, order.ID, 2); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("buyer must not complete: %v", err)
	}
	completed, err := testDB.CompleteOrder(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.OrderCompleted || completed.CompletedAt == nil {
		t.Errorf("unexpected completed order: %+v", completed)
	}

	if _, err := testDB.DeletePendingOrder(ctx, order.ID, 2); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("completed order must not be cancelled: %v", err)
	}

	views, err := testDB.ListOrders(ctx, models.ActorBuyer, 2)
	if err != nil || len(views) != 1 || views[0].Name != "Rice straw" {
		t.Errorf("unexpected buyer orders: %+v err=%v", views, err)
	}
}

func TestDB_Totals(t *testing.T) {
	ctx := context.Background()
	l := seed(t)

	empty, err := testDB.OrderTotals(ctx, models.ActorSeller, 1, nil)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !empty.TotalAmount.IsZero() || !empty.TotalWeight.IsZero() || !empty.TotalEmissions.IsZero() || empty.TotalTransactions != 0 {
		t.Errorf("expected zero totals, got %+v", empty)
	}

	for _, w := range []string{"2", "3"} {
		o, err := testDB.CreateOrder(ctx, models.NewOrder{ItemID: l.ID, BuyerID: 2, WeightKg: d(w)}, fixedQuote)
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
		if _, err := testDB.CompleteOrder(ctx, o.ID, 1); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if _, err := testDB.CreateOrder(ctx, models.NewOrder{ItemID: l.ID, BuyerID: 2, WeightKg: d("1")}, fixedQuote); err != nil {
		t.Fatalf("create pending order: %v", err)
	}

	totals, err := testDB.OrderTotals(ctx, models.ActorBuyer, 2, nil)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !totals.TotalAmount.Equal(d("75")) || !totals.TotalWeight.Equal(d("5")) ||
		!totals.TotalEmissions.Equal(d("7.5")) || totals.TotalTransactions != 2 {
		t.Errorf("unexpected totals: %+v", totals)
	}

	if _, _, err := testDB.RequestMatch(ctx, l.ID, 2); err != nil {
		t.Fatalf("request match: %v", err)
	}
	if _, _, err := testDB.ResolveMatch(ctx, l.ID, 1, models.DecisionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pickups, err := testDB.PickupTotals(ctx, 1, nil, d("0.95"))
	if err != nil {
		t.Fatalf("pickup totals: %v", err)
	}
	if !pickups.TotalWeight.Equal(d("10")) || !pickups.TotalEmissions.Equal(d("9.5")) || pickups.TotalTransactions != 1 {
		t.Errorf("unexpected pickup totals: %+v", pickups)
	}
}
