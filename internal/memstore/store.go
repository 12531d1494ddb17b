// Package memstore keeps the marketplace ledger in process memory. It backs
// the dev server (store: memory) and the service and handler tests, and
// mirrors the PostgreSQL store's semantics: one mutex plays the part of a
// transaction.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

type Store struct {
	mu sync.RWMutex

	users    map[int]models.User
	listings map[int]models.Listing
	matches  map[int]models.Match
	orders   map[int]models.Order

	nextUserID    int
	nextListingID int
	nextMatchID   int
	nextOrderID   int

	now func() time.Time
}

func New() *Store {
	return &Store{
		users:         make(map[int]models.User),
		listings:      make(map[int]models.Listing),
		matches:       make(map[int]models.Match),
		orders:        make(map[int]models.Order),
		nextUserID:    1,
		nextListingID: 1,
		nextMatchID:   1,
		nextOrderID:   1,
		now:           time.Now,
	}
}

// SetClock replaces the time source, for tests that need windows
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close(ctx context.Context) error { return nil }

// CreateUser inserts a new user, enforcing unique email and username
func (s *Store) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return nil, apperr.Duplicate("Email already exists")
		}
		if existing.Username == u.Username {
			return nil, apperr.Duplicate("Username already exists")
		}
	}

	created := *u
	created.ID = s.nextUserID
	created.CreatedAt = s.now()
	s.nextUserID++
	s.users[created.ID] = created
	return &created, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, apperr.NotFound("User not found")
}

func (s *Store) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("User not found")
	}
	return &u, nil
}

// MarkVerified flips verified on; changed is false if it already was
func (s *Store) MarkVerified(ctx context.Context, email string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			if u.Verified {
				return &u, false, nil
			}
			u.Verified = true
			s.users[id] = u
			return &u, true, nil
		}
	}
	return nil, false, apperr.NotFound("User not found")
}

// CreateListing stores l in state listed
func (s *Store) CreateListing(ctx context.Context, l *models.Listing) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[l.SellerID]; !ok {
		return nil, apperr.NotFound("Seller not found")
	}
	created := *l
	created.ID = s.nextListingID
	created.Status = models.ListingListed
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	s.nextListingID++
	s.listings[created.ID] = created
	return &created, nil
}

func (s *Store) GetListing(ctx context.Context, id int) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, apperr.NotFound("Listing not found")
	}
	return &l, nil
}

func (s *Store) ListSellerListings(ctx context.Context, sellerID int) ([]models.Listing, error) {
	return s.filterListings(func(l models.Listing) bool { return l.SellerID == sellerID }), nil
}

func (s *Store) ListAvailableListings(ctx context.Context) ([]models.Listing, error) {
	return s.filterListings(func(l models.Listing) bool { return l.Status == models.ListingListed }), nil
}

func (s *Store) filterListings(keep func(models.Listing) bool) []models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Listing{}
	for _, l := range s.listings {
		if keep(l) {
			out = append(out, l)
		}
	}
	// newest first, id breaks ties inside one clock tick
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RequestMatch opens a pending match and moves the listing to matched
func (s *Store) RequestMatch(ctx context.Context, listingID, buyerID int) (*models.Listing, *models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok {
		return nil, nil, apperr.NotFound("Listing not found")
	}
	if l.SellerID == buyerID {
		return nil, nil, apperr.Validation("Cannot match your own listing")
	}
	if !models.CanListingTransition(l.Status, models.ListingMatched) {
		return nil, nil, apperr.Validation("Listing is not available for matching")
	}

	now := s.now()
	m := models.Match{
		ID:        s.nextMatchID,
		ListingID: listingID,
		BuyerID:   buyerID,
		Status:    models.MatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.nextMatchID++
	s.matches[m.ID] = m

	l.Status = models.ListingMatched
	l.UpdatedAt = now
	s.listings[l.ID] = l
	return &l, &m, nil
}

// ResolveMatch applies the seller's decision to the listing and its most
// recent pending match together
func (s *Store) ResolveMatch(ctx context.Context, listingID, sellerID int, decision models.MatchDecision) (*models.Listing, *models.Match, error) {
	listingStatus, matchStatus, ok := decision.Outcome()
	if !ok {
		return nil, nil, apperr.Validation("Unknown decision")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[listingID]
	if !ok || l.SellerID != sellerID {
		return nil, nil, apperr.NotFound("Listing not found or not yours")
	}

	var pending *models.Match
	for _, m := range s.matches {
		if m.ListingID != listingID || m.Status != models.MatchPending {
			continue
		}
		if pending == nil || m.CreatedAt.After(pending.CreatedAt) ||
			(m.CreatedAt.Equal(pending.CreatedAt) && m.ID > pending.ID) {
			m := m
			pending = &m
		}
	}
	if pending == nil || !models.CanListingTransition(l.Status, listingStatus) {
		return nil, nil, apperr.NotFound("No pending match for this listing")
	}

	now := s.now()
	l.Status = listingStatus
	l.UpdatedAt = now
	pending.Status = matchStatus
	pending.UpdatedAt = now
	s.listings[l.ID] = l
	s.matches[pending.ID] = *pending
	return &l, pending, nil
}

// CreateOrder prices and inserts a pending order against a listing
func (s *Store) CreateOrder(ctx context.Context, req models.NewOrder, quote models.QuoteFunc) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[req.ItemID]
	if !ok {
		return nil, apperr.NotFound("Item not found")
	}
	if req.EnforceWeight {
		if l.Status == models.ListingPickedUp {
			return nil, apperr.Validation("Item has already been picked up")
		}
		committed := decimal.Zero
		for _, o := range s.orders {
			if o.ItemID == l.ID {
				committed = committed.Add(o.WeightKg)
			}
		}
		if req.WeightKg.GreaterThan(l.WeightKg.Sub(committed)) {
			return nil, apperr.Validation("Requested weight exceeds available weight")
		}
	}

	q, err := quote(l, req.WeightKg)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}

	o := models.Order{
		ID:                   s.nextOrderID,
		ItemID:               l.ID,
		BuyerID:              req.BuyerID,
		SellerID:             l.SellerID,
		WeightKg:             req.WeightKg,
		AmountPaid:           q.AmountPaid,
		EmissionsPreventedKg: q.EmissionsPreventedKg,
		Status:               models.OrderPending,
		CreatedAt:            s.now(),
	}
	s.nextOrderID++
	s.orders[o.ID] = o
	return &o, nil
}

// CompleteOrder marks the seller's order completed and stamps completed_at
func (s *Store) CompleteOrder(ctx context.Context, orderID, sellerID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.SellerID != sellerID {
		return nil, apperr.NotFound("Order not found or not yours")
	}
	// completing twice keeps the first completion time
	if models.CanOrderTransition(o.Status, models.OrderCompleted) {
		now := s.now()
		o.Status = models.OrderCompleted
		o.CompletedAt = &now
		s.orders[o.ID] = o
	}
	return &o, nil
}

// DeletePendingOrder removes the buyer's order while it is still pending
func (s *Store) DeletePendingOrder(ctx context.Context, orderID, buyerID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.BuyerID != buyerID || o.Status != models.OrderPending {
		return nil, apperr.NotFound("Order not found or already completed")
	}
	delete(s.orders, orderID)
	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context, actor models.Actor, userID int) ([]models.OrderView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.OrderView{}
	for _, o := range s.orders {
		if !ownedBy(o, actor, userID) {
			continue
		}
		l := s.listings[o.ItemID]
		out = append(out, models.OrderView{Order: o, Name: l.Name, WasteType: l.WasteType})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// OrderTotals rolls up completed orders, optionally completed at or after since
func (s *Store) OrderTotals(ctx context.Context, actor models.Actor, userID int, since *time.Time) (models.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := zeroTotals()
	for _, o := range s.orders {
		if !ownedBy(o, actor, userID) || o.Status != models.OrderCompleted {
			continue
		}
		if since != nil && (o.CompletedAt == nil || o.CompletedAt.Before(*since)) {
			continue
		}
		t.TotalAmount = t.TotalAmount.Add(o.AmountPaid)
		t.TotalWeight = t.TotalWeight.Add(o.WeightKg)
		t.TotalEmissions = t.TotalEmissions.Add(o.EmissionsPreventedKg)
		t.TotalTransactions++
	}
	return t, nil
}

// PickupTotals rolls up the seller's picked_up listings
func (s *Store) PickupTotals(ctx context.Context, sellerID int, since *time.Time, factor decimal.Decimal) (models.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := zeroTotals()
	for _, l := range s.listings {
		if l.SellerID != sellerID || l.Status != models.ListingPickedUp {
			continue
		}
		if since != nil && l.UpdatedAt.Before(*since) {
			continue
		}
		t.TotalAmount = t.TotalAmount.Add(l.Price)
		t.TotalWeight = t.TotalWeight.Add(l.WeightKg)
		t.TotalTransactions++
	}
	t.TotalEmissions = t.TotalWeight.Mul(factor)
	return t, nil
}

func ownedBy(o models.Order, actor models.Actor, userID int) bool {
	if actor == models.ActorSeller {
		return o.SellerID == userID
	}
	return o.BuyerID == userID
}

func zeroTotals() models.Totals {
	return models.Totals{
		TotalAmount:     decimal.Zero,
		TotalWeight:     decimal.Zero,
		TotalEmissions:  decimal.Zero,
		TreesEquivalent: decimal.Zero,
	}
}
