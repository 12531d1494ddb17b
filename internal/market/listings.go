package market

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/events"
	"github.com/xtrntr/agriloop/internal/models"
)

// ListingInput is what a seller submits for a new listing or item
type ListingInput struct {
	Name      string
	WasteType string
	WeightKg  decimal.Decimal
	Location  string
	Price     decimal.Decimal
}

// MatchResult is the pair of rows a match transition touched
type MatchResult struct {
	Listing *models.Listing `json:"listing"`
	Match   *models.Match   `json:"match"`
}

// CreateListing puts a new listing on the market in state listed.
// waste_type, a positive quantity, location and a positive expected price are required.
func (s *Service) CreateListing(ctx context.Context, sellerID int, in ListingInput) (*models.Listing, error) {
	in = trimListing(in)
	if in.WasteType == "" || in.Location == "" {
		return nil, apperr.Validation("waste_type, quantity, location and expected_price are required")
	}
	return s.createListing(ctx, sellerID, in)
}

// CreateItem is the item form of CreateListing: name instead of location
func (s *Service) CreateItem(ctx context.Context, sellerID int, in ListingInput) (*models.Listing, error) {
	in = trimListing(in)
	if in.Name == "" || in.WasteType == "" {
		return nil, apperr.Validation("name, waste_type, weight_kg and price are required")
	}
	return s.createListing(ctx, sellerID, in)
}

func (s *Service) createListing(ctx context.Context, sellerID int, in ListingInput) (*models.Listing, error) {
	if !in.WeightKg.IsPositive() {
		return nil, apperr.Validation("Quantity must be positive")
	}
	if !in.Price.IsPositive() {
		return nil, apperr.Validation("Price must be positive")
	}

	l, err := s.store.CreateListing(ctx, &models.Listing{
		SellerID:  sellerID,
		Name:      in.Name,
		WasteType: in.WasteType,
		WeightKg:  in.WeightKg,
		Location:  in.Location,
		Price:     in.Price,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Listing created", zap.Int("listing_id", l.ID), zap.Int("seller_id", sellerID))
	s.events.Emit(ctx, events.ListingCreated, events.Key("listing", l.ID), l, sellerID)
	return l, nil
}

func (s *Service) SellerListings(ctx context.Context, sellerID int) ([]models.Listing, error) {
	return s.store.ListSellerListings(ctx, sellerID)
}

func (s *Service) AvailableListings(ctx context.Context) ([]models.Listing, error) {
	return s.store.ListAvailableListings(ctx)
}

// RequestMatch lets a buyer claim a listed listing pending the seller's decision
func (s *Service) RequestMatch(ctx context.Context, buyerID, listingID int) (*MatchResult, error) {
	l, m, err := s.store.RequestMatch(ctx, listingID, buyerID)
	if err != nil {
		return nil, err
	}
	s.log.Info("Match requested",
		zap.Int("listing_id", listingID),
		zap.Int("match_id", m.ID),
		zap.Int("buyer_id", buyerID))
	res := &MatchResult{Listing: l, Match: m}
	s.events.Emit(ctx, events.MatchRequested, events.Key("listing", listingID), res, l.SellerID, buyerID)
	return res, nil
}

// AcceptMatch moves the listing to picked_up and its pending match to accepted
func (s *Service) AcceptMatch(ctx context.Context, sellerID, listingID int) (*MatchResult, error) {
	return s.resolve(ctx, sellerID, listingID, models.DecisionAccept, events.MatchAccepted)
}

// DeclineMatch returns the listing to listed and declines its pending match
func (s *Service) DeclineMatch(ctx context.Context, sellerID, listingID int) (*MatchResult, error) {
	return s.resolve(ctx, sellerID, listingID, models.DecisionDecline, events.MatchDeclined)
}

func (s *Service) resolve(ctx context.Context, sellerID, listingID int, decision models.MatchDecision, eventType string) (*MatchResult, error) {
	l, m, err := s.store.ResolveMatch(ctx, listingID, sellerID, decision)
	if err != nil {
		if apperr.Is(err, apperr.KindStore) {
			s.log.Error("Match transition rolled back",
				zap.Int("listing_id", listingID),
				zap.String("decision", string(decision)),
				zap.Error(err))
		}
		return nil, err
	}

	s.log.Info("Match resolved",
		zap.Int("listing_id", listingID),
		zap.Int("match_id", m.ID),
		zap.String("listing_status", string(l.Status)),
		zap.String("match_status", string(m.Status)))
	res := &MatchResult{Listing: l, Match: m}
	s.events.Emit(ctx, eventType, events.Key("listing", listingID), res, l.SellerID, m.BuyerID)
	if decision == models.DecisionAccept {
		s.invalidate(ctx, models.ActorSeller, sellerID)
	}
	return res, nil
}

func trimListing(in ListingInput) ListingInput {
	in.Name = strings.TrimSpace(in.Name)
	in.WasteType = strings.TrimSpace(in.WasteType)
	in.Location = strings.TrimSpace(in.Location)
	return in
}
