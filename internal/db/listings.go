package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

const listingColumns = "id, seller_id, name, waste_type, weight_kg, location, price, status, created_at, updated_at"

const matchColumns = "id, listing_id, buyer_id, status, created_at, updated_at"

func scanListing(row pgx.Row) (*models.Listing, error) {
	l := &models.Listing{}
	err := row.Scan(&l.ID, &l.SellerID, &l.Name, &l.WasteType, &l.WeightKg, &l.Location,
		&l.Price, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func scanMatch(row pgx.Row) (*models.Match, error) {
	m := &models.Match{}
	if err := row.Scan(&m.ID, &m.ListingID, &m.BuyerID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateListing inserts a listing in state listed
func (db *DB) CreateListing(ctx context.Context, l *models.Listing) (*models.Listing, error) {
	created, err := scanListing(db.Pool.QueryRow(ctx,
		`INSERT INTO listings (seller_id, name, waste_type, weight_kg, location, price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'listed') RETURNING `+listingColumns,
		l.SellerID, l.Name, l.WasteType, l.WeightKg, l.Location, l.Price))
	if err != nil {
		return nil, apperr.Store("failed to create listing", err)
	}
	return created, nil
}

// GetListing retrieves a listing by id
func (db *DB) GetListing(ctx context.Context, id int) (*models.Listing, error) {
	l, err := scanListing(db.Pool.QueryRow(ctx, "SELECT "+listingColumns+" FROM listings WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Listing not found")
		}
		return nil, apperr.Store("failed to get listing", err)
	}
	return l, nil
}

// ListSellerListings retrieves a seller's listings, newest first
func (db *DB) ListSellerListings(ctx context.Context, sellerID int) ([]models.Listing, error) {
	return db.queryListings(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE seller_id = $1 ORDER BY created_at DESC, id DESC", sellerID)
}

// ListAvailableListings retrieves every listing still open for matching
func (db *DB) ListAvailableListings(ctx context.Context) ([]models.Listing, error) {
	return db.queryListings(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE status = 'listed' ORDER BY created_at DESC, id DESC")
}

func (db *DB) queryListings(ctx context.Context, sql string, args ...any) ([]models.Listing, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Store("failed to get listings", err)
	}
	defer rows.Close()

	listings := []models.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, apperr.Store("failed to scan listing", err)
		}
		listings = append(listings, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("failed to get listings", err)
	}
	return listings, nil
}

// RequestMatch locks the listing, opens a pending match for buyerID and
// moves the listing to matched in one transaction
func (db *DB) RequestMatch(ctx context.Context, listingID, buyerID int) (*models.Listing, *models.Match, error) {
	var (
		listing *models.Listing
		match   *models.Match
	)
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanListing(tx.QueryRow(ctx,
			"SELECT "+listingColumns+" FROM listings WHERE id = $1 FOR UPDATE", listingID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("Listing not found")
			}
			return apperr.Store("failed to get listing", err)
		}
		if current.SellerID == buyerID {
			return apperr.Validation("Cannot match your own listing")
		}
		if !models.CanListingTransition(current.Status, models.ListingMatched) {
			return apperr.Validation("Listing is not available for matching")
		}

		match, err = scanMatch(tx.QueryRow(ctx,
			"INSERT INTO matches (listing_id, buyer_id, status) VALUES ($1, $2, 'pending') RETURNING "+matchColumns,
			listingID, buyerID))
		if err != nil {
			return apperr.Store("failed to create match", err)
		}

		listing, err = scanListing(tx.QueryRow(ctx,
			"UPDATE listings SET status = 'matched', updated_at = NOW() WHERE id = $1 RETURNING "+listingColumns,
			listingID))
		if err != nil {
			return apperr.Store("failed to update listing status", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return listing, match, nil
}

// ResolveMatch applies a seller's decision. The listing and its most recent
// pending match are updated together or not at all.
func (db *DB) ResolveMatch(ctx context.Context, listingID, sellerID int, decision models.MatchDecision) (*models.Listing, *models.Match, error) {
	listingStatus, matchStatus, ok := decision.Outcome()
	if !ok {
		return nil, nil, apperr.Validation("Unknown decision")
	}

	var (
		listing *models.Listing
		match   *models.Match
	)
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		// Lock the listing so a concurrent accept and decline serialize
		current, err := scanListing(tx.QueryRow(ctx,
			"SELECT "+listingColumns+" FROM listings WHERE id = $1 AND seller_id = $2 FOR UPDATE",
			listingID, sellerID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("Listing not found or not yours")
			}
			return apperr.Store("failed to get listing", err)
		}

		var matchID int
		err = tx.QueryRow(ctx,
			`SELECT id FROM matches WHERE listing_id = $1 AND status = 'pending'
			 ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`,
			listingID).Scan(&matchID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("No pending match for this listing")
			}
			return apperr.Store("failed to get match", err)
		}
		if !models.CanListingTransition(current.Status, listingStatus) {
			return apperr.NotFound("No pending match for this listing")
		}

		listing, err = scanListing(tx.QueryRow(ctx,
			"UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING "+listingColumns,
			listingStatus, listingID))
		if err != nil {
			return apperr.Store("failed to update listing status", err)
		}

		match, err = scanMatch(tx.QueryRow(ctx,
			"UPDATE matches SET status = $1, updated_at = NOW() WHERE id = $2 AND status = 'pending' RETURNING "+matchColumns,
			matchStatus, matchID))
		if err != nil {
			return apperr.Store("failed to update match status", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return listing, match, nil
}
