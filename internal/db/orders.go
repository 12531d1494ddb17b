package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

const orderColumns = "id, item_id, buyer_id, seller_id, weight_kg, amount_paid, emissions_prevented_kg, status, created_at, completed_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.ItemID, &o.BuyerID, &o.SellerID, &o.WeightKg, &o.AmountPaid,
		&o.EmissionsPreventedKg, &o.Status, &o.CreatedAt, &o.CompletedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOrder prices and inserts a pending order. The listing row is locked
// so two buyers cannot both take its last kilograms.
func (db *DB) CreateOrder(ctx context.Context, req models.NewOrder, quote models.QuoteFunc) (*models.Order, error) {
	var order *models.Order
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		listing, err := scanListing(tx.QueryRow(ctx,
			"SELECT "+listingColumns+" FROM listings WHERE id = $1 FOR UPDATE", req.ItemID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("Item not found")
			}
			return apperr.Store("failed to get item", err)
		}

		if req.EnforceWeight {
			if listing.Status == models.ListingPickedUp {
				return apperr.Validation("Item has already been picked up")
			}
			var committed decimal.Decimal
			err := tx.QueryRow(ctx,
				"SELECT COALESCE(SUM(weight_kg), 0) FROM orders WHERE item_id = $1", req.ItemID).Scan(&committed)
			if err != nil {
				return apperr.Store("failed to sum committed weight", err)
			}
			if req.WeightKg.GreaterThan(listing.WeightKg.Sub(committed)) {
				return apperr.Validation("Requested weight exceeds available weight")
			}
		}

		q, err := quote(*listing, req.WeightKg)
		if err != nil {
			return apperr.Validation(err.Error())
		}

		order, err = scanOrder(tx.QueryRow(ctx,
			`INSERT INTO orders (item_id, buyer_id, seller_id, weight_kg, amount_paid, emissions_prevented_kg, status)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending') RETURNING `+orderColumns,
			listing.ID, req.BuyerID, listing.SellerID, req.WeightKg, q.AmountPaid, q.EmissionsPreventedKg))
		if err != nil {
			return apperr.Store("failed to create order", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CompleteOrder marks the seller's order completed. A repeat call keeps the
// first completion time.
func (db *DB) CompleteOrder(ctx context.Context, orderID, sellerID int) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		`UPDATE orders SET status = 'completed', completed_at = COALESCE(completed_at, NOW())
		 WHERE id = $1 AND seller_id = $2 RETURNING `+orderColumns,
		orderID, sellerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Order not found or not yours")
		}
		return nil, apperr.Store("failed to complete order", err)
	}
	return order, nil
}

// DeletePendingOrder removes a buyer's order if it is still pending
func (db *DB) DeletePendingOrder(ctx context.Context, orderID, buyerID int) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"DELETE FROM orders WHERE id = $1 AND buyer_id = $2 AND status = 'pending' RETURNING "+orderColumns,
		orderID, buyerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("Order not found or already completed")
		}
		return nil, apperr.Store("failed to cancel order", err)
	}
	return order, nil
}

// ListOrders retrieves the orders of a seller or buyer with their item names
func (db *DB) ListOrders(ctx context.Context, actor models.Actor, userID int) ([]models.OrderView, error) {
	column := "o.buyer_id"
	if actor == models.ActorSeller {
		column = "o.seller_id"
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT o.id, o.item_id, o.buyer_id, o.seller_id, o.weight_kg, o.amount_paid, o.emissions_prevented_kg,
		        o.status, o.created_at, o.completed_at, l.name, l.waste_type
		 FROM orders o JOIN listings l ON l.id = o.item_id
		 WHERE `+column+` = $1 ORDER BY o.created_at DESC, o.id DESC`,
		userID)
	if err != nil {
		return nil, apperr.Store("failed to get orders", err)
	}
	defer rows.Close()

	orders := []models.OrderView{}
	for rows.Next() {
		var v models.OrderView
		err := rows.Scan(&v.ID, &v.ItemID, &v.BuyerID, &v.SellerID, &v.WeightKg, &v.AmountPaid,
			&v.EmissionsPreventedKg, &v.Status, &v.CreatedAt, &v.CompletedAt, &v.Name, &v.WasteType)
		if err != nil {
			return nil, apperr.Store("failed to scan order", err)
		}
		orders = append(orders, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("failed to get orders", err)
	}
	return orders, nil
}

// OrderTotals sums completed orders, optionally completed at or after since
func (db *DB) OrderTotals(ctx context.Context, actor models.Actor, userID int, since *time.Time) (models.Totals, error) {
	column := "buyer_id"
	if actor == models.ActorSeller {
		column = "seller_id"
	}
	t := models.Totals{TreesEquivalent: decimal.Zero}
	err := db.Pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(amount_paid), 0),
		   COALESCE(SUM(weight_kg), 0),
		   COALESCE(SUM(emissions_prevented_kg), 0),
		   COUNT(*)
		 FROM orders
		 WHERE `+column+` = $1 AND status = 'completed'
		   AND ($2::timestamptz IS NULL OR completed_at >= $2)`,
		userID, since).Scan(&t.TotalAmount, &t.TotalWeight, &t.TotalEmissions, &t.TotalTransactions)
	if err != nil {
		return models.Totals{}, apperr.Store("failed to sum orders", err)
	}
	return t, nil
}

// PickupTotals sums a seller's picked_up listings; emissions use factor
func (db *DB) PickupTotals(ctx context.Context, sellerID int, since *time.Time, factor decimal.Decimal) (models.Totals, error) {
	t := models.Totals{TreesEquivalent: decimal.Zero}
	err := db.Pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(price), 0),
		   COALESCE(SUM(weight_kg), 0),
		   COUNT(*)
		 FROM listings
		 WHERE seller_id = $1 AND status = 'picked_up'
		   AND ($2::timestamptz IS NULL OR updated_at >= $2)`,
		sellerID, since).Scan(&t.TotalAmount, &t.TotalWeight, &t.TotalTransactions)
	if err != nil {
		return models.Totals{}, apperr.Store("failed to sum pickups", err)
	}
	t.TotalEmissions = t.TotalWeight.Mul(factor)
	return t, nil
}
