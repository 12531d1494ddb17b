package market

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/events"
	"github.com/xtrntr/agriloop/internal/models"
)

// PlaceOrder commits a buyer to weightKg of an item. Price and emissions are
// derived here, once, and never recomputed.
func (s *Service) PlaceOrder(ctx context.Context, buyerID, itemID int, weightKg decimal.Decimal) (*models.Order, error) {
	if itemID <= 0 {
		return nil, apperr.Validation("item_id is required")
	}
	if !weightKg.IsPositive() {
		return nil, apperr.Validation("weight_kg must be positive")
	}

	o, err := s.store.CreateOrder(ctx, models.NewOrder{
		ItemID:        itemID,
		BuyerID:       buyerID,
		WeightKg:      weightKg,
		EnforceWeight: s.enforceWeight,
	}, s.calc.Quote)
	if err != nil {
		return nil, err
	}

	s.log.Info("Order placed",
		zap.Int("order_id", o.ID),
		zap.Int("item_id", itemID),
		zap.Int("buyer_id", buyerID),
		zap.String("amount_paid", o.AmountPaid.String()))
	s.events.Emit(ctx, events.OrderPlaced, events.Key("order", o.ID), o, o.SellerID, o.BuyerID)
	return o, nil
}

// CompleteOrder is called by the order's seller once the goods changed hands
func (s *Service) CompleteOrder(ctx context.Context, sellerID, orderID int) (*models.Order, error) {
	o, err := s.store.CompleteOrder(ctx, orderID, sellerID)
	if err != nil {
		return nil, err
	}

	s.log.Info("Order completed", zap.Int("order_id", o.ID), zap.Int("seller_id", sellerID))
	s.invalidate(ctx, models.ActorSeller, o.SellerID)
	s.invalidate(ctx, models.ActorBuyer, o.BuyerID)
	s.events.Emit(ctx, events.OrderCompleted, events.Key("order", o.ID), o, o.SellerID, o.BuyerID)
	return o, nil
}

// CancelOrder deletes a buyer's pending order. Not yours and already
// completed are reported the same way.
func (s *Service) CancelOrder(ctx context.Context, buyerID, orderID int) error {
	o, err := s.store.DeletePendingOrder(ctx, orderID, buyerID)
	if err != nil {
		return err
	}

	s.log.Info("Order cancelled", zap.Int("order_id", o.ID), zap.Int("buyer_id", buyerID))
	s.events.Emit(ctx, events.OrderCancelled, events.Key("order", o.ID), o, o.SellerID, o.BuyerID)
	return nil
}

func (s *Service) SellerOrders(ctx context.Context, sellerID int) ([]models.OrderView, error) {
	return s.store.ListOrders(ctx, models.ActorSeller, sellerID)
}

func (s *Service) BuyerOrders(ctx context.Context, buyerID int) ([]models.OrderView, error) {
	return s.store.ListOrders(ctx, models.ActorBuyer, buyerID)
}
