package market

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/models"
)

// Window bounds a dashboard rollup in time
type Window string

const (
	WindowAll   Window = "all"
	WindowToday Window = "today"
	WindowWeek  Window = "7d"
	WindowMonth Window = "month"
)

func ParseWindow(s string) (Window, error) {
	switch s {
	case "", "all":
		return WindowAll, nil
	case "today":
		return WindowToday, nil
	case "7d", "week":
		return WindowWeek, nil
	case "month":
		return WindowMonth, nil
	}
	return "", apperr.Validation("window must be one of today, 7d, month, all")
}

// Since returns the inclusive lower bound of w relative to now, nil for all.
// today and month start at local midnight of now's location.
func (w Window) Since(now time.Time) *time.Time {
	var t time.Time
	switch w {
	case WindowToday:
		y, m, d := now.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case WindowWeek:
		t = now.Add(-7 * 24 * time.Hour)
	case WindowMonth:
		y, m, _ := now.Date()
		t = time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	default:
		return nil
	}
	return &t
}

// Dashboard is the read-side projection for one actor
type Dashboard struct {
	Window  Window             `json:"window"`
	Totals  models.Totals      `json:"totals"`
	Pickups *models.Totals     `json:"pickups,omitempty"`
	History []models.OrderView `json:"history"`
}

// SellerDashboard rolls up completed sales plus picked-up listings
func (s *Service) SellerDashboard(ctx context.Context, sellerID int, w Window) (*Dashboard, error) {
	totals, err := s.totals(ctx, models.ActorSeller, sellerID, w)
	if err != nil {
		return nil, err
	}
	pickups, err := s.pickups(ctx, sellerID, w)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListOrders(ctx, models.ActorSeller, sellerID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Window: w, Totals: totals, Pickups: &pickups, History: history}, nil
}

// BuyerDashboard rolls up completed purchases
func (s *Service) BuyerDashboard(ctx context.Context, buyerID int, w Window) (*Dashboard, error) {
	totals, err := s.totals(ctx, models.ActorBuyer, buyerID, w)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListOrders(ctx, models.ActorBuyer, buyerID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Window: w, Totals: totals, History: history}, nil
}

func (s *Service) totals(ctx context.Context, actor models.Actor, userID int, w Window) (models.Totals, error) {
	since := w.Since(s.now())
	return s.cached(ctx, actor, userID, cacheWindow(string(w), since), func() (models.Totals, error) {
		return s.store.OrderTotals(ctx, actor, userID, since)
	})
}

func (s *Service) pickups(ctx context.Context, sellerID int, w Window) (models.Totals, error) {
	since := w.Since(s.now())
	return s.cached(ctx, models.ActorSeller, sellerID, cacheWindow("pickups:"+string(w), since), func() (models.Totals, error) {
		return s.store.PickupTotals(ctx, sellerID, since, s.calc.EmissionFactor())
	})
}

// cacheWindow carries the start date of bounded windows, so a "today" entry
// stops matching at midnight and a "month" entry on the first.
func cacheWindow(name string, since *time.Time) string {
	if since == nil {
		return name
	}
	return name + "@" + since.Format("2006-01-02")
}

// cached reads through the totals cache. Cache failures fall back to the store.
// The generation is read before loading, so totals loaded ahead of a
// concurrent invalidation are written where nobody looks.
func (s *Service) cached(ctx context.Context, actor models.Actor, userID int, window string, load func() (models.Totals, error)) (models.Totals, error) {
	var key string
	if s.cache != nil {
		gen, err := s.cache.Generation(ctx, actor, userID)
		if err != nil {
			s.log.Warn("Dashboard cache read failed", zap.String("window", window), zap.Error(err))
		} else {
			key = fmt.Sprintf("g%d:%s", gen, window)
			t, ok, err := s.cache.GetTotals(ctx, actor, userID, key)
			if err != nil {
				s.log.Warn("Dashboard cache read failed", zap.String("window", key), zap.Error(err))
			} else if ok {
				return t, nil
			}
		}
	}

	t, err := load()
	if err != nil {
		return models.Totals{}, err
	}
	t = s.calc.Finish(t)

	if key != "" {
		if err := s.cache.SetTotals(ctx, actor, userID, key, t); err != nil {
			s.log.Warn("Dashboard cache write failed", zap.String("window", key), zap.Error(err))
		}
	}
	return t, nil
}

func (s *Service) invalidate(ctx context.Context, actor models.Actor, userID int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, actor, userID); err != nil {
		s.log.Warn("Dashboard cache invalidation failed",
			zap.String("actor", string(actor)),
			zap.Int("user_id", userID),
			zap.Error(err))
	}
}
