// Package market implements the listing and order lifecycles and the
// dashboard rollups on top of a ledger store.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/events"
	"github.com/xtrntr/agriloop/internal/impact"
	"github.com/xtrntr/agriloop/internal/models"
)

// Store is the ledger. Multi-row operations (RequestMatch, ResolveMatch,
// CreateOrder) must be atomic.
type Store interface {
	CreateListing(ctx context.Context, l *models.Listing) (*models.Listing, error)
	GetListing(ctx context.Context, id int) (*models.Listing, error)
	ListSellerListings(ctx context.Context, sellerID int) ([]models.Listing, error)
	ListAvailableListings(ctx context.Context) ([]models.Listing, error)
	RequestMatch(ctx context.Context, listingID, buyerID int) (*models.Listing, *models.Match, error)
	ResolveMatch(ctx context.Context, listingID, sellerID int, decision models.MatchDecision) (*models.Listing, *models.Match, error)

	CreateOrder(ctx context.Context, req models.NewOrder, quote models.QuoteFunc) (*models.Order, error)
	CompleteOrder(ctx context.Context, orderID, sellerID int) (*models.Order, error)
	DeletePendingOrder(ctx context.Context, orderID, buyerID int) (*models.Order, error)
	ListOrders(ctx context.Context, actor models.Actor, userID int) ([]models.OrderView, error)

	OrderTotals(ctx context.Context, actor models.Actor, userID int, since *time.Time) (models.Totals, error)
	PickupTotals(ctx context.Context, sellerID int, since *time.Time, factor decimal.Decimal) (models.Totals, error)
}

// TotalsCache caches dashboard rollups per user and window. Invalidate
// moves the user to a new generation; entries stored under an older
// generation are never read again.
type TotalsCache interface {
	Generation(ctx context.Context, actor models.Actor, userID int) (int64, error)
	GetTotals(ctx context.Context, actor models.Actor, userID int, window string) (models.Totals, bool, error)
	SetTotals(ctx context.Context, actor models.Actor, userID int, window string, t models.Totals) error
	Invalidate(ctx context.Context, actor models.Actor, userID int) error
}

// Options carries the optional collaborators of a Service
type Options struct {
	Cache         TotalsCache
	Emitter       *events.Emitter
	Logger        *zap.Logger
	EnforceWeight bool
	Now           func() time.Time
}

type Service struct {
	store         Store
	calc          *impact.Calculator
	cache         TotalsCache
	events        *events.Emitter
	log           *zap.Logger
	enforceWeight bool
	now           func() time.Time
}

func NewService(store Store, calc *impact.Calculator, opts Options) *Service {
	s := &Service{
		store:         store,
		calc:          calc,
		cache:         opts.Cache,
		events:        opts.Emitter,
		log:           opts.Logger,
		enforceWeight: opts.EnforceWeight,
		now:           opts.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.events == nil {
		s.events = events.NewEmitter(events.Nop(), "agriloop-api", s.log)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Calculator() *impact.Calculator { return s.calc }
