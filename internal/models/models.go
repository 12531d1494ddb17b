package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the marketplace side a user signs up for
type Role string

const (
	RoleSeller Role = "Seller"
	RoleBuyer  Role = "Buyer"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

// User represents a registered user
type User struct {
	ID           int        `json:"id"`
	Username     string     `json:"username"`
	FullName     string     `json:"full_name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Verified     bool       `json:"verified"`
	Gender       *string    `json:"gender"`
	DateOfBirth  *time.Time `json:"date_of_birth"`
	City         *string    `json:"city"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Listing is a seller's offered quantity of waste. The legacy item surface
// reads and writes the same rows.
type Listing struct {
	ID        int             `json:"id"`
	SellerID  int             `json:"seller_id"`
	Name      string          `json:"name"`
	WasteType string          `json:"waste_type"`
	WeightKg  decimal.Decimal `json:"weight_kg"`
	Location  string          `json:"location"`
	Price     decimal.Decimal `json:"price"` // expected price for the whole weight
	Status    ListingStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Match links a candidate buyer to a listing until the seller decides
type Match struct {
	ID        int         `json:"id"`
	ListingID int         `json:"listing_id"`
	BuyerID   int         `json:"buyer_id"`
	Status    MatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Order is a buyer's committed purchase against a listing. AmountPaid and
// EmissionsPreventedKg are fixed at creation.
type Order struct {
	ID                   int             `json:"id"`
	ItemID               int             `json:"item_id"`
	BuyerID              int             `json:"buyer_id"`
	SellerID             int             `json:"seller_id"`
	WeightKg             decimal.Decimal `json:"weight_kg"`
	AmountPaid           decimal.Decimal `json:"amount_paid"`
	EmissionsPreventedKg decimal.Decimal `json:"emissions_prevented_kg"`
	Status               OrderStatus     `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at"`
}

// OrderView is an order joined with the listing it was placed against
type OrderView struct {
	Order
	Name      string `json:"name"`
	WasteType string `json:"waste_type"`
}

// Quote holds the derived fields of an order
type Quote struct {
	AmountPaid           decimal.Decimal
	EmissionsPreventedKg decimal.Decimal
}

// Totals is a dashboard rollup. Zero-valued when nothing matched.
type Totals struct {
	TotalAmount       decimal.Decimal `json:"total_amount"`
	TotalWeight       decimal.Decimal `json:"total_weight"`
	TotalEmissions    decimal.Decimal `json:"total_emissions"`
	TotalTransactions int64           `json:"total_transactions"`
	TreesEquivalent   decimal.Decimal `json:"trees_equivalent"`
}

// Actor selects which side of an order a query is scoped to
type Actor string

const (
	ActorSeller Actor = "seller"
	ActorBuyer  Actor = "buyer"
)

// NewOrder is a buyer's request to commit to a weight of a listing
type NewOrder struct {
	ItemID   int
	BuyerID  int
	WeightKg decimal.Decimal
	// EnforceWeight rejects weights above what the listing has left
	EnforceWeight bool
}

// QuoteFunc prices an order against the listing it is placed on
type QuoteFunc func(listing Listing, weightKg decimal.Decimal) (Quote, error)
