package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/agriloop/internal/market"
)

// CreateListing handles POST /seller/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := userFromContext(r.Context())
	var req struct {
		Name          string          `json:"name"`
		WasteType     string          `json:"waste_type"`
		Quantity      decimal.Decimal `json:"quantity"`
		Location      string          `json:"location"`
		ExpectedPrice decimal.Decimal `json:"expected_price"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	l, err := h.Market.CreateListing(r.Context(), sellerID, market.ListingInput{
		Name:      req.Name,
		WasteType: req.WasteType,
		WeightKg:  req.Quantity,
		Location:  req.Location,
		Price:     req.ExpectedPrice,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// CreateItem handles POST /items
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := userFromContext(r.Context())
	var req struct {
		Name      string          `json:"name"`
		WasteType string          `json:"waste_type"`
		WeightKg  decimal.Decimal `json:"weight_kg"`
		Location  string          `json:"location"`
		Price     decimal.Decimal `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := h.Market.CreateItem(r.Context(), sellerID, market.ListingInput{
		Name:      req.Name,
		WasteType: req.WasteType,
		WeightKg:  req.WeightKg,
		Location:  req.Location,
		Price:     req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// SellerListings serves both GET /items and GET /seller/listings
func (h *Handler) SellerListings(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := userFromContext(r.Context())
	ls, err := h.Market.SellerListings(r.Context(), sellerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *Handler) AvailableListings(w http.ResponseWriter, r *http.Request) {
	ls, err := h.Market.AvailableListings(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *Handler) RequestMatch(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := userFromContext(r.Context())
	listingID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Market.RequestMatch(r.Context(), buyerID, listingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) AcceptMatch(w http.ResponseWriter, r *http.Request) {
	h.resolveMatch(w, r, h.Market.AcceptMatch, "Match accepted")
}

func (h *Handler) DeclineMatch(w http.ResponseWriter, r *http.Request) {
	h.resolveMatch(w, r, h.Market.DeclineMatch, "Match declined")
}

func (h *Handler) resolveMatch(w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, sellerID, listingID int) (*market.MatchResult, error), msg string) {
	sellerID, _ := userFromContext(r.Context())
	listingID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := resolve(r.Context(), sellerID, listingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": msg,
		"listing": res.Listing,
		"match":   res.Match,
	})
}

// PlaceOrder handles POST /orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := userFromContext(r.Context())
	var req struct {
		ItemID   int             `json:"item_id"`
		WeightKg decimal.Decimal `json:"weight_kg"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.Market.PlaceOrder(r.Context(), buyerID, req.ItemID, req.WeightKg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// CompleteOrder handles PUT /orders/{id}/complete
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := userFromContext(r.Context())
	orderID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Market.CompleteOrder(r.Context(), sellerID, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /orders/{id}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := userFromContext(r.Context())
	orderID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Market.CancelOrder(r.Context(), buyerID, orderID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Order cancelled successfully")
}

func (h *Handler) SellerOrders(w http.ResponseWriter, r *http.Request) {
	sellerID, _ := userFromContext(r.Context())
	orders, err := h.Market.SellerOrders(r.Context(), sellerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) BuyerOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, _ := userFromContext(r.Context())
	orders, err := h.Market.BuyerOrders(r.Context(), buyerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) SellerDashboard(w http.ResponseWriter, r *http.Request) {
	h.dashboard(w, r, h.Market.SellerDashboard)
}

func (h *Handler) BuyerDashboard(w http.ResponseWriter, r *http.Request) {
	h.dashboard(w, r, h.Market.BuyerDashboard)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request,
	load func(ctx context.Context, userID int, win market.Window) (*market.Dashboard, error)) {
	userID, _ := userFromContext(r.Context())
	win, err := market.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := load(r.Context(), userID, win)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
