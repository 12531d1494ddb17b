package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/agriloop/internal/auth"
	"github.com/xtrntr/agriloop/internal/impact"
	"github.com/xtrntr/agriloop/internal/market"
	"github.com/xtrntr/agriloop/internal/memstore"
	"github.com/xtrntr/agriloop/internal/models"
)

const (
	testSecret   = "handler-test-secret"
	testLoginURL = "http://localhost:5173/login"
)

type linkMailer struct {
	mu    sync.Mutex
	links map[string]string
}

func (m *linkMailer) SendVerification(_ context.Context, to, _, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[to] = link
	return nil
}

func (m *linkMailer) token(t *testing.T, email string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := url.Parse(m.links[email])
	require.NoError(t, err)
	return u.Query().Get("token")
}

type testEnv struct {
	router *chi.Mux
	mailer *linkMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	mailer := &linkMailer{links: map[string]string{}}
	authService := auth.NewAuthService(store, auth.Options{
		Secret:    testSecret,
		LoginTTL:  time.Hour,
		VerifyTTL: time.Hour,
		PublicURL: "http://localhost:3000",
		Mailer:    mailer,
	})
	svc := market.NewService(store, impact.Default(), market.Options{EnforceWeight: true})
	h := NewHandler(authService, svc, nil, testLoginURL)
	return &testEnv{router: NewRouter(h, RouterOptions{}), mailer: mailer}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func signupBody(username, email, role string) map[string]any {
	return map[string]any{
		"username":  username,
		"full_name": strings.ToUpper(username[:1]) + username[1:],
		"email":     email,
		"role":      role,
		"password":  "password123",
	}
}

// register signs up, verifies and logs in a user, returning its token
func (e *testEnv) register(t *testing.T, username string, role models.Role) string {
	t.Helper()
	email := username + "@example.com"
	rr := e.do(t, http.MethodPost, "/signup", "", signupBody(username, email, string(role)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/verify-email?token="+url.QueryEscape(e.mailer.token(t, email)), "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/login", "", map[string]string{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Token
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp["error"]
}

func TestRootAndHealth(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "AgriLoop Backend is running", rr.Body.String())

	rr = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestSignup(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"Success", signupBody("alice", "alice@example.com", "Seller"), http.StatusOK, ""},
		{"DuplicateEmail", signupBody("alice2", "alice@example.com", "Buyer"), http.StatusConflict, "Email already exists"},
		{"DuplicateUsername", signupBody("alice", "other@example.com", "Buyer"), http.StatusConflict, "Username already exists"},
		{"MissingFields", map[string]string{"username": "bob"}, http.StatusBadRequest, "Missing required fields: username, full_name, email, role, and password are required"},
		{"BadRole", signupBody("carol", "carol@example.com", "Admin"), http.StatusBadRequest, `Role must be either "Seller" or "Buyer"`},
		{"InvalidJSON", "{not json", http.StatusBadRequest, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/signup", "", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, errorOf(t, rr))
				return
			}
			var resp struct {
				Message string `json:"message"`
				User    struct {
					Email string `json:"email"`
					Role  string `json:"role"`
				} `json:"user"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, "alice@example.com", resp.User.Email)
			assert.Equal(t, "Seller", resp.User.Role)
			assert.NotContains(t, rr.Body.String(), "password")
		})
	}
}

func TestVerifyEmailPages(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/signup", "", signupBody("dev", "dev@example.com", "Buyer"))
	require.Equal(t, http.StatusOK, rr.Code)

	ghost, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email":   "ghost@example.com",
		"purpose": "verify",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantText   string
	}{
		{"Missing", "", http.StatusBadRequest, "Verification token is missing"},
		{"Invalid", "?token=garbage", http.StatusBadRequest, "Invalid or expired token"},
		{"UnknownUser", "?token=" + ghost, http.StatusNotFound, "User not found"},
		{"Success", "?token=" + url.QueryEscape(e.mailer.token(t, "dev@example.com")), http.StatusOK, testLoginURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodGet, "/verify-email"+tt.query, "", nil)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, rr.Body.String(), tt.wantText)
		})
	}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodPost, "/signup", "", signupBody("erin", "erin@example.com", "Seller"))
	require.Equal(t, http.StatusOK, rr.Code)

	creds := map[string]string{"email": "erin@example.com", "password": "password123"}
	rr = e.do(t, http.MethodPost, "/login", "", creds)
	assert.Equal(t, http.StatusForbidden, rr.Code, "unverified")

	rr = e.do(t, http.MethodGet, "/verify-email?token="+url.QueryEscape(e.mailer.token(t, "erin@example.com")), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	tests := []struct {
		name       string
		body       map[string]string
		wantStatus int
	}{
		{"Success", creds, http.StatusOK},
		{"WrongPassword", map[string]string{"email": "erin@example.com", "password": "nope"}, http.StatusUnauthorized},
		{"UnknownUser", map[string]string{"email": "zed@example.com", "password": "password123"}, http.StatusNotFound},
		{"MissingPassword", map[string]string{"email": "erin@example.com"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/login", "", tt.body)
			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Token string `json:"token"`
				User  struct {
					ID   int    `json:"id"`
					Role string `json:"role"`
				} `json:"user"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Token)
			assert.Equal(t, 1, resp.User.ID)
			assert.Equal(t, "Seller", resp.User.Role)
		})
	}
}

func TestProfileAndAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)
	token := e.register(t, "fay", models.RoleBuyer)

	rr := e.do(t, http.MethodGet, "/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Missing token", errorOf(t, rr))

	rr = e.do(t, http.MethodGet, "/profile", "not-a-token", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "Invalid token", errorOf(t, rr))

	rr = e.do(t, http.MethodGet, "/profile", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "fay", u.Username)
	assert.True(t, u.Verified)
	assert.NotContains(t, rr.Body.String(), "password")

	rr = e.do(t, http.MethodGet, "/api/profile", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodPost, "/logout", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Logged out successfully")
}

func TestRoleGating(t *testing.T) {
	e := newTestEnv(t)
	seller := e.register(t, "gus", models.RoleSeller)
	buyer := e.register(t, "hana", models.RoleBuyer)

	listing := map[string]any{"waste_type": "straw", "quantity": 10, "location": "Pune", "expected_price": 150}
	rr := e.do(t, http.MethodPost, "/seller/listings", buyer, listing)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodPost, "/orders", seller, map[string]any{"item_id": 1, "weight_kg": 1})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodGet, "/dashboard/buyer", seller, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestListingMatchFlow(t *testing.T) {
	e := newTestEnv(t)
	seller := e.register(t, "ivan", models.RoleSeller)
	buyer := e.register(t, "jia", models.RoleBuyer)

	rr := e.do(t, http.MethodPost, "/seller/listings", seller, map[string]any{"waste_type": "straw", "quantity": 5})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/seller/listings", seller,
		map[string]any{"waste_type": "straw", "quantity": 10, "location": "Pune", "expected_price": 150})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var l models.Listing
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &l))
	assert.Equal(t, models.ListingListed, l.Status)

	rr = e.do(t, http.MethodGet, "/listings", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var available []models.Listing
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &available))
	require.Len(t, available, 1)

	// accepting before any buyer asked is a 404 and changes nothing
	rr = e.do(t, http.MethodPut, "/seller/listings/1/accept", seller, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/buyer/listings/1/match", buyer, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodPut, "/api/seller/listings/1/accept", seller, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res struct {
		Message string         `json:"message"`
		Listing models.Listing `json:"listing"`
		Match   models.Match   `json:"match"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, models.ListingPickedUp, res.Listing.Status)
	assert.Equal(t, models.MatchAccepted, res.Match.Status)

	rr = e.do(t, http.MethodPut, "/seller/listings/1/decline", seller, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPut, "/seller/listings/abc/accept", seller, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/dashboard/seller?window=today", seller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dash market.Dashboard
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dash))
	require.NotNil(t, dash.Pickups)
	assert.Equal(t, int64(1), dash.Pickups.TotalTransactions)
	assert.True(t, dash.Pickups.TotalEmissions.Equal(decimal.NewFromInt(15)))
}

func TestOrderFlow(t *testing.T) {
	e := newTestEnv(t)
	seller := e.register(t, "kai", models.RoleSeller)
	buyer := e.register(t, "lea", models.RoleBuyer)

	rr := e.do(t, http.MethodPost, "/items", seller,
		map[string]any{"name": "Paddy straw", "waste_type": "straw", "weight_kg": 10, "price": 150})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var item models.Listing
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &item))

	rr = e.do(t, http.MethodPost, "/orders", buyer, map[string]any{"item_id": item.ID, "weight_kg": 4})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var o models.Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &o))
	assert.True(t, o.AmountPaid.Equal(decimal.NewFromInt(60)), "amount %s", o.AmountPaid)
	assert.True(t, o.EmissionsPreventedKg.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, models.OrderPending, o.Status)

	rr = e.do(t, http.MethodPost, "/orders", buyer, map[string]any{"item_id": item.ID, "weight_kg": 7})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "overselling")

	rr = e.do(t, http.MethodPost, "/orders", buyer, map[string]any{"item_id": 999, "weight_kg": 1})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Item not found", errorOf(t, rr))

	rr = e.do(t, http.MethodGet, "/orders/buyer", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history []models.OrderView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "Paddy straw", history[0].Name)

	rr = e.do(t, http.MethodPut, "/orders/1/complete", seller, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodDelete, "/orders/1", buyer, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Order not found or already completed", errorOf(t, rr))

	rr = e.do(t, http.MethodGet, "/dashboard/buyer", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dash market.Dashboard
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dash))
	assert.True(t, dash.Totals.TotalAmount.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, int64(1), dash.Totals.TotalTransactions)
	assert.True(t, dash.Totals.TreesEquivalent.Equal(decimal.RequireFromString("0.27")))
	assert.Nil(t, dash.Pickups)

	rr = e.do(t, http.MethodGet, "/dashboard/buyer?window=year", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelPendingOrder(t *testing.T) {
	e := newTestEnv(t)
	seller := e.register(t, "max", models.RoleSeller)
	buyer := e.register(t, "nia", models.RoleBuyer)

	rr := e.do(t, http.MethodPost, "/items", seller,
		map[string]any{"name": "Husk", "waste_type": "husk", "weight_kg": 10, "price": 100})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = e.do(t, http.MethodPost, "/orders", buyer, map[string]any{"item_id": 1, "weight_kg": "2.5"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodDelete, "/orders/1", buyer, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Order cancelled successfully")

	rr = e.do(t, http.MethodGet, "/orders/seller", seller, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}
