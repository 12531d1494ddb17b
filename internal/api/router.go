package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/models"
)

// RouterOptions configures NewRouter
type RouterOptions struct {
	CORSOrigins []string
	// Feed serves GET /ws to signed-in users; nil leaves the route out
	Feed    http.Handler
	Timeout time.Duration
}

// NewRouter mounts every route at the root and again under /api
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(h.log), middleware.Recoverer)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("AgriLoop Backend is running"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// WebSocket endpoint, outside the timeout
	if opts.Feed != nil {
		r.With(h.FeedAuthMiddleware).Handle("/ws", opts.Feed)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.Timeout))
		h.routes(r)
		r.Route("/api", h.routes)
	})
	return r
}

func (h *Handler) routes(r chi.Router) {
	// Public endpoints
	r.Post("/signup", h.Signup)
	r.Get("/verify-email", h.VerifyEmail)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.Profile)
		r.Get("/listings", h.AvailableListings)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(models.RoleSeller))
			r.Post("/items", h.CreateItem)
			r.Get("/items", h.SellerListings)
			r.Post("/seller/listings", h.CreateListing)
			r.Get("/seller/listings", h.SellerListings)
			r.Put("/seller/listings/{id}/accept", h.AcceptMatch)
			r.Put("/seller/listings/{id}/decline", h.DeclineMatch)
			r.Put("/orders/{id}/complete", h.CompleteOrder)
			r.Get("/orders/seller", h.SellerOrders)
			r.Get("/dashboard/seller", h.SellerDashboard)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(models.RoleBuyer))
			r.Post("/buyer/listings/{id}/match", h.RequestMatch)
			r.Post("/orders", h.PlaceOrder)
			r.Delete("/orders/{id}", h.CancelOrder)
			r.Get("/orders/buyer", h.BuyerOrders)
			r.Get("/dashboard/buyer", h.BuyerDashboard)
		})
	})
}

// accessLog logs one line per request
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
