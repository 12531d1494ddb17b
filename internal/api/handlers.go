package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/auth"
	"github.com/xtrntr/agriloop/internal/feed"
	"github.com/xtrntr/agriloop/internal/market"
	"github.com/xtrntr/agriloop/internal/models"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	AuthService *auth.AuthService
	Market      *market.Service
	log         *zap.Logger
	loginURL    string
}

// NewHandler creates a new handler. loginURL is linked from the email
// verification page.
func NewHandler(authService *auth.AuthService, svc *market.Service, log *zap.Logger, loginURL string) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{AuthService: authService, Market: svc, log: log, loginURL: loginURL}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

// writeError maps err to its status and an {"error": ...} body. Server-side
// failures are logged with the request id, clients only see a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("Request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": apperr.Message(err)})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		return 0, apperr.Validation("Invalid " + name)
	}
	return id, nil
}

func userFromContext(ctx context.Context) (int, models.Role) {
	id, _ := ctx.Value(ctxUserID).(int)
	role, _ := ctx.Value(ctxRole).(models.Role)
	return id, role
}

// Signup handles user registration
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.AuthService.Signup(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Signup successful. Check your email to verify your account.",
		"user": map[string]any{
			"username":  user.Username,
			"full_name": user.FullName,
			"email":     user.Email,
			"role":      user.Role,
		},
	})
}

// VerifyEmail redeems the link from the verification mail and answers with
// an HTML page, since it is opened from a mail client
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	user, err := h.AuthService.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		code := apperr.HTTPStatus(err)
		if code >= http.StatusInternalServerError {
			h.log.Error("Email verification failed", zap.Error(err))
		}
		msg := apperr.Message(err)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			msg = "User not found. The account may have been removed."
		case apperr.Is(err, apperr.KindValidation) && strings.Contains(msg, "missing"):
			msg = "Verification token is missing. Please check your email for the correct verification link."
		case apperr.Is(err, apperr.KindValidation):
			msg = "Invalid or expired token. Please request a new verification email."
		}
		h.renderPage(w, code, verifyPage{Title: "Verification Failed", Message: msg})
		return
	}

	h.renderPage(w, http.StatusOK, verifyPage{
		Success:  true,
		Title:    "Email Verified!",
		Message:  "Your email " + user.Email + " has been verified. You can now log in to your account.",
		LoginURL: h.loginURL,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		h.writeError(w, r, apperr.Validation("Email and password required"))
		return
	}

	token, user, err := h.AuthService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Login successful",
		"token":   token,
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
	})
}

// Logout is a no-op for stateless tokens; the client drops its token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	user, err := h.AuthService.Profile(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			h.writeError(w, r, apperr.Unauthorized("Missing token"))
			return
		}

		// Remove "Bearer " prefix if present
		tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

		userID, role, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FeedAuthMiddleware is JWTAuthMiddleware for the WebSocket feed. Browsers
// cannot set headers on a WebSocket handshake, so the token may also come
// as ?token=.
func (h *Handler) FeedAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			h.writeError(w, r, apperr.Unauthorized("Missing token"))
			return
		}

		userID, role, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(feed.WithUser(ctx, userID)))
	})
}

// RequireRole rejects authenticated users of any other role with 403
func RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, got := userFromContext(r.Context()); got != role {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "Only " + string(role) + "s can do this"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
