package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/agriloop/internal/apperr"
	"github.com/xtrntr/agriloop/internal/events"
	"github.com/xtrntr/agriloop/internal/models"
)

const (
	purposeVerify = "verify"
	dateLayout    = "2006-01-02"
)

// UserStore is the part of the ledger the auth service needs
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	MarkVerified(ctx context.Context, email string) (*models.User, bool, error)
}

// Mailer delivers the verification link
type Mailer interface {
	SendVerification(ctx context.Context, to, fullName, link string) error
}

type Options struct {
	Secret    string
	LoginTTL  time.Duration
	VerifyTTL time.Duration
	// PublicURL is where this API is reachable from a mail client
	PublicURL string
	Mailer    Mailer
	Emitter   *events.Emitter
	Logger    *zap.Logger
}

// AuthService handles signup, email verification and login
type AuthService struct {
	users     UserStore
	secret    []byte
	loginTTL  time.Duration
	verifyTTL time.Duration
	publicURL string
	mailer    Mailer
	events    *events.Emitter
	log       *zap.Logger
	cost      int
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, opts Options) *AuthService {
	s := &AuthService{
		users:     users,
		secret:    []byte(opts.Secret),
		loginTTL:  opts.LoginTTL,
		verifyTTL: opts.VerifyTTL,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		mailer:    opts.Mailer,
		events:    opts.Emitter,
		log:       opts.Logger,
		cost:      bcrypt.DefaultCost,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.events == nil {
		s.events = events.NewEmitter(events.Nop(), "agriloop-api", s.log)
	}
	if s.loginTTL <= 0 {
		s.loginTTL = 7 * 24 * time.Hour
	}
	if s.verifyTTL <= 0 {
		s.verifyTTL = 24 * time.Hour
	}
	return s
}

// SignupInput is the signup form
type SignupInput struct {
	Username    string  `json:"username"`
	FullName    string  `json:"full_name"`
	Email       string  `json:"email"`
	Role        string  `json:"role"`
	Password    string  `json:"password"`
	Gender      *string `json:"gender"`
	DateOfBirth *string `json:"date_of_birth"`
	City        *string `json:"city"`
}

// Signup creates an unverified user and mails them a verification link
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*models.User, error) {
	u, err := s.validateSignup(in)
	if err != nil {
		return nil, err
	}

	// Hash the password
	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = string(hashed)

	created, err := s.users.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}

	token, err := s.sign(jwt.MapClaims{
		"email":   created.Email,
		"purpose": purposeVerify,
		"exp":     time.Now().Add(s.verifyTTL).Unix(),
	})
	if err != nil {
		return nil, err
	}
	link := s.publicURL + "/verify-email?token=" + url.QueryEscape(token)

	// the account exists either way; a lost mail is reported, not rolled back
	if s.mailer != nil {
		if err := s.mailer.SendVerification(ctx, created.Email, created.FullName, link); err != nil {
			s.log.Error("Failed to send verification mail", zap.Int("user_id", created.ID), zap.Error(err))
		}
	}

	s.log.Info("User signed up", zap.Int("user_id", created.ID), zap.String("role", string(created.Role)))
	return created, nil
}

func (s *AuthService) validateSignup(in SignupInput) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	fullName := strings.TrimSpace(in.FullName)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || fullName == "" || email == "" || in.Role == "" || in.Password == "" {
		return nil, apperr.Validation("Missing required fields: username, full_name, email, role, and password are required")
	}
	role := models.Role(in.Role)
	if !role.Valid() {
		return nil, apperr.Validation(`Role must be either "Seller" or "Buyer"`)
	}
	if len(username) > 50 {
		return nil, apperr.Validation("username too long (max 50 characters)")
	}
	// bcrypt ignores everything past 72 bytes
	if len(in.Password) > 72 {
		return nil, apperr.Validation("password too long (max 72 bytes)")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperr.Validation("Invalid email address")
	}

	u := &models.User{
		Username: username,
		FullName: fullName,
		Email:    email,
		Role:     role,
		City:     nonEmpty(in.City),
	}
	if g := nonEmpty(in.Gender); g != nil {
		switch *g {
		case "Male", "Female", "Other":
			u.Gender = g
		default:
			return nil, apperr.Validation(`Gender must be "Male", "Female", or "Other"`)
		}
	}
	if dob := nonEmpty(in.DateOfBirth); dob != nil {
		t, err := time.Parse(dateLayout, *dob)
		if err != nil {
			return nil, apperr.Validation("date_of_birth must be YYYY-MM-DD")
		}
		u.DateOfBirth = &t
	}
	return u, nil
}

// verifiedUser is the UserVerified payload. Contact details stay out of events.
type verifiedUser struct {
	ID   int         `json:"id"`
	Role models.Role `json:"role"`
}

// VerifyEmail redeems a verification token. Redeeming twice is not an error.
func (s *AuthService) VerifyEmail(ctx context.Context, tokenString string) (*models.User, error) {
	if tokenString == "" {
		return nil, apperr.Validation("Verification token is missing")
	}
	claims, err := s.parse(tokenString)
	if err != nil || claims["purpose"] != purposeVerify {
		return nil, apperr.Validation("Invalid or expired token")
	}
	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return nil, apperr.Validation("Invalid or expired token")
	}

	u, changed, err := s.users.MarkVerified(ctx, email)
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("User verified", zap.Int("user_id", u.ID))
		s.events.Emit(ctx, events.UserVerified, events.Key("user", u.ID),
			verifiedUser{ID: u.ID, Role: u.Role}, u.ID)
	}
	return u, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return "", nil, apperr.NotFound("User not found.")
		}
		return "", nil, err
	}

	if !user.Verified {
		return "", nil, apperr.Forbidden("Email not verified. Please verify your email to log in.")
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperr.Unauthorized("Incorrect password.")
	}

	token, err := s.sign(jwt.MapClaims{
		"user_id": user.ID,
		"role":    string(user.Role),
		"exp":     time.Now().Add(s.loginTTL).Unix(),
	})
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// GetUserFromToken extracts user ID and role from a login JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int, models.Role, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return 0, "", apperr.Forbidden("Invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, "", apperr.Forbidden("Invalid token")
	}
	role, _ := claims["role"].(string)
	return int(userID), models.Role(role), nil
}

// Profile returns the user behind a token
func (s *AuthService) Profile(ctx context.Context, userID int) (*models.User, error) {
	return s.users.GetUserByID(ctx, userID)
}

func (s *AuthService) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *AuthService) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if _, ok := claims["exp"]; !ok {
		return nil, errors.New("token has no expiry")
	}
	return claims, nil
}

func nonEmpty(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
