// Package auth guards the admin surface: bcrypt-hashed admin accounts, HS256
// session tokens and the shared admin secret.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/globaltime"
	"github.com/david/oppforge/internal/models"
)

const RoleAdmin = "admin"

var (
	ErrInvalidCreds = errors.New("invalid credentials")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// AdminStore persists admin accounts. db.Store and db.MemoryStore satisfy it.
type AdminStore interface {
	GetAdminByEmail(ctx context.Context, email string) (*models.Admin, error)
	CreateAdmin(ctx context.Context, a models.Admin) (bool, error)
}

type Config struct {
	// JWTSecret signs session tokens. Empty means an ephemeral random secret, so
	// tokens do not survive a restart.
	JWTSecret string
	TokenTTL  time.Duration
	// AdminSecret is the shared secret accepted in place of a token. Empty
	// disables it.
	AdminSecret string
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Admin     models.Admin `json:"admin"`
}

// Claims is the token payload.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type Service struct {
	store       AdminStore
	secret      []byte
	ttl         time.Duration
	adminSecret string
	logger      zerolog.Logger
}

func NewService(store AdminStore, cfg Config, logger zerolog.Logger) (*Service, error) {
	logger = logger.With().Str("component", "auth").Logger()

	secret := []byte(strings.TrimSpace(cfg.JWTSecret))
	if len(secret) == 0 {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
		}
		secret = []byte(base64.RawURLEncoding.EncodeToString(buf))
		logger.Warn().Msg("JWT_SECRET is not set; using ephemeral in-memory fallback secret")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		store:       store,
		secret:      secret,
		ttl:         ttl,
		adminSecret: strings.TrimSpace(cfg.AdminSecret),
		logger:      logger,
	}, nil
}

// Bootstrap creates the default admin account unless it already exists.
func (s *Service) Bootstrap(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing failed: %w", err)
	}

	created, err := s.store.CreateAdmin(ctx, models.Admin{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    globaltime.UTC(),
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		s.logger.Info().Str("email", email).Msg("default admin created")
	}
	return nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	admin, err := s.store.GetAdminByEmail(ctx, req.Email)
	if errors.Is(err, db.ErrAdminNotFound) {
		return nil, ErrInvalidCreds
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCreds
	}

	token, exp, err := s.IssueToken(admin)
	if err != nil {
		return nil, err
	}

	// Clear hash before returning
	admin.PasswordHash = ""
	return &AuthResponse{Token: token, ExpiresAt: exp, Admin: *admin}, nil
}

// IssueToken signs an admin session token.
func (s *Service) IssueToken(admin *models.Admin) (string, time.Time, error) {
	now := globaltime.UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role:  RoleAdmin,
		Email: admin.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   admin.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken verifies signature, expiry and role.
func (s *Service) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(globaltime.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
