package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "consentgate"

var errMissingSecret = errors.New("auth: secret is not configured")

// Claims represents JWT claims carried by actor bearer tokens.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 bearer tokens identifying actors.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// SignerOption configures Signer behaviour.
type SignerOption func(*Signer)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner constructs a Signer for the shared secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Signer{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Generate signs a token for the given actor and roles.
func (s *Signer) Generate(userID string, roles []string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := s.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the token signature and required claims.
func (s *Signer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(s.now().Add(5 * time.Second)) {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	rolesKey  ctxKey = "auth_roles"
)

// ContextWithUser stores actor identity in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// UserIDFromContext extracts the authenticated actor ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
