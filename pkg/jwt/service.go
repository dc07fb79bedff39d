package jwt

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service issues and validates HS256 tokens
type Service struct {
	secretKey []byte
	issuer    string
	audience  string
	expiry    time.Duration
	now       func() time.Time
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new JWT service
func NewService(secretKey, issuer, audience string, expiry time.Duration, opts ...Option) (*Service, error) {
	if secretKey == "" {
		return nil, ErrNoSecret
	}
	if expiry <= 0 {
		expiry = time.Hour
	}

	s := &Service{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		audience:  audience,
		expiry:    expiry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateToken signs a token for the given account
func (s *Service) GenerateToken(accountID, email string, role Role) (string, error) {
	now := s.now()

	claims := &JWTClaims{
		AccountID: accountID,
		Email:     email,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&JWTClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return s.secretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.AccountID == "" || claims.Subject != claims.AccountID || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticate checks the token signature and claims only. It does not know
// whether the account still exists.
func (s *Service) Authenticate(_ context.Context, tokenString string) (*JWTClaims, error) {
	return s.ValidateToken(tokenString)
}

// IsAuthError reports whether err means the token must be rejected, as
// opposed to a failure while checking it
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) || errors.Is(err, ErrRevokedToken)
}
