package service

import (
	"context"
	"errors"
	"fmt"

	"capstone-brain/backend/internal/repository"
	"capstone-brain/backend/pkg/jwt"
)

// TokenValidator checks a token's signature and claims
type TokenValidator interface {
	ValidateToken(tokenString string) (*jwt.JWTClaims, error)
}

// Authenticator accepts a token only while the account it was issued to
// still exists with the same email and role. Chats are owned by email, so a
// token outliving its account would otherwise write into whatever account
// later signs up with that address.
type Authenticator struct {
	tokens   TokenValidator
	accounts repository.AccountRepository
}

// NewAuthenticator creates an authenticator backed by the account repository
func NewAuthenticator(tokens TokenValidator, accounts repository.AccountRepository) *Authenticator {
	return &Authenticator{tokens: tokens, accounts: accounts}
}

// Authenticate validates the token and confirms its account. A deleted or
// changed account yields jwt.ErrRevokedToken; repository failures are
// returned wrapped so callers can tell them apart from a bad token.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (*jwt.JWTClaims, error) {
	claims, err := a.tokens.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	account, err := a.accounts.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, jwt.ErrRevokedToken
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if account.Email != claims.Email || account.Role != claims.Role {
		return nil, jwt.ErrRevokedToken
	}
	return claims, nil
}
