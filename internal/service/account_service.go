package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/repository"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/google/uuid"
)

// TokenIssuer signs access tokens
type TokenIssuer interface {
	GenerateToken(accountID, email string, role jwt.Role) (string, error)
}

// AccountService handles signup, login and account administration
type AccountService struct {
	accounts repository.AccountRepository
	chats    repository.ChatRepository
	tokens   TokenIssuer
	log      *logger.Logger
	now      func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(accounts repository.AccountRepository, chats repository.ChatRepository, tokens TokenIssuer, log *logger.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		chats:    chats,
		tokens:   tokens,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Signup creates a regular user account
func (s *AccountService) Signup(ctx context.Context, email, password string) (*models.Account, error) {
	return s.create(ctx, email, password, jwt.RoleUser)
}

// CreateAdmin creates an administrator account
func (s *AccountService) CreateAdmin(ctx context.Context, email, password string) (*models.Account, error) {
	return s.create(ctx, email, password, jwt.RoleAdmin)
}

func (s *AccountService) create(ctx context.Context, email, password string, role jwt.Role) (*models.Account, error) {
	email = models.NormalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}

	hash, err := models.HashPassword(password)
	if err != nil {
		if errors.Is(err, models.ErrPasswordTooShort) || errors.Is(err, models.ErrPasswordTooLong) {
			return nil, ErrWeakPassword
		}
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	now := s.now()
	account := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.log.Info("account created", "account_id", account.ID, "role", string(role))
	return account, nil
}

// Login verifies credentials and issues a token
func (s *AccountService) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	account, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, account)
}

// AdminLogin is Login restricted to administrators
func (s *AccountService) AdminLogin(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	account, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if !account.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return s.issue(ctx, account)
}

func (s *AccountService) authenticate(ctx context.Context, email, password string) (*models.Account, error) {
	account, err := s.accounts.GetByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if !models.CheckPasswordHash(password, account.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

func (s *AccountService) issue(ctx context.Context, account *models.Account) (*models.LoginResponse, error) {
	token, err := s.tokens.GenerateToken(account.ID, account.Email, account.Role)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	now := s.now()
	if err := s.accounts.TouchLogin(ctx, account.ID, now); err != nil {
		s.log.LogError(err, "failed to record last login", "account_id", account.ID)
	} else {
		account.LastLogin = &now
	}

	return &models.LoginResponse{Token: token, Account: account}, nil
}

// Get returns an account by id
func (s *AccountService) Get(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return account, nil
}

// GetByEmail returns an account by email address
func (s *AccountService) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	account, err := s.accounts.GetByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return account, nil
}

// List returns every account
func (s *AccountService) List(ctx context.Context) ([]models.Account, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

// ChangePassword replaces the password after verifying the current one
func (s *AccountService) ChangePassword(ctx context.Context, id, current, next string) error {
	account, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CheckPasswordHash(current, account.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := models.HashPassword(next)
	if err != nil {
		if errors.Is(err, models.ErrPasswordTooShort) || errors.Is(err, models.ErrPasswordTooLong) {
			return ErrWeakPassword
		}
		return fmt.Errorf("hashing password: %w", err)
	}

	if err := s.accounts.UpdatePassword(ctx, id, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// DeleteSelf removes the caller's own account after a password check
func (s *AccountService) DeleteSelf(ctx context.Context, id, password string) error {
	account, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CheckPasswordHash(password, account.PasswordHash) {
		return ErrInvalidCredentials
	}
	return s.remove(ctx, account)
}

// DeleteAccount removes any account. Callers must be administrators.
func (s *AccountService) DeleteAccount(ctx context.Context, id string) error {
	account, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, account)
}

// remove deletes the account's chats before the account itself, so a
// failure part way leaves an account that can retry the deletion
func (s *AccountService) remove(ctx context.Context, account *models.Account) error {
	n, err := s.chats.DeleteByOwner(ctx, account.Email)
	if err != nil {
		return fmt.Errorf("deleting chats: %w", err)
	}
	if err := s.accounts.Delete(ctx, account.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("deleting account: %w", err)
	}

	s.log.Info("account deleted", "account_id", account.ID, "chats_deleted", n)
	return nil
}

// EnsureAdmin creates the bootstrap administrator if no account uses email yet
func (s *AccountService) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	existing, err := s.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !existing.IsAdmin() {
			s.log.Warn("bootstrap admin email belongs to a regular account", "account_id", existing.ID)
		}
		return nil
	case !errors.Is(err, ErrAccountNotFound):
		return err
	}

	_, err = s.CreateAdmin(ctx, email, password)
	if errors.Is(err, ErrEmailTaken) {
		return nil
	}
	return err
}
