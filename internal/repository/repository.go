package repository

import (
	"context"
	"errors"
	"time"

	"capstone-brain/backend/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist or is not visible to the caller
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field is already taken
	ErrDuplicate = errors.New("duplicate record")
)

// AccountRepository persists accounts
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// ChatRepository persists chats and their messages.
// Every lookup by id is scoped to the owner's email; a chat owned by
// someone else is reported as ErrNotFound.
type ChatRepository interface {
	Create(ctx context.Context, chat *models.Chat) error
	Get(ctx context.Context, id, ownerEmail string) (*models.Chat, error)
	ListByOwner(ctx context.Context, ownerEmail string) ([]models.Chat, error)
	AppendMessages(ctx context.Context, id, ownerEmail string, messages ...models.Message) error
	Delete(ctx context.Context, id, ownerEmail string) error
	DeleteByOwner(ctx context.Context, ownerEmail string) (int64, error)
}

// Store bundles the repositories of one backend
type Store struct {
	Accounts AccountRepository
	Chats    ChatRepository
	// Ping checks backend connectivity, used by health checks
	Ping func(ctx context.Context) error
}
