package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capstone-brain/backend/internal/models"

	"gorm.io/gorm"
)

// NewGormStore migrates the schema and returns gorm-backed repositories
func NewGormStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.Account{}, &models.Chat{}, &models.Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{
		Accounts: NewGormAccountRepository(db),
		Chats:    NewGormChatRepository(db),
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, nil
}

type GormAccountRepository struct {
	db *gorm.DB
}

func NewGormAccountRepository(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

func (r *GormAccountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Account{}).Where("email = ?", account.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		if err := tx.Create(account).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

func (r *GormAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (r *GormAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&account).Error
	if err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (r *GormAccountRepository) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

func (r *GormAccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]any{"password_hash": passwordHash, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormAccountRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		UpdateColumn("last_login", at).Error
}

func (r *GormAccountRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type GormChatRepository struct {
	db *gorm.DB
}

func NewGormChatRepository(db *gorm.DB) *GormChatRepository {
	return &GormChatRepository{db: db}
}

func orderedMessages(db *gorm.DB) *gorm.DB {
	return db.Order("messages.id ASC")
}

func (r *GormChatRepository) Create(ctx context.Context, chat *models.Chat) error {
	return r.db.WithContext(ctx).Create(chat).Error
}

func (r *GormChatRepository) Get(ctx context.Context, id, ownerEmail string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		Where("id = ? AND user_email = ?", id, ownerEmail).
		First(&chat).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (r *GormChatRepository) ListByOwner(ctx context.Context, ownerEmail string) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.WithContext(ctx).
		Preload("Messages", orderedMessages).
		Where("user_email = ?", ownerEmail).
		Order("created_at ASC").
		Find(&chats).Error
	return chats, err
}

func (r *GormChatRepository) AppendMessages(ctx context.Context, id, ownerEmail string, messages ...models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Chat{}).
			Where("id = ? AND user_email = ?", id, ownerEmail).
			Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		rows := make([]models.Message, len(messages))
		for i, m := range messages {
			m.ID = 0
			m.ChatID = id
			rows[i] = m
		}
		return tx.Create(&rows).Error
	})
}

func (r *GormChatRepository) Delete(ctx context.Context, id, ownerEmail string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.Select("id").Where("id = ? AND user_email = ?", id, ownerEmail).First(&chat).Error; err != nil {
			return translate(err)
		}
		if err := tx.Where("chat_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Chat{}).Error
	})
}

func (r *GormChatRepository) DeleteByOwner(ctx context.Context, ownerEmail string) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&models.Chat{}).Select("id").Where("user_email = ?", ownerEmail)
		if err := tx.Where("chat_id IN (?)", owned).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_email = ?", ownerEmail).Delete(&models.Chat{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
