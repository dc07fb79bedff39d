package models

import (
	"errors"
	"strings"
	"time"

	"capstone-brain/backend/pkg/jwt"

	"golang.org/x/crypto/bcrypt"
)

// Password length bounds in bytes. bcrypt only accepts up to 72.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

var (
	// ErrPasswordTooShort is returned for passwords under MinPasswordLength
	ErrPasswordTooShort = errors.New("password too short")
	// ErrPasswordTooLong is returned for passwords over MaxPasswordLength
	ErrPasswordTooLong = errors.New("password too long")
)

// Account is a user or administrator. Only the bcrypt hash of the password is stored.
type Account struct {
	ID           string     `gorm:"primaryKey;type:varchar(36)" bson:"_id" json:"id"`
	Email        string     `gorm:"uniqueIndex;not null" bson:"email" json:"email"`
	PasswordHash string     `gorm:"not null" bson:"passwordHash" json:"-"`
	Role         jwt.Role   `gorm:"type:varchar(16);not null;default:User" bson:"role" json:"role"`
	LastLogin    *time.Time `bson:"lastLogin,omitempty" json:"lastLogin,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// IsAdmin reports whether the account holds the admin role
func (a *Account) IsAdmin() bool {
	return a.Role == jwt.RoleAdmin
}

// Credentials is the request body for signup and login
type Credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// ChangePasswordRequest is the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// DeleteAccountRequest confirms self-deletion with the current password
type DeleteAccountRequest struct {
	Password string `json:"password" binding:"required"`
}

// LoginResponse is returned by both login endpoints
type LoginResponse struct {
	Token   string   `json:"token"`
	Account *Account `json:"account"`
}

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword hashes a password for storage
func HashPassword(password string) (string, error) {
	switch {
	case len(password) < MinPasswordLength:
		return "", ErrPasswordTooShort
	case len(password) > MaxPasswordLength:
		return "", ErrPasswordTooLong
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash compares a password with a hash
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
