package service

import "errors"

var (
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotAdmin           = errors.New("account is not an administrator")
	ErrAccountNotFound    = errors.New("account not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrWeakPassword       = errors.New("password must be between 8 and 72 bytes")
)
