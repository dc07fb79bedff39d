package api

import (
	"errors"

	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/internal/service"
	apperrors "capstone-brain/backend/pkg/errors"
	"capstone-brain/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// appError maps service and relay errors onto the HTTP error taxonomy.
// Anything unrecognized becomes a generic 500 in the error middleware.
func appError(err error) error {
	var e *apperrors.AppError
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, service.ErrInvalidCredentials):
		return apperrors.NewUnauthorizedError("INVALID_CREDENTIALS", "Invalid email or password")
	case errors.Is(err, service.ErrNotAdmin):
		return apperrors.NewUnauthorizedError("INSUFFICIENT_ROLE", "Account is not an administrator")
	case errors.Is(err, service.ErrEmailTaken):
		return apperrors.NewConflictError("EMAIL_TAKEN", "An account with this email already exists")
	case errors.Is(err, service.ErrWeakPassword):
		return apperrors.NewBadRequestError("WEAK_PASSWORD", service.ErrWeakPassword.Error())
	case errors.Is(err, service.ErrInvalidInput):
		return apperrors.NewBadRequestError("INVALID_REQUEST", "The request is invalid").WithCause(err)
	case errors.Is(err, service.ErrAccountNotFound):
		return apperrors.NewNotFoundError("ACCOUNT_NOT_FOUND", "Account not found")
	case errors.Is(err, service.ErrChatNotFound):
		return apperrors.NewNotFoundError("CHAT_NOT_FOUND", "Chat not found")
	case errors.Is(err, relay.ErrUnknownKind):
		return apperrors.NewBadRequestError("UNKNOWN_KIND", "Unknown request kind").WithCause(err)
	case errors.Is(err, relay.ErrInvalidPayload):
		return apperrors.NewBadRequestError("INVALID_PAYLOAD", "The request payload is invalid").WithCause(err)
	case errors.Is(err, relay.ErrInvalidID):
		return apperrors.NewBadRequestError("INVALID_REQUEST", "id must be a correlation id returned by a submit call")
	case errors.Is(err, relay.ErrNotFound):
		return apperrors.NewNotFoundError("RESULT_NOT_FOUND", "Result not found")
	default:
		return err
	}
}

// fail records err for the error middleware and stops the chain
func fail(c *gin.Context, err error) {
	_ = c.Error(appError(err))
	c.Abort()
}

func badRequest(c *gin.Context, message string, cause error) {
	e := apperrors.NewBadRequestError("INVALID_REQUEST", message)
	if cause != nil {
		e = e.WithCause(cause)
	}
	fail(c, e)
}

// principal returns the authenticated caller set by the JWT middleware
func principal(c *gin.Context) (relay.Principal, bool) {
	claims, ok := middleware.Claims(c)
	if !ok {
		fail(c, apperrors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
		return relay.Principal{}, false
	}
	return relay.PrincipalFromClaims(claims), true
}

func bearer(c *gin.Context) string {
	return c.GetString(middleware.TokenKey)
}
