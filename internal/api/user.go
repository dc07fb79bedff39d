package api

import (
	"net/http"

	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/service"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// UserHandler serves the /User endpoints
type UserHandler struct {
	accounts *service.AccountService
}

// NewUserHandler creates a new user handler
func NewUserHandler(accounts *service.AccountService) *UserHandler {
	return &UserHandler{accounts: accounts}
}

// RegisterRoutes mounts the handler. auth must authenticate the caller.
func (h *UserHandler) RegisterRoutes(r gin.IRoutes, auth gin.HandlerFunc) {
	r.POST("/User/Create", h.Create)
	r.POST("/User/LogIn", h.LogIn)
	r.GET("/User/Me", auth, h.Me)
	r.GET("/User/GetByEmail", auth, h.GetByEmail)
	r.PUT("/User/ChangePassword", auth, h.ChangePassword)
	r.DELETE("/User/Delete", auth, h.Delete)
}

// Create registers a new user account
func (h *UserHandler) Create(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required", err)
		return
	}

	account, err := h.accounts.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

// LogIn exchanges credentials for a token
func (h *UserHandler) LogIn(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required", err)
		return
	}

	resp, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	logger.FromGin(c).Info("user logged in", "account_id", resp.Account.ID)
	c.JSON(http.StatusOK, resp)
}

// Me returns the caller's account
func (h *UserHandler) Me(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	account, err := h.accounts.Get(c.Request.Context(), p.AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// GetByEmail looks up an account. Users may only look themselves up.
func (h *UserHandler) GetByEmail(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	email := models.NormalizeEmail(c.Query("email"))
	if email == "" {
		badRequest(c, "email is required", nil)
		return
	}
	if p.Role != jwt.RoleAdmin && email != models.NormalizeEmail(p.Email) {
		fail(c, service.ErrAccountNotFound)
		return
	}

	account, err := h.accounts.GetByEmail(c.Request.Context(), email)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// ChangePassword replaces the caller's password
func (h *UserHandler) ChangePassword(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "currentPassword and newPassword are required", err)
		return
	}

	if err := h.accounts.ChangePassword(c.Request.Context(), p.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password changed"})
}

// Delete removes the caller's account and chats
func (h *UserHandler) Delete(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req models.DeleteAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "password is required", err)
		return
	}

	if err := h.accounts.DeleteSelf(c.Request.Context(), p.AccountID, req.Password); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}
