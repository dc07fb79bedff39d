package api

import (
	"net/http"

	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/service"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// AdminHandler serves the /Admin endpoints
type AdminHandler struct {
	accounts *service.AccountService
	chats    *service.ChatService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(accounts *service.AccountService, chats *service.ChatService) *AdminHandler {
	return &AdminHandler{accounts: accounts, chats: chats}
}

// RegisterRoutes mounts the handler. Everything except LogIn requires the admin role.
func (h *AdminHandler) RegisterRoutes(r gin.IRoutes, auth gin.HandlerFunc) {
	admin := middleware.RequireRole(jwt.RoleAdmin)

	r.POST("/Admin/LogIn", h.LogIn)
	r.POST("/Admin/Create", auth, admin, h.Create)
	r.GET("/Admin/Users", auth, admin, h.Users)
	r.GET("/Admin/UserChats", auth, admin, h.UserChats)
	r.DELETE("/Admin/Chat", auth, admin, h.DeleteChat)
	r.DELETE("/Admin/User", auth, admin, h.DeleteUser)
}

// Create adds another administrator
func (h *AdminHandler) Create(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required", err)
		return
	}

	account, err := h.accounts.CreateAdmin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

// LogIn authenticates an administrator
func (h *AdminHandler) LogIn(c *gin.Context) {
	var req models.Credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "email and password are required", err)
		return
	}

	resp, err := h.accounts.AdminLogin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	logger.FromGin(c).Info("admin logged in", "account_id", resp.Account.ID)
	c.JSON(http.StatusOK, resp)
}

// Users lists every account
func (h *AdminHandler) Users(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	c.JSON(http.StatusOK, accounts)
}

// UserChats lists the chats of any user
func (h *AdminHandler) UserChats(c *gin.Context) {
	email := c.Query("userEmail")
	if email == "" {
		badRequest(c, "userEmail is required", nil)
		return
	}

	chats, err := h.chats.List(c.Request.Context(), email)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// DeleteChat removes a chat of any user
func (h *AdminHandler) DeleteChat(c *gin.Context) {
	chatID, email := c.Query("chatId"), c.Query("userEmail")
	if chatID == "" || email == "" {
		badRequest(c, "chatId and userEmail are required", nil)
		return
	}

	if err := h.chats.Delete(c.Request.Context(), email, chatID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}

// DeleteUser removes any account together with its chats
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	id := c.Query("userId")
	if id == "" {
		badRequest(c, "userId is required", nil)
		return
	}

	if err := h.accounts.DeleteAccount(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	logger.FromGin(c).Info("account deleted by admin", "deleted_account_id", id)
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}
