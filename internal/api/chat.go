package api

import (
	"errors"
	"io"
	"net/http"

	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// ChatHandler serves the /Chat endpoints. Sending a message goes through
// the relay because it waits on the LLM.
type ChatHandler struct {
	chats *service.ChatService
	relay *relay.Relay
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chats *service.ChatService, r *relay.Relay) *ChatHandler {
	return &ChatHandler{chats: chats, relay: r}
}

// RegisterRoutes mounts the handler behind auth
func (h *ChatHandler) RegisterRoutes(r gin.IRoutes, auth gin.HandlerFunc) {
	r.POST("/Chat/Start", auth, h.Start)
	r.POST("/Chat/AddMessage", auth, h.AddMessage)
	r.POST("/Chat/SendMessage", auth, h.SendMessage)
	r.GET("/Chat/History", auth, h.History)
	r.GET("/Chat/List", auth, h.List)
	r.DELETE("/Chat/Delete", auth, h.Delete)
}

// Start opens a new chat. The body is optional.
func (h *ChatHandler) Start(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req models.StartChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body", err)
		return
	}

	res, err := h.chats.Start(c.Request.Context(), p.Email, req.ChatName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// AddMessage stores a user message without asking the assistant
func (h *ChatHandler) AddMessage(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req models.AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chatId and text are required", err)
		return
	}

	msg, err := h.chats.AddMessage(c.Request.Context(), p.Email, req.ChatID, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// SendMessage queues the message for the assistant and returns the correlation id to poll
func (h *ChatHandler) SendMessage(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chatId and message are required", err)
		return
	}

	id, err := h.relay.Submit(c.Request.Context(), relay.SendMessage{ChatID: req.ChatID, Message: req.Message}, p, bearer(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlationId": id})
}

// History returns a chat with its messages
func (h *ChatHandler) History(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	chat, err := h.chats.History(c.Request.Context(), p.Email, c.Query("chatId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// List returns the caller's chats
func (h *ChatHandler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	chats, err := h.chats.List(c.Request.Context(), p.Email)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// Delete removes one of the caller's chats
func (h *ChatHandler) Delete(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if err := h.chats.Delete(c.Request.Context(), p.Email, c.Query("chatId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}
