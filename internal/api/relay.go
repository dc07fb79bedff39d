package api

import (
	"encoding/json"
	"net/http"

	"capstone-brain/backend/internal/relay"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes the generic submit and poll endpoints
type RelayHandler struct {
	relay *relay.Relay
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(r *relay.Relay) *RelayHandler {
	return &RelayHandler{relay: r}
}

// RelayRequest is the body of POST /api/Request
type RelayRequest struct {
	Kind    relay.Kind      `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterRoutes mounts the handler behind auth
func (h *RelayHandler) RegisterRoutes(r gin.IRoutes, auth gin.HandlerFunc) {
	r.POST("/api/Request", auth, h.Request)
	r.GET("/api/Result", auth, h.Result)
}

// Request enqueues a request of any registered kind
func (h *RelayHandler) Request(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "kind is required", err)
		return
	}

	id, err := h.relay.SubmitRaw(c.Request.Context(), req.Kind, req.Payload, p, bearer(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlationId": id})
}

// Result reports the state of a request. Pending is a normal answer.
func (h *RelayHandler) Result(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id := c.Query("id")
	if id == "" {
		badRequest(c, "id is required", nil)
		return
	}

	view, err := h.relay.Poll(c.Request.Context(), id, p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
