// Package ws pushes relay completion notifications to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"capstone-brain/backend/internal/relay"
	apperrors "capstone-brain/backend/pkg/errors"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pings, so inbound frames stay small
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

// Message is the frame format in both directions
type Message struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

// Message types
const (
	TypeResult = "relay.result"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Authenticator resolves bearer tokens to their claims
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*jwt.JWTClaims, error)
}

// Client is one authenticated connection
type Client struct {
	ID        string
	AccountID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *Hub
	pong      chan struct{}
}

// Hub routes notifications to the connections of the owning account
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	tokens     Authenticator
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewHub creates a hub. allowedOrigins of ["*"] accepts any origin.
func NewHub(tokens Authenticator, allowedOrigins []string, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		tokens:     tokens,
		log:        log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Run serves registrations and fans notifications out until ctx is done
// or notifications is closed
func (h *Hub) Run(ctx context.Context, notifications <-chan relay.Notification) {
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			conns := h.clients[client.AccountID]
			if conns == nil {
				conns = make(map[*Client]bool)
				h.clients[client.AccountID] = conns
			}
			conns[client] = true
			h.log.Debug("websocket client registered", "client_id", client.ID, "account_id", client.AccountID)

		case client := <-h.unregister:
			h.remove(client)

		case note, ok := <-notifications:
			if !ok {
				return
			}
			h.deliver(note)
		}
	}
}

func (h *Hub) deliver(note relay.Notification) {
	conns := h.clients[note.Owner]
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(Message{Type: TypeResult, Content: note})
	if err != nil {
		h.log.LogError(err, "failed to encode notification")
		return
	}
	for client := range conns {
		select {
		case client.Send <- data:
		default:
			h.log.Warn("dropping slow websocket client", "client_id", client.ID)
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	conns := h.clients[client.AccountID]
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.AccountID)
	}
	close(client.Send)
	h.log.Debug("websocket client unregistered", "client_id", client.ID)
}

func (h *Hub) closeAll() {
	for _, conns := range h.clients {
		for client := range conns {
			h.remove(client)
		}
	}
}

// ServeWs authenticates the caller and upgrades the connection. Browsers
// cannot set headers on upgrade requests, so the token may also be passed
// as the access_token query parameter.
func (h *Hub) ServeWs(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("access_token")
	}
	if token == "" {
		_ = c.Error(apperrors.NewUnauthorizedError("AUTH_REQUIRED", "Authentication required"))
		c.Abort()
		return
	}
	claims, err := h.tokens.Authenticate(c.Request.Context(), token)
	if err != nil && !jwt.IsAuthError(err) {
		_ = c.Error(err)
		c.Abort()
		return
	}
	if err != nil {
		_ = c.Error(apperrors.NewUnauthorizedError("INVALID_TOKEN", "Invalid or expired token").WithCause(err))
		c.Abort()
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the response
		h.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	client := &Client{
		ID:        uuid.NewString(),
		AccountID: claims.AccountID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		Hub:       h,
		pong:      make(chan struct{}, 1),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// ReadPump answers pings and detects disconnects
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Warn("websocket read failed", "client_id", c.ID, "error", err.Error())
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypePing {
			continue
		}
		select {
		case c.pong <- struct{}{}:
		default:
		}
	}
}

// WritePump writes queued frames and keeps the connection alive
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(Message{Type: TypePong}); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
