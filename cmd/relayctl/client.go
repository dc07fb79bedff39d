package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/internal/ws"

	"github.com/gorilla/websocket"
)

type notification = relay.Notification

type client struct {
	base  string
	http  *http.Client
	token string
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a 2xx response into out
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("error response: %s, status: %d", strings.TrimSpace(string(bodyBytes)), resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (c *client) login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/User/LogIn", map[string]string{"email": email, "password": password}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *client) startChat(ctx context.Context, name string) (string, error) {
	var resp struct {
		ChatID string `json:"chatId"`
	}
	err := c.do(ctx, http.MethodPost, "/Chat/Start", map[string]string{"chatName": name}, &resp)
	return resp.ChatID, err
}

func (c *client) sendMessage(ctx context.Context, chatID, text string) (string, error) {
	var resp struct {
		CorrelationID string `json:"correlationId"`
	}
	err := c.do(ctx, http.MethodPost, "/Chat/SendMessage", map[string]string{"chatId": chatID, "message": text}, &resp)
	return resp.CorrelationID, err
}

func (c *client) result(ctx context.Context, id string) (*relay.View, error) {
	var view relay.View
	if err := c.do(ctx, http.MethodGet, "/api/Result?id="+url.QueryEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// wait polls until the request leaves the pending state
func (c *client) wait(ctx context.Context, id string, interval time.Duration) (*relay.View, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := c.result(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status != relay.StatusPending {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// listen streams notifications to handle until it returns false, the
// connection drops or ctx is done
func (c *client) listen(ctx context.Context, handle func(notification) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws/results"
	header := http.Header{"Authorization": []string{"Bearer " + c.token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("error connecting to websocket: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var frame struct {
			Type    string          `json:"type"`
			Content json.RawMessage `json:"content"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type != ws.TypeResult {
			continue
		}

		var n notification
		if err := json.Unmarshal(frame.Content, &n); err != nil {
			continue
		}
		if !handle(n) {
			return nil
		}
	}
}

func decodeRaw(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("empty result")
	}
	return json.Unmarshal(raw, out)
}
