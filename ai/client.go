package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/pkg/resilience"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrRejected is returned when the LLM service refuses a request with a 4xx status.
// Retrying such a request cannot succeed.
var ErrRejected = errors.New("llm service rejected request")

// Config configures the LLM client
type Config struct {
	URL      string
	Prompt   string
	Timeout  time.Duration
	RetryMax int
}

// Client talks to the LLM HTTP service
type Client struct {
	http    *retryablehttp.Client
	url     string
	prompt  string
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// NewClient creates an LLM client with retries and a circuit breaker
func NewClient(cfg Config, log *logger.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.RetryMax
	httpClient.RetryWaitMin = 500 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = log.Logger

	return &Client{
		http:    httpClient,
		url:     cfg.URL,
		prompt:  cfg.Prompt,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm"), log),
		log:     log,
	}
}

// Chat sends the new message with its history and returns the model's reply
func (c *Client) Chat(ctx context.Context, history []PastMessage, newMessage string) (*ChatResponse, error) {
	body, err := json.Marshal(ChatRequest{
		Prompt:       c.prompt,
		PastMessages: history,
		NewMessage:   newMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode llm request: %w", err)
	}

	var out ChatResponse
	err = c.breaker.Execute(func() error {
		return c.post(ctx, body, &out)
	}, func(err error) bool { return errors.Is(err, ErrRejected) })
	if err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) post(ctx context.Context, body []byte, out *ChatResponse) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("llm call completed", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode llm response: %w", err)
	}
	if out.Response == "" {
		return errors.New("llm response was empty")
	}
	return nil
}
