// Package relay implements the correlated asynchronous request relay.
//
// Submit records a pending entry in the result store and enqueues an
// envelope on the work queue. A Consumer processes envelopes one at a
// time and writes the terminal entry. Callers Poll by correlation id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"capstone-brain/backend/pkg/broker"
	"capstone-brain/backend/pkg/logger"

	"github.com/google/uuid"
)

// Message headers
const (
	HeaderMessageType = "MessageType"
	HeaderToken       = "Token"
	HeaderAttempt     = "Attempt"
	HeaderDeathReason = "DeathReason"
)

var (
	// ErrNotFound hides correlation ids issued to another account
	ErrNotFound = errors.New("relay request not found")
	// ErrInvalidID is returned for ids that are not UUIDs
	ErrInvalidID = errors.New("invalid correlation id")
)

// Config configures the relay
type Config struct {
	Queue           string
	DeadLetterQueue string
	// ResultTTL is how long a terminal entry stays readable
	ResultTTL time.Duration
	// PollDeadline is how long a request may stay pending before it is reported as timed out
	PollDeadline time.Duration
	// Retention is how long an expired id is still reported as expired rather than pending
	Retention time.Duration
	Retry     RetryPolicy
}

// DeadLetterQueueFor names the dead-letter queue of queue
func DeadLetterQueueFor(queue string) string {
	return queue + ".dlq"
}

// Envelope is the JSON body of a queued request
type Envelope struct {
	CorrelationID string          `json:"CorrelationId"`
	Kind          Kind            `json:"Kind"`
	Owner         string          `json:"Owner"`
	Payload       json.RawMessage `json:"Payload"`
	SubmittedAt   time.Time       `json:"SubmittedAt"`
}

// View is what a poller sees
type View struct {
	CorrelationID string          `json:"correlationId"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *Failure        `json:"error,omitempty"`
}

// Relay submits requests and answers polls
type Relay struct {
	cfg        Config
	publisher  broker.Publisher
	store      ResultStore
	dispatcher *Dispatcher
	log        *logger.Logger
	metrics    *metrics
	now        func() time.Time
}

// Option customizes a Relay
type Option func(*Relay)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a relay
func New(cfg Config, publisher broker.Publisher, store ResultStore, dispatcher *Dispatcher, log *logger.Logger, opts ...Option) *Relay {
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = DeadLetterQueueFor(cfg.Queue)
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if floor := cfg.PollDeadline + cfg.ResultTTL; cfg.Retention < floor {
		cfg.Retention = floor
	}

	r := &Relay{
		cfg:        cfg,
		publisher:  publisher,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		metrics:    newMetrics(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration
func (r *Relay) Config() Config {
	return r.cfg
}

// Submit validates payload, records a pending entry bound to principal and
// enqueues the request. It returns the correlation id without waiting.
func (r *Relay) Submit(ctx context.Context, payload Payload, principal Principal, token string) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return r.submit(ctx, payload.Kind(), raw, principal, token)
}

// SubmitRaw is Submit for an untyped payload, as received by the generic request endpoint
func (r *Relay) SubmitRaw(ctx context.Context, kind Kind, raw json.RawMessage, principal Principal, token string) (string, error) {
	payload, err := r.dispatcher.Decode(kind, raw)
	if err != nil {
		return "", err
	}
	return r.Submit(ctx, payload, principal, token)
}

func (r *Relay) submit(ctx context.Context, kind Kind, raw json.RawMessage, principal Principal, token string) (string, error) {
	if !r.dispatcher.Has(kind) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	id := uuid.NewString()
	now := r.now()
	entry := Entry{
		Status:    StatusPending,
		Owner:     principal.AccountID,
		Kind:      kind,
		Deadline:  now.Add(r.cfg.PollDeadline),
		UpdatedAt: now,
	}

	// the marker claims the id before any entry is written under it
	if err := r.store.PutMarker(ctx, id, principal.AccountID, r.cfg.Retention); err != nil {
		return "", fmt.Errorf("writing issue marker: %w", err)
	}
	if err := r.store.Put(ctx, id, entry, r.cfg.PollDeadline+r.cfg.ResultTTL); err != nil {
		return "", fmt.Errorf("writing pending entry: %w", err)
	}

	body, err := json.Marshal(Envelope{
		CorrelationID: id,
		Kind:          kind,
		Owner:         principal.AccountID,
		Payload:       raw,
		SubmittedAt:   now,
	})
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}

	msg := broker.Message{
		Body:          body,
		CorrelationID: id,
		Headers: map[string]string{
			HeaderMessageType: string(kind),
			HeaderToken:       token,
			HeaderAttempt:     "1",
		},
	}
	if err := r.publisher.Publish(ctx, r.cfg.Queue, msg); err != nil {
		entry.Status = StatusFailed
		entry.Error = &Failure{Code: CodeEnqueueFailed, Message: "the request could not be queued"}
		if putErr := r.store.Put(context.WithoutCancel(ctx), id, entry, r.cfg.ResultTTL); putErr != nil {
			r.log.LogError(putErr, "failed to record enqueue failure", "correlation_id", id)
		}
		return "", fmt.Errorf("publishing request: %w", err)
	}

	r.metrics.recordSubmit(ctx, kind)
	r.log.Debug("relay request submitted", "correlation_id", id, "kind", string(kind), "account_id", principal.AccountID)
	return id, nil
}

// Poll reports the state of a request without consuming it.
// An id that was never issued, or whose retention elapsed, reads as pending.
func (r *Relay) Poll(ctx context.Context, id string, principal Principal) (*View, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidID
	}

	entry, err := r.store.Get(ctx, id)
	switch {
	case err == nil:
		if entry.Owner != principal.AccountID {
			return nil, ErrNotFound
		}
		if entry.Status == StatusPending && r.now().After(entry.Deadline) {
			return &View{CorrelationID: id, Status: StatusFailed, Error: timeoutFailure()}, nil
		}
		return &View{CorrelationID: id, Status: entry.Status, Result: entry.Result, Error: entry.Error}, nil

	case errors.Is(err, ErrEntryNotFound):
		owner, markerErr := r.store.GetMarker(ctx, id)
		switch {
		case markerErr == nil:
			if owner != principal.AccountID {
				return nil, ErrNotFound
			}
			return &View{CorrelationID: id, Status: StatusExpired}, nil
		case errors.Is(markerErr, ErrEntryNotFound):
			return &View{CorrelationID: id, Status: StatusPending}, nil
		default:
			return nil, fmt.Errorf("reading issue marker: %w", markerErr)
		}

	default:
		return nil, fmt.Errorf("reading relay entry: %w", err)
	}
}

func timeoutFailure() *Failure {
	return &Failure{Code: CodeTimeout, Message: "the request did not complete before its deadline"}
}

func attemptOf(msg broker.Message) int {
	n, err := strconv.Atoi(msg.Header(HeaderAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
