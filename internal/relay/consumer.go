package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"capstone-brain/backend/pkg/broker"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Authenticator resolves the bearer token carried by an envelope
type Authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*jwt.JWTClaims, error)
}

// Consumer processes queued requests one at a time
type Consumer struct {
	relay    *Relay
	source   broker.Consumer
	tokens   Authenticator
	notifier Notifier
	log      *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a consumer. notifier may be nil.
func NewConsumer(r *Relay, source broker.Consumer, tokens Authenticator, notifier Notifier, log *logger.Logger) *Consumer {
	return &Consumer{
		relay:    r,
		source:   source,
		tokens:   tokens,
		notifier: notifier,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until ctx is done, resubscribing with backoff when the
// delivery stream is lost
func (c *Consumer) Run(ctx context.Context) error {
	queue := c.relay.cfg.Queue
	c.log.Info("relay consumer started", "queue", queue, "kinds", c.relay.dispatcher.Kinds())

	resubscribe := backoff.NewExponentialBackOff()
	resubscribe.MaxElapsedTime = 0

	for {
		deliveries, err := c.source.Consume(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			wait := resubscribe.NextBackOff()
			c.log.LogError(err, "failed to consume, retrying", "queue", queue, "retry_in", wait.String())
			if c.sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}
		resubscribe.Reset()

		for d := range deliveries {
			c.process(ctx, d)
		}

		if ctx.Err() != nil {
			c.log.Info("relay consumer stopped", "queue", queue)
			return nil
		}
		c.log.Warn("delivery stream ended, resubscribing", "queue", queue)
	}
}

// process handles one delivery and always settles it
func (c *Consumer) process(ctx context.Context, d *broker.Delivery) {
	attempt := attemptOf(d.Message)

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.CorrelationID == "" {
		c.log.Warn("dropping malformed envelope", "correlation_id", d.CorrelationID)
		c.deadLetter(ctx, d.Message, "malformed envelope")
		c.settle(d, false)
		return
	}
	if kind := d.Header(HeaderMessageType); kind != "" {
		env.Kind = Kind(kind)
	}

	log := c.log.WithCorrelationID(env.CorrelationID)
	ctx = logger.NewContext(ctx, log)

	ctx, span := tracer().Start(ctx, "relay.process", trace.WithAttributes(
		attribute.String("relay.correlation_id", env.CorrelationID),
		attribute.String("relay.kind", string(env.Kind)),
		attribute.Int("relay.attempt", attempt),
	))
	defer span.End()

	entry, err := c.relay.store.Get(ctx, env.CorrelationID)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		log.Warn("no pending entry for request, skipping")
		c.settle(d, false)
		return
	case err != nil:
		log.LogError(err, "failed to read relay entry")
		span.RecordError(err)
		c.requeueAfter(ctx, d, attempt)
		return
	case entry.Status.Terminal():
		log.Info("duplicate delivery of finished request, skipping", "status", string(entry.Status))
		c.settle(d, false)
		return
	}

	if c.relay.now().After(entry.Deadline) {
		c.finish(ctx, d, env, entry, nil, timeoutFailure())
		return
	}

	principal, err := c.authenticate(ctx, d.Header(HeaderToken), env.Owner)
	if err != nil && !IsPermanent(err) {
		// the token could not be checked, e.g. the account store is down
		span.RecordError(err)
		if c.relay.cfg.Retry.Exhausted(attempt) {
			log.LogError(err, "relay request failed", "kind", string(env.Kind), "attempt", attempt)
			c.finish(ctx, d, env, entry, nil, failureFor(err))
			c.deadLetter(ctx, d.Message, failureFor(err).Code)
			return
		}
		c.retry(ctx, d, env, attempt, err)
		return
	}
	if err != nil {
		log.Warn("rejecting request with invalid credentials", "error", err.Error())
		c.finish(ctx, d, env, entry, nil, &Failure{Code: CodeUnauthorized, Message: "the request's credentials are no longer valid"})
		c.deadLetter(ctx, d.Message, "unauthorized")
		return
	}

	start := time.Now()
	result, err := c.relay.dispatcher.Dispatch(ctx, principal, env.Kind, env.Payload)
	c.relay.metrics.recordDuration(ctx, env.Kind, time.Since(start))

	if err == nil {
		data, encErr := json.Marshal(result)
		if encErr != nil {
			err = Permanent(fmt.Errorf("encoding result: %w", encErr))
		} else {
			c.finish(ctx, d, env, entry, data, nil)
			return
		}
	}

	span.RecordError(err)
	if IsPermanent(err) || c.relay.cfg.Retry.Exhausted(attempt) {
		log.LogError(err, "relay request failed", "kind", string(env.Kind), "attempt", attempt, "permanent", IsPermanent(err))
		c.finish(ctx, d, env, entry, nil, failureFor(err))
		c.deadLetter(ctx, d.Message, failureFor(err).Code)
		return
	}

	c.retry(ctx, d, env, attempt, err)
}

// authenticate returns a permanent error when the token is rejected, and the
// plain error when it could not be checked
func (c *Consumer) authenticate(ctx context.Context, token, owner string) (Principal, error) {
	if token == "" {
		return Principal{}, Permanent(errors.New("missing token"))
	}
	claims, err := c.tokens.Authenticate(ctx, token)
	if err != nil {
		if jwt.IsAuthError(err) {
			return Principal{}, Permanent(err)
		}
		return Principal{}, err
	}
	if claims.AccountID != owner {
		return Principal{}, Permanent(errors.New("token does not belong to the request owner"))
	}
	return PrincipalFromClaims(claims), nil
}

// retry republishes the request with the next attempt number after the policy's delay
func (c *Consumer) retry(ctx context.Context, d *broker.Delivery, env Envelope, attempt int, cause error) {
	log := logger.FromContext(ctx)
	delay := c.relay.cfg.Retry.Delay(attempt)
	log.Warn("relay request failed, retrying",
		"error", cause.Error(),
		"attempt", attempt,
		"retry_in", delay.String(),
	)

	if err := c.sleep(ctx, delay); err != nil {
		c.settle(d, true)
		return
	}

	next := cloneHeaders(d.Message)
	next.Headers[HeaderAttempt] = strconv.Itoa(attempt + 1)
	if err := c.relay.publisher.Publish(ctx, c.relay.cfg.Queue, next); err != nil {
		log.LogError(err, "failed to republish request")
		c.settle(d, true)
		return
	}

	c.relay.metrics.recordRetry(ctx, env.Kind)
	c.settle(d, false)
}

// requeueAfter puts the delivery back after a delay, used when the result store is unavailable
func (c *Consumer) requeueAfter(ctx context.Context, d *broker.Delivery, attempt int) {
	_ = c.sleep(ctx, c.relay.cfg.Retry.Delay(attempt))
	c.settle(d, true)
}

// finish writes the terminal entry and acks the delivery. Completion after
// the deadline is reported as a timeout, matching what pollers already saw.
func (c *Consumer) finish(ctx context.Context, d *broker.Delivery, env Envelope, entry *Entry, result json.RawMessage, failure *Failure) {
	log := logger.FromContext(ctx)
	span := trace.SpanFromContext(ctx)

	now := c.relay.now()
	if failure == nil && now.After(entry.Deadline) {
		failure = timeoutFailure()
	}

	final := *entry
	final.UpdatedAt = now
	if failure != nil {
		final.Status = StatusFailed
		final.Error = failure
		final.Result = nil
		span.SetStatus(codes.Error, failure.Code)
	} else {
		final.Status = StatusCompleted
		final.Result = result
		span.SetStatus(codes.Ok, "")
	}

	writeCtx := context.WithoutCancel(ctx)
	if err := c.relay.store.Put(writeCtx, env.CorrelationID, final, c.relay.cfg.ResultTTL); err != nil {
		log.LogError(err, "failed to write relay result")
		c.settle(d, true)
		return
	}

	code := ""
	if failure != nil {
		code = failure.Code
	}
	c.relay.metrics.recordTerminal(ctx, env.Kind, final.Status, code)
	log.Info("relay request finished", "kind", string(env.Kind), "status", string(final.Status), "code", code)

	if c.notifier != nil {
		note := Notification{CorrelationID: env.CorrelationID, Owner: env.Owner, Kind: env.Kind, Status: final.Status}
		if err := c.notifier.Notify(writeCtx, note); err != nil {
			log.LogError(err, "failed to publish relay notification")
		}
	}

	c.settle(d, false)
}

func (c *Consumer) deadLetter(ctx context.Context, msg broker.Message, reason string) {
	dead := cloneHeaders(msg)
	dead.Headers[HeaderDeathReason] = reason
	delete(dead.Headers, HeaderToken)

	if err := c.relay.publisher.Publish(context.WithoutCancel(ctx), c.relay.cfg.DeadLetterQueue, dead); err != nil {
		c.log.LogError(err, "failed to dead-letter request", "correlation_id", msg.CorrelationID)
	}
}

// settle acks, or nacks with requeue when requeue is set
func (c *Consumer) settle(d *broker.Delivery, requeue bool) {
	var err error
	if requeue {
		err = d.Nack(true)
	} else {
		err = d.Ack()
	}
	if err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		c.log.LogError(err, "failed to settle delivery", "correlation_id", d.CorrelationID, "requeue", requeue)
	}
}

func cloneHeaders(msg broker.Message) broker.Message {
	out := msg
	out.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	return out
}
