package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"capstone-brain/backend/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ broker
type AMQPConfig struct {
	URL string
	// Queues are declared durable on connect
	Queues   []string
	Prefetch int
	// MaxConnectWait bounds the connect retry loop
	MaxConnectWait time.Duration
}

// AMQP is a RabbitMQ-backed broker
type AMQP struct {
	cfg AMQPConfig
	log *logger.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// NewAMQP dials the broker, retrying with exponential backoff, and declares the configured queues
func NewAMQP(ctx context.Context, cfg AMQPConfig, log *logger.Logger) (*AMQP, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxConnectWait <= 0 {
		cfg.MaxConnectWait = time.Minute
	}

	b := &AMQP{cfg: cfg, log: log}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQP) connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *AMQP) connectLocked(ctx context.Context) error {
	if b.closed {
		return ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = b.cfg.MaxConnectWait

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(b.cfg.URL)
		return dialErr
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		b.log.Warn("broker connection failed, retrying", "error", err.Error(), "retry_in", wait.String())
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := openConfirmChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	for _, q := range b.cfg.Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}

	b.conn = conn
	b.pubCh = ch
	b.log.Info("connected to broker", "queues", b.cfg.Queues)
	return nil
}

// Publish sends a persistent message to queue via the default exchange
func (b *AMQP) Publish(ctx context.Context, queue string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(ctx); err != nil {
		return err
	}
	if b.pubCh.IsClosed() {
		ch, err := openConfirmChannel(b.conn)
		if err != nil {
			return err
		}
		b.pubCh = ch
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		Headers:       headers,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return awaitConfirm(ctx, confirm)
}

// openConfirmChannel opens a channel in publisher-confirm mode
func openConfirmChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// awaitConfirm blocks until the broker has taken responsibility for the
// message. Persistent messages on durable queues are confirmed once written.
func awaitConfirm(ctx context.Context, c confirmation) error {
	acked, err := c.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for publisher confirm: %w", err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}

// Consume opens a dedicated channel with the configured prefetch and streams deliveries
func (b *AMQP) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	b.mu.Lock()
	if err := b.connectLocked(ctx); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	src, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-src:
				if !ok {
					b.log.Warn("broker delivery channel closed", "queue", queue)
					return
				}
				delivery := NewDelivery(fromAMQP(d),
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func fromAMQP(d amqp.Delivery) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return Message{
		Body:          d.Body,
		Headers:       headers,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
	}
}

// Ping reports whether the connection is open
func (b *AMQP) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("broker connection is closed")
	}
	return nil
}

// Close closes the connection
func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
