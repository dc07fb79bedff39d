// Package broker abstracts the durable work queue used by the relay.
package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on a closed broker
	ErrClosed = errors.New("broker closed")
	// ErrNotConfirmed is returned when the broker refuses to take a published message
	ErrNotConfirmed = errors.New("broker did not confirm the message")
)

// Message is a unit of work on a queue
type Message struct {
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	ContentType   string
}

// Header returns a header value or ""
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Delivery is a received message that must be acked or nacked exactly once
type Delivery struct {
	Message
	once sync.Once
	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery wraps msg with settle callbacks
func NewDelivery(msg Message, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack confirms the delivery was handled
func (d *Delivery) Ack() error {
	err := ErrAlreadySettled
	d.once.Do(func() { err = d.ack() })
	return err
}

// Nack rejects the delivery, returning it to the queue when requeue is set
func (d *Delivery) Nack(requeue bool) error {
	err := ErrAlreadySettled
	d.once.Do(func() { err = d.nack(requeue) })
	return err
}

// ErrAlreadySettled is returned when a delivery is acked or nacked twice
var ErrAlreadySettled = errors.New("delivery already settled")

// Publisher enqueues messages
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// Consumer receives messages. The returned channel is closed when ctx is
// done or the underlying connection is lost.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan *Delivery, error)
}

// Broker is a queue backend
type Broker interface {
	Publisher
	Consumer
	// Ping reports whether the broker is reachable
	Ping(ctx context.Context) error
	Close() error
}
