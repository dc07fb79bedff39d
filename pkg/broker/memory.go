package broker

import (
	"context"
	"sync"
)

const memoryQueueSize = 1024

// Memory is an in-process broker. Each consumer has at most one unsettled
// delivery at a time, which matches a prefetch of 1.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan Message
	closed chan struct{}
	once   sync.Once
}

// NewMemory creates an in-process broker
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]chan Message),
		closed: make(chan struct{}),
	}
}

func (m *Memory) queue(name string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		q = make(chan Message, memoryQueueSize)
		m.queues[name] = q
	}
	return q
}

// Publish enqueues msg, blocking while the queue is full
func (m *Memory) Publish(ctx context.Context, queue string, msg Message) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	select {
	case m.queue(queue) <- cloneMessage(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	}
}

// Consume streams deliveries from queue until ctx is done or the broker is closed
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}

	q := m.queue(queue)
	out := make(chan *Delivery)

	go func() {
		defer close(out)
		for {
			var msg Message
			select {
			case msg = <-q:
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			}

			settled := make(chan bool, 1)
			d := NewDelivery(msg,
				func() error { settled <- false; return nil },
				func(requeue bool) error { settled <- requeue; return nil },
			)

			select {
			case out <- d:
			case <-ctx.Done():
				q <- msg
				return
			case <-m.closed:
				return
			}

			select {
			case requeue := <-settled:
				if requeue {
					q <- msg
				}
			case <-ctx.Done():
				// an unsettled delivery goes back to the queue
				q <- msg
				return
			case <-m.closed:
				return
			}
		}
	}()

	return out, nil
}

// Len returns the number of messages waiting on queue
func (m *Memory) Len(queue string) int {
	return len(m.queue(queue))
}

// Ping always succeeds until Close
func (m *Memory) Ping(context.Context) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops all consumers
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func cloneMessage(msg Message) Message {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
