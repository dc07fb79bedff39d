package relay

import (
	"context"
	"encoding/json"
	"sync"

	"capstone-brain/backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// NotificationChannel is the pub/sub channel terminal transitions are announced on
const NotificationChannel = "relay:notifications"

// Notification announces that a request reached a terminal state
type Notification struct {
	CorrelationID string `json:"correlationId"`
	Owner         string `json:"owner"`
	Kind          Kind   `json:"kind"`
	Status        Status `json:"status"`
}

// Notifier broadcasts notifications between the consumer and API processes
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	// Subscribe streams notifications until ctx is done
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

// RedisNotifier uses Redis pub/sub
type RedisNotifier struct {
	client redis.UniversalClient
	log    *logger.Logger
}

func NewRedisNotifier(client redis.UniversalClient, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, NotificationChannel, data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Notification, error) {
	sub := n.client.Subscribe(ctx, NotificationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var note Notification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					n.log.Warn("dropping malformed relay notification", "error", err.Error())
					continue
				}
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryNotifier fans notifications out to in-process subscribers.
// Slow subscribers miss notifications rather than block the consumer.
type MemoryNotifier struct {
	mu   sync.Mutex
	subs map[chan Notification]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[chan Notification]struct{})}
}

func (n *MemoryNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- note:
		default:
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		close(ch)
		n.mu.Unlock()
	}()
	return ch, nil
}
