package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"capstone-brain/backend/pkg/broker"
	"capstone-brain/backend/pkg/cache"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "userapi_queue"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t          *testing.T
	clock      *clock
	broker     *broker.Memory
	store      *MemoryStore
	dispatcher *Dispatcher
	relay      *Relay
	tokens     *jwt.Service
	auth       *accountAuth
	notifier   *MemoryNotifier
	alice      Principal
	aliceToken string
	bob        Principal
}

func newHarness(t *testing.T, retry RetryPolicy) *harness {
	t.Helper()

	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tokens, err := jwt.NewService("secret", "brain-api", "brain-clients", 24*time.Hour)
	require.NoError(t, err)

	h := &harness{
		t:          t,
		clock:      clk,
		broker:     broker.NewMemory(),
		store:      NewMemoryStore(cache.New(cache.Options{Now: clk.Now})),
		dispatcher: NewDispatcher(),
		tokens:     tokens,
		auth:       &accountAuth{Service: tokens},
		notifier:   NewMemoryNotifier(),
		alice:      Principal{AccountID: "acc-alice", Email: "alice@example.com", Role: jwt.RoleUser},
		bob:        Principal{AccountID: "acc-bob", Email: "bob@example.com", Role: jwt.RoleUser},
	}
	t.Cleanup(func() { _ = h.broker.Close() })

	h.aliceToken, err = tokens.GenerateToken(h.alice.AccountID, h.alice.Email, h.alice.Role)
	require.NoError(t, err)

	h.relay = New(Config{
		Queue:        testQueue,
		ResultTTL:    60 * time.Second,
		PollDeadline: 2 * time.Minute,
		Retention:    time.Hour,
		Retry:        retry,
	}, h.broker, h.store, h.dispatcher, logger.Discard(), WithClock(clk.Now))
	return h
}

// accountAuth validates tokens and then fails with err while it is set,
// standing in for the account lookup
type accountAuth struct {
	*jwt.Service
	mu    sync.Mutex
	err   error
	calls int32
}

func (a *accountAuth) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *accountAuth) Authenticate(ctx context.Context, token string) (*jwt.JWTClaims, error) {
	atomic.AddInt32(&a.calls, 1)
	claims, err := a.Service.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return claims, nil
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

// startConsumer runs a consumer until the test ends
func (h *harness) startConsumer() {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(h.relay, h.broker, h.auth, h.notifier, logger.Discard())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitFor(id string, p Principal, status Status) *View {
	h.t.Helper()
	var view *View
	require.Eventually(h.t, func() bool {
		v, err := h.relay.Poll(context.Background(), id, p)
		if err != nil {
			return false
		}
		view = v
		return v.Status == status
	}, 3*time.Second, 5*time.Millisecond)
	return view
}

func registerEcho(d *Dispatcher, calls *int32) {
	Handle(d, func(ctx context.Context, p Principal, req StartChat) (any, error) {
		atomic.AddInt32(calls, 1)
		return map[string]string{"chatId": "chat-1", "chatName": req.ChatName, "owner": p.Email}, nil
	})
}

func TestSubmitPollComplete(t *testing.T) {
	h := newHarness(t, fastRetry(3))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	id, err := h.relay.Submit(context.Background(), StartChat{ChatName: "hello"}, h.alice, h.aliceToken)
	require.NoError(t, err)

	view, err := h.relay.Poll(context.Background(), id, h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)

	notes, err := h.notifier.Subscribe(context.Background())
	require.NoError(t, err)

	h.startConsumer()
	view = h.waitFor(id, h.alice, StatusCompleted)

	var result map[string]string
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Equal(t, "hello", result["chatName"])
	assert.Equal(t, "alice@example.com", result["owner"])
	assert.Nil(t, view.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	select {
	case n := <-notes:
		assert.Equal(t, id, n.CorrelationID)
		assert.Equal(t, StatusCompleted, n.Status)
		assert.Equal(t, h.alice.AccountID, n.Owner)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	// polling does not consume the result
	again, err := h.relay.Poll(context.Background(), id, h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestPollUnknownAndMalformedIDs(t *testing.T) {
	h := newHarness(t, fastRetry(1))

	view, err := h.relay.Poll(context.Background(), "7a0f7b1e-8a53-4f51-9d7a-3f1f4f1e7c11", h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)

	_, err = h.relay.Poll(context.Background(), "not-a-uuid", h.alice)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestPollByOtherAccountIsNotFound(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, h.aliceToken)
	require.NoError(t, err)

	_, err = h.relay.Poll(context.Background(), id, h.bob)
	assert.ErrorIs(t, err, ErrNotFound)

	h.startConsumer()
	h.waitFor(id, h.alice, StatusCompleted)
	_, err = h.relay.Poll(context.Background(), id, h.bob)
	assert.ErrorIs(t, err, ErrNotFound)

	// still hidden once only the marker is left
	h.clock.Advance(61 * time.Second)
	_, err = h.relay.Poll(context.Background(), id, h.bob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollDeadlineReportsTimeout(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, h.aliceToken)
	require.NoError(t, err)

	h.clock.Advance(2*time.Minute + time.Second)

	view, err := h.relay.Poll(context.Background(), id, h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeTimeout, view.Error.Code)

	// a late consumer agrees and does not run the handler
	h.startConsumer()
	require.Eventually(t, func() bool {
		e, err := h.store.Get(context.Background(), id)
		return err == nil && e.Status == StatusFailed
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestExpiredResultIsDistinctFromUnknown(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()
	h.waitFor(id, h.alice, StatusCompleted)

	h.clock.Advance(61 * time.Second)
	view, err := h.relay.Poll(context.Background(), id, h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)
	assert.Empty(t, view.Result)

	h.clock.Advance(time.Hour)
	view, err = h.relay.Poll(context.Background(), id, h.alice)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
}

func TestDuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, h.aliceToken)
	require.NoError(t, err)

	// take the queued message and put two copies back
	ctx, cancel := context.WithCancel(context.Background())
	deliveries, err := h.broker.Consume(ctx, testQueue)
	require.NoError(t, err)
	first := <-deliveries
	require.NoError(t, h.broker.Publish(ctx, testQueue, first.Message))
	require.NoError(t, h.broker.Publish(ctx, testQueue, first.Message))
	require.NoError(t, first.Ack())
	cancel()

	h.startConsumer()
	h.waitFor(id, h.alice, StatusCompleted)
	require.Eventually(t, func() bool { return h.broker.Len(testQueue) == 0 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t, fastRetry(5))
	var calls int32
	Handle(h.dispatcher, func(ctx context.Context, p Principal, req AddMessage) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("llm unavailable")
		}
		return "ok", nil
	})

	id, err := h.relay.Submit(context.Background(), AddMessage{ChatID: "c", Text: "hi"}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()

	view := h.waitFor(id, h.alice, StatusCompleted)
	assert.JSONEq(t, `"ok"`, string(view.Result))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, h.broker.Len(DeadLetterQueueFor(testQueue)))
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, fastRetry(3))
	var calls int32
	Handle(h.dispatcher, func(ctx context.Context, p Principal, req AddMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("dial tcp 10.0.0.9:8000: connection refused")
	})

	id, err := h.relay.Submit(context.Background(), AddMessage{ChatID: "c", Text: "hi"}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()

	view := h.waitFor(id, h.alice, StatusFailed)
	require.NotNil(t, view.Error)
	assert.Equal(t, CodeProcessingFailed, view.Error.Code)
	assert.NotContains(t, view.Error.Message, "10.0.0.9")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Eventually(t, func() bool { return h.broker.Len(DeadLetterQueueFor(testQueue)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, fastRetry(5))
	var calls int32
	Handle(h.dispatcher, func(ctx context.Context, p Principal, req SendMessage) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, Fail(CodeNotFound, "chat not found")
	})

	id, err := h.relay.Submit(context.Background(), SendMessage{ChatID: "missing", Message: "hi"}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()

	view := h.waitFor(id, h.alice, StatusFailed)
	assert.Equal(t, CodeNotFound, view.Error.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Eventually(t, func() bool { return h.broker.Len(DeadLetterQueueFor(testQueue)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestInvalidTokenFailsRequest(t *testing.T) {
	h := newHarness(t, fastRetry(3))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	bobToken, err := h.tokens.GenerateToken(h.bob.AccountID, h.bob.Email, h.bob.Role)
	require.NoError(t, err)

	// token of another account than the one the request is bound to
	id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, bobToken)
	require.NoError(t, err)
	h.startConsumer()

	view := h.waitFor(id, h.alice, StatusFailed)
	assert.Equal(t, CodeUnauthorized, view.Error.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDeletedAccountFailsRequest(t *testing.T) {
	h := newHarness(t, fastRetry(3))
	var calls int32
	registerEcho(h.dispatcher, &calls)
	h.auth.fail(jwt.ErrRevokedToken)

	id, err := h.relay.Submit(context.Background(), StartChat{ChatName: "ghost"}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()

	view := h.waitFor(id, h.alice, StatusFailed)
	assert.Equal(t, CodeUnauthorized, view.Error.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.auth.calls))
	require.Eventually(t, func() bool { return h.broker.Len(DeadLetterQueueFor(testQueue)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAccountLookupOutageIsRetried(t *testing.T) {
	h := newHarness(t, fastRetry(100))
	var calls int32
	registerEcho(h.dispatcher, &calls)
	h.auth.fail(errors.New("loading account: connection reset"))

	id, err := h.relay.Submit(context.Background(), StartChat{ChatName: "later"}, h.alice, h.aliceToken)
	require.NoError(t, err)
	h.startConsumer()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.auth.calls) >= 2 }, time.Second, time.Millisecond)
	h.auth.fail(nil)

	h.waitFor(id, h.alice, StatusCompleted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, h.broker.Len(DeadLetterQueueFor(testQueue)))
}

func TestStaleDeliveryWithoutEntryIsSkipped(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	body, err := json.Marshal(Envelope{CorrelationID: "5d7a8c0e-3b5b-4c1e-8f62-1d1b7b0c2a9f", Kind: KindStartChat, Owner: h.alice.AccountID, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), testQueue, broker.Message{
		Body:    body,
		Headers: map[string]string{HeaderMessageType: string(KindStartChat), HeaderToken: h.aliceToken},
	}))

	h.startConsumer()
	require.Eventually(t, func() bool { return h.broker.Len(testQueue) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	_, err := h.relay.SubmitRaw(context.Background(), "chat.explode", json.RawMessage(`{}`), h.alice, h.aliceToken)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = h.relay.SubmitRaw(context.Background(), KindStartChat, json.RawMessage(`{"chatName": 5}`), h.alice, h.aliceToken)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.relay.Submit(context.Background(), SendMessage{ChatID: "c"}, h.alice, h.aliceToken)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// SendMessage is valid but has no handler
	_, err = h.relay.Submit(context.Background(), SendMessage{ChatID: "c", Message: "hi"}, h.alice, h.aliceToken)
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, 0, h.broker.Len(testQueue))
}

func TestCorrelationIDsAreDistinct(t *testing.T) {
	h := newHarness(t, fastRetry(1))
	var calls int32
	registerEcho(h.dispatcher, &calls)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := h.relay.Submit(context.Background(), StartChat{}, h.alice, h.aliceToken)
		require.NoError(t, err)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
