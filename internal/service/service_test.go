package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"capstone-brain/backend/ai"
	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/internal/repository"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	emotion string
	err     error
	calls   []llmCall
}

type llmCall struct {
	history []ai.PastMessage
	message string
}

func (f *fakeLLM) Chat(ctx context.Context, history []ai.PastMessage, newMessage string) (*ai.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, llmCall{history: history, message: newMessage})
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ChatResponse{Response: f.reply, DetectedEmotion: f.emotion}, nil
}

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := repository.NewGormStore(db)
	require.NoError(t, err)
	return store
}

func newTokens(t *testing.T) *jwt.Service {
	t.Helper()
	tokens, err := jwt.NewService("test-secret", "brain-api", "brain-clients", time.Hour)
	require.NoError(t, err)
	return tokens
}

func TestSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	tokens := newTokens(t)
	svc := NewAccountService(store.Accounts, store.Chats, tokens, logger.Discard())

	account, err := svc.Signup(ctx, "  Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account.Email)
	assert.Equal(t, jwt.RoleUser, account.Role)
	assert.NotEqual(t, "correct horse", account.PasswordHash)

	_, err = svc.Signup(ctx, "alice@example.com", "another password")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Signup(ctx, "not-an-email", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Signup(ctx, "bob@example.com", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	resp, err := svc.Login(ctx, "ALICE@example.com", "correct horse")
	require.NoError(t, err)
	require.NotNil(t, resp.Account.LastLogin)

	claims, err := tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID)
	assert.Equal(t, jwt.RoleUser, claims.Role)

	_, err = svc.Login(ctx, "alice@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.AdminLogin(ctx, "alice@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrNotAdmin)
}

func TestAdminAccounts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewAccountService(store.Accounts, store.Chats, newTokens(t), logger.Discard())

	require.NoError(t, svc.EnsureAdmin(ctx, "root@example.com", "bootstrap-pass"))
	require.NoError(t, svc.EnsureAdmin(ctx, "root@example.com", "bootstrap-pass"))
	require.NoError(t, svc.EnsureAdmin(ctx, "", ""))

	resp, err := svc.AdminLogin(ctx, "root@example.com", "bootstrap-pass")
	require.NoError(t, err)
	assert.Equal(t, jwt.RoleAdmin, resp.Account.Role)

	_, err = svc.Signup(ctx, "user@example.com", "user-password")
	require.NoError(t, err)

	accounts, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewAccountService(store.Accounts, store.Chats, newTokens(t), logger.Discard())

	account, err := svc.Signup(ctx, "carol@example.com", "first-password")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ChangePassword(ctx, account.ID, "wrong-password", "second-password"), ErrInvalidCredentials)
	assert.ErrorIs(t, svc.ChangePassword(ctx, account.ID, "first-password", "short"), ErrWeakPassword)
	assert.ErrorIs(t, svc.ChangePassword(ctx, "missing", "first-password", "second-password"), ErrAccountNotFound)
	require.NoError(t, svc.ChangePassword(ctx, account.ID, "first-password", "second-password"))

	_, err = svc.Login(ctx, "carol@example.com", "first-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "carol@example.com", "second-password")
	assert.NoError(t, err)
}

func TestDeleteAccountRemovesChats(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	accounts := NewAccountService(store.Accounts, store.Chats, newTokens(t), logger.Discard())
	chats := NewChatService(store.Chats, &fakeLLM{}, logger.Discard())

	dave, err := accounts.Signup(ctx, "dave@example.com", "dave-password")
	require.NoError(t, err)
	erin, err := accounts.Signup(ctx, "erin@example.com", "erin-password")
	require.NoError(t, err)

	_, err = chats.Start(ctx, dave.Email, "one")
	require.NoError(t, err)
	_, err = chats.Start(ctx, dave.Email, "two")
	require.NoError(t, err)
	_, err = chats.Start(ctx, erin.Email, "keep")
	require.NoError(t, err)

	assert.ErrorIs(t, accounts.DeleteSelf(ctx, dave.ID, "wrong-password"), ErrInvalidCredentials)
	require.NoError(t, accounts.DeleteSelf(ctx, dave.ID, "dave-password"))

	_, err = accounts.Get(ctx, dave.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	left, err := chats.List(ctx, dave.Email)
	require.NoError(t, err)
	assert.Empty(t, left)

	kept, err := chats.List(ctx, erin.Email)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	require.NoError(t, accounts.DeleteAccount(ctx, erin.ID))
	assert.ErrorIs(t, accounts.DeleteAccount(ctx, erin.ID), ErrAccountNotFound)
}

func TestChatLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	llm := &fakeLLM{reply: "Hello there", emotion: "happy"}
	svc := NewChatService(store.Chats, llm, logger.Discard())

	started, err := svc.Start(ctx, "Alice@example.com", "")
	require.NoError(t, err)
	assert.Contains(t, started.ChatName, "Chat_")

	_, err = svc.AddMessage(ctx, "alice@example.com", started.ChatID, "first note")
	require.NoError(t, err)

	res, err := svc.SendMessage(ctx, "alice@example.com", started.ChatID, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Response)
	assert.Equal(t, "happy", res.DetectedEmotion)

	require.Len(t, llm.calls, 1)
	assert.Equal(t, "hi", llm.calls[0].message)

	chat, err := svc.History(ctx, "alice@example.com", started.ChatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 3)
	assert.Equal(t, "first note", chat.Messages[0].Text)
	assert.True(t, chat.Messages[1].IsUser)
	assert.Equal(t, "hi", chat.Messages[1].Text)
	assert.False(t, chat.Messages[2].IsUser)
	assert.Equal(t, "happy", chat.Messages[2].Emotion)

	// second exchange carries the first as history
	_, err = svc.SendMessage(ctx, "alice@example.com", started.ChatID, "again")
	require.NoError(t, err)
	require.Len(t, llm.calls, 2)
	assert.NotEmpty(t, llm.calls[1].history)

	list, err := svc.List(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, "alice@example.com", started.ChatID))
	_, err = svc.History(ctx, "alice@example.com", started.ChatID)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewChatService(store.Chats, &fakeLLM{reply: "x"}, logger.Discard())

	started, err := svc.Start(ctx, "alice@example.com", "private")
	require.NoError(t, err)

	_, err = svc.History(ctx, "mallory@example.com", started.ChatID)
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = svc.AddMessage(ctx, "mallory@example.com", started.ChatID, "hi")
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = svc.SendMessage(ctx, "mallory@example.com", started.ChatID, "hi")
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "mallory@example.com", started.ChatID), ErrChatNotFound)

	list, err := svc.List(ctx, "mallory@example.com")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSendMessageStoresNothingWhenLLMFails(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	llm := &fakeLLM{err: errors.New("llm down")}
	svc := NewChatService(store.Chats, llm, logger.Discard())

	started, err := svc.Start(ctx, "alice@example.com", "c")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "alice@example.com", started.ChatID, "hi")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)

	llm.err = ai.ErrRejected
	_, err = svc.SendMessage(ctx, "alice@example.com", started.ChatID, "hi")
	assert.ErrorIs(t, err, ErrInvalidInput)

	chat, err := svc.History(ctx, "alice@example.com", started.ChatID)
	require.NoError(t, err)
	assert.Empty(t, chat.Messages)

	_, err = svc.SendMessage(ctx, "alice@example.com", started.ChatID, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRelayHandlers(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	chats := NewChatService(store.Chats, &fakeLLM{reply: "pong", emotion: "neutral"}, logger.Discard())

	d := relay.NewDispatcher()
	RegisterRelayHandlers(d, chats)
	assert.Equal(t, []relay.Kind{relay.KindAddMessage, relay.KindSendMessage, relay.KindStartChat}, d.Kinds())

	alice := relay.Principal{AccountID: "acc-1", Email: "alice@example.com", Role: jwt.RoleUser}

	out, err := d.Dispatch(ctx, alice, relay.KindStartChat, []byte(`{"chatName":"via relay"}`))
	require.NoError(t, err)
	started := out.(*models.StartChatResult)
	assert.Equal(t, "via relay", started.ChatName)

	out, err = d.Dispatch(ctx, alice, relay.KindSendMessage, []byte(`{"chatId":"`+started.ChatID+`","message":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, "pong", out.(*models.SendMessageResult).Response)

	_, err = d.Dispatch(ctx, alice, relay.KindAddMessage, []byte(`{"chatId":"missing","text":"hi"}`))
	require.Error(t, err)
	assert.True(t, relay.IsPermanent(err))
	var failure *relay.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, relay.CodeNotFound, failure.Code)

	mallory := relay.Principal{AccountID: "acc-2", Email: "mallory@example.com", Role: jwt.RoleUser}
	_, err = d.Dispatch(ctx, mallory, relay.KindAddMessage, []byte(`{"chatId":"`+started.ChatID+`","text":"hi"}`))
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, relay.CodeNotFound, failure.Code)
}

func TestRelayErrKeepsTransientErrors(t *testing.T) {
	transient := errors.New("connection refused")
	assert.Equal(t, transient, relayErr(transient))
	assert.False(t, relay.IsPermanent(relayErr(transient)))
	assert.NoError(t, relayErr(nil))
}
