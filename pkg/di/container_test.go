package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("JWT_SECRET", "")

	cfg := &config.Config{}
	cfg.Server.Env = "test"
	cfg.Store.Driver = config.StoreSQLite
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "brain.db")
	cfg.Broker.Driver = config.DriverMemory
	cfg.Broker.Queue = "userapi_queue"
	cfg.Relay.CacheDriver = config.DriverMemory
	cfg.Relay.ResultTTL = time.Minute
	cfg.Relay.PollDeadline = 2 * time.Minute
	cfg.Relay.Retention = time.Hour
	cfg.Relay.MaxAttempts = 3
	cfg.Relay.InitialBackoff = 10 * time.Millisecond
	cfg.JWT.Secret = "container-secret"
	cfg.JWT.Issuer = "brain-api"
	cfg.JWT.Audience = "brain-clients"
	cfg.JWT.Expiry = time.Hour
	cfg.LLM.URL = "http://127.0.0.1:1/llm"
	cfg.LLM.Timeout = time.Second
	return cfg
}

func TestNewWithInMemoryBackends(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, testConfig(t), logger.Discard())
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	assert.IsType(t, &relay.MemoryStore{}, c.Results)
	assert.IsType(t, &relay.MemoryNotifier{}, c.Notifier)
	assert.Nil(t, c.Redis)

	c.Health.RunChecks(ctx)
	assert.True(t, c.Health.IsSystemHealthy())
	assert.ElementsMatch(t, []string{"self", "store", "broker"}, c.Health.Names())

	account, err := c.AccountService.Signup(ctx, "alice@example.com", "password1")
	require.NoError(t, err)
	login, err := c.AccountService.Login(ctx, "alice@example.com", "password1")
	require.NoError(t, err)

	claims, err := c.Authenticator.Authenticate(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID)

	require.NoError(t, c.AccountService.DeleteAccount(ctx, account.ID))
	_, err = c.Authenticator.Authenticate(ctx, login.Token)
	assert.ErrorIs(t, err, jwt.ErrRevokedToken)
}

func TestNewWithRedisResults(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Relay.CacheDriver = config.DriverRedis
	cfg.Redis.Addr = mr.Addr()

	ctx := context.Background()
	c, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close(ctx)) }()

	require.NotNil(t, c.Redis)
	assert.IsType(t, &relay.RedisStore{}, c.Results)
	assert.IsType(t, &relay.RedisNotifier{}, c.Notifier)
	assert.Contains(t, c.Health.Names(), "redis")
}

func TestNewFailsWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWT.Secret = ""

	c, err := New(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestSecretFromEnvironmentWins(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("JWT_SECRET", "from-env")

	ctx := context.Background()
	c, err := New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer func() { _ = c.Close(ctx) }()

	token, err := c.JWTService.GenerateToken("acc-1", "a@example.com", "User")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestRelayConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.MaxBackoff = 0

	rc := RelayConfig(cfg)
	assert.Equal(t, "userapi_queue", rc.Queue)
	assert.Equal(t, 3, rc.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, rc.Retry.InitialInterval)
	assert.Equal(t, relay.DefaultRetryPolicy().MaxInterval, rc.Retry.MaxInterval)
}
