package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "userapi_queue", cfg.Broker.Queue)
	assert.Equal(t, 1, cfg.Broker.Prefetch)
	assert.Equal(t, 60*time.Second, cfg.Relay.ResultTTL)
	assert.Equal(t, "http://llm:8000/llm", cfg.LLM.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("RELAY_MAX_ATTEMPTS", "3")
	t.Setenv("RELAY_RESULT_TTL", "5s")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg := Load()

	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Relay.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Relay.ResultTTL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Security.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.Broker.Driver = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.Relay.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.Broker.Driver = DriverMemory
	cfg.Relay.EmbeddedWorker = false
	assert.Error(t, cfg.Validate())
}
