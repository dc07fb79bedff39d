package di

import (
	"context"
	"errors"
	"fmt"

	"capstone-brain/backend/ai"
	"capstone-brain/backend/internal/relay"
	"capstone-brain/backend/internal/repository"
	"capstone-brain/backend/internal/service"
	"capstone-brain/backend/pkg/broker"
	"capstone-brain/backend/pkg/cache"
	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/health"
	"capstone-brain/backend/pkg/jwt"
	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/pkg/secrets"
	sharedredis "capstone-brain/backend/shared/redis"

	"github.com/redis/go-redis/v9"
)

// JWTSecretKey is the secret name the signing key is read from
const JWTSecretKey = "jwt-secret"

// Container holds all the dependencies for the application
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Store    *repository.Store
	Redis    *redis.Client
	Broker   broker.Broker
	Results  relay.ResultStore
	Notifier relay.Notifier
	Secrets  secrets.Manager

	JWTService     *jwt.Service
	Authenticator  *service.Authenticator
	LLM            *ai.Client
	AccountService *service.AccountService
	ChatService    *service.ChatService
	Dispatcher     *relay.Dispatcher
	Relay          *relay.Relay
	Health         *health.Checker

	closers []func(ctx context.Context) error
}

// New connects every backend selected by cfg and builds the services on top.
// On error, whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (c *Container, err error) {
	c = &Container{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
			c = nil
		}
	}()

	if err = c.openStore(ctx); err != nil {
		return
	}
	if cfg.Relay.CacheDriver == config.DriverRedis {
		if c.Redis, err = sharedredis.NewClient(ctx, cfg); err != nil {
			return
		}
		c.onClose(func(context.Context) error { return c.Redis.Close() })
	}
	if err = c.openBroker(ctx); err != nil {
		return
	}
	c.openResults()

	if c.Secrets, err = newSecrets(cfg, log); err != nil {
		return
	}
	secret := c.Secrets.GetSecretWithDefault(ctx, JWTSecretKey, cfg.JWT.Secret)
	if secret == "" {
		err = errors.New("JWT secret is not configured")
		return
	}
	if c.JWTService, err = jwt.NewService(secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.Expiry); err != nil {
		return
	}

	c.LLM = ai.NewClient(ai.Config{
		URL:      cfg.LLM.URL,
		Prompt:   cfg.LLM.Prompt,
		Timeout:  cfg.LLM.Timeout,
		RetryMax: cfg.LLM.RetryMax,
	}, log)
	c.Authenticator = service.NewAuthenticator(c.JWTService, c.Store.Accounts)
	c.AccountService = service.NewAccountService(c.Store.Accounts, c.Store.Chats, c.JWTService, log)
	c.ChatService = service.NewChatService(c.Store.Chats, c.LLM, log)

	c.Dispatcher = relay.NewDispatcher()
	service.RegisterRelayHandlers(c.Dispatcher, c.ChatService)
	c.Relay = relay.New(RelayConfig(cfg), c.Broker, c.Results, c.Dispatcher, log)

	c.Health = health.NewChecker(log, 0)
	c.Health.RegisterPing("store", true, c.Store.Ping)
	c.Health.RegisterPing("broker", true, c.Broker.Ping)
	if c.Redis != nil {
		c.Health.RegisterPing("redis", true, func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		})
	}

	return c, nil
}

// RelayConfig derives the relay settings from cfg
func RelayConfig(cfg *config.Config) relay.Config {
	retry := relay.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Relay.MaxAttempts
	if cfg.Relay.InitialBackoff > 0 {
		retry.InitialInterval = cfg.Relay.InitialBackoff
	}
	if cfg.Relay.MaxBackoff > 0 {
		retry.MaxInterval = cfg.Relay.MaxBackoff
	}

	return relay.Config{
		Queue:        cfg.Broker.Queue,
		ResultTTL:    cfg.Relay.ResultTTL,
		PollDeadline: cfg.Relay.PollDeadline,
		Retention:    cfg.Relay.Retention,
		Retry:        retry,
	}
}

// NewConsumer builds a relay consumer reading from the container's broker
func (c *Container) NewConsumer() *relay.Consumer {
	return relay.NewConsumer(c.Relay, c.Broker, c.Authenticator, c.Notifier, c.Logger)
}

func (c *Container) openStore(ctx context.Context) error {
	switch c.Config.Store.Driver {
	case config.StoreMongo:
		client, db, err := config.NewMongo(ctx, c.Config)
		if err != nil {
			return err
		}
		c.onClose(client.Disconnect)
		c.Store, err = repository.NewMongoStore(ctx, db)
		return err

	default:
		db, err := config.NewDB(ctx, c.Config, c.Logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		c.onClose(func(context.Context) error { return sqlDB.Close() })
		c.Store, err = repository.NewGormStore(db)
		return err
	}
}

func (c *Container) openBroker(ctx context.Context) error {
	if c.Config.Broker.Driver == config.DriverMemory {
		c.Broker = broker.NewMemory()
	} else {
		queue := c.Config.Broker.Queue
		b, err := broker.NewAMQP(ctx, broker.AMQPConfig{
			URL:      c.Config.Broker.URL,
			Queues:   []string{queue, relay.DeadLetterQueueFor(queue)},
			Prefetch: c.Config.Broker.Prefetch,
		}, c.Logger)
		if err != nil {
			return err
		}
		c.Broker = b
	}
	c.onClose(func(context.Context) error { return c.Broker.Close() })
	return nil
}

func (c *Container) openResults() {
	if c.Redis != nil {
		c.Results = relay.NewRedisStore(c.Redis)
		c.Notifier = relay.NewRedisNotifier(c.Redis, c.Logger)
		return
	}

	results := cache.New(cache.Options{MaxItems: c.Config.Relay.CacheMaxItems})
	cleanupCtx, stop := context.WithCancel(context.Background())
	go results.RunCleanup(cleanupCtx)
	c.onClose(func(context.Context) error {
		stop()
		return nil
	})

	c.Results = relay.NewMemoryStore(results)
	c.Notifier = relay.NewMemoryNotifier()
}

func newSecrets(cfg *config.Config, log *logger.Logger) (secrets.Manager, error) {
	if !cfg.Vault.Enabled {
		return secrets.EnvManager{}, nil
	}
	m, err := secrets.NewVaultManager(secrets.VaultConfig{
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		Namespace:  cfg.Vault.Namespace,
		Mount:      cfg.Vault.Mount,
		Path:       cfg.Vault.Path,
		Timeout:    cfg.Vault.Timeout,
		MaxRetries: cfg.Vault.MaxRetries,
		CacheTTL:   cfg.Vault.CacheTTL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	return m, nil
}

func (c *Container) onClose(fn func(ctx context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close releases backends in reverse order of opening
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
