package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/broker"
	"github.com/vovakirdan/wiregate/internal/broker/memory"
	brokerredis "github.com/vovakirdan/wiregate/internal/broker/redis"
	"github.com/vovakirdan/wiregate/internal/cache"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/directory"
	"github.com/vovakirdan/wiregate/internal/store"
	"github.com/vovakirdan/wiregate/internal/store/postgres"
	"github.com/vovakirdan/wiregate/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wiregate/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	gateway         *core.Gateway
	broker          *broker.Broker
	store           store.Store
	// redis is set when only the cache holds the shared client.
	redis *goredis.Client
	log   *zerolog.Logger

	// cancelBase ends the parent context of every websocket connection.
	cancelBase context.CancelFunc
}

// OpenStore opens the configured identity and content store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.URL)
	default:
		return sqlite.New(cfg.Path)
	}
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	redisOpts := brokerredis.Options{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	}
	var redisClient *goredis.Client
	shared := func() *goredis.Client {
		if redisClient == nil {
			redisClient = brokerredis.NewClient(redisOpts)
		}
		return redisClient
	}

	var transport broker.Transport
	switch cfg.Broker.Transport {
	case "memory":
		transport = memory.New()
	default:
		transport = brokerredis.New(shared())
	}
	b := broker.New(transport, broker.Options{
		ReconnectAttempts:   cfg.Broker.ReconnectAttempts,
		ReconnectInitial:    cfg.Broker.ReconnectInitial,
		ReconnectMax:        cfg.Broker.ReconnectMax,
		ReconnectMaxElapsed: cfg.Broker.ReconnectMaxElapsed,
		BreakerFailures:     cfg.Broker.BreakerFailures,
		BreakerTimeout:      cfg.Broker.BreakerTimeout,
		Buffer:              cfg.Broker.Buffer,
	}, logger)
	logger.Info().Str("transport", cfg.Broker.Transport).Str("redis", redisOpts.Addr()).Msg("broker initialized")

	var c cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		c = cache.NewRedis(shared(), "wiregate:")
	default:
		c = cache.NewMemory()
	}
	dir := directory.New(st, st, c, cfg.Cache.IdentityTTL, cfg.Cache.ListingTTL, logger)

	gw := core.NewGateway(b, dir, core.Options{
		SendBuffer:   cfg.WS.SendBuffer,
		WriteTimeout: cfg.WS.WriteTimeout,
		GracePeriod:  cfg.WS.GracePeriod,
		RateLimit:    cfg.WS.RateLimit,
		RateBurst:    cfg.WS.RateBurst,
	}, logger)

	authService := auth.NewService(st, JWTConfig(cfg.JWT))

	server := transporthttp.NewServer(transporthttp.Deps{
		Gateway: gw,
		Health:  b,
		Auth:    authService,
		Posts:   st,
		Content: dir,
	}, cfg, logger)

	base, cancelBase := context.WithCancel(context.Background())
	server.BaseContext = func(net.Listener) context.Context { return base }

	a := &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		gateway:         gw,
		broker:          b,
		store:           st,
		log:             logger,
		cancelBase:      cancelBase,
	}
	if cfg.Broker.Transport == "memory" {
		a.redis = redisClient
	}
	return a, nil
}

// JWTConfig converts the jwt config section.
func JWTConfig(cfg config.JWTConfig) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.Secret),
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		TTL:      cfg.TTL,
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("starting wiregate server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cancelBase()
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not covered by Shutdown.
		a.cancelBase()
		a.drain(shutdownCtx)

		a.cleanup()
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

// drain waits for live connections to finish teardown.
func (a *App) drain(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for a.gateway.Manager().Count() > 0 {
		select {
		case <-ctx.Done():
			a.log.Warn().Int("connections", a.gateway.Manager().Count()).Msg("shutdown timeout with live connections")
			return
		case <-ticker.C:
		}
	}
}

// cleanup releases the broker and store connections.
func (a *App) cleanup() {
	if err := a.broker.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close broker")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
