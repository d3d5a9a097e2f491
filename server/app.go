package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"mobileconnect/authn"
	"mobileconnect/cache"
	"mobileconnect/discovery"
	"mobileconnect/rest"
)

// App wires together the relying party components.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Discovery *discovery.Service
	Auth      *authn.Service
	Store     *InMemoryStore
	Sessions  *SessionManager
	Registry  *prometheus.Registry
	Metrics   *Metrics

	creds   discovery.Credentials
	closers []func() error
}

// NewApp constructs the application.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, closer, err := buildCache(ctx, cfg.Cache, cache.NewMetrics(reg), logger)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	client := rest.NewClient(httpClient, logger)
	sessionStore := NewInMemoryStore(nil)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Discovery: discovery.New(client, store, logger),
		Auth:      authn.New(client, logger, authn.WithHTTPClient(httpClient)),
		Store:     sessionStore,
		Sessions:  NewSessionManager(cfg, sessionStore, logger),
		Registry:  reg,
		Metrics:   NewMetrics(reg),
		creds: discovery.Credentials{
			ClientID:     cfg.MobileConnect.ClientID,
			ClientSecret: cfg.MobileConnect.ClientSecret,
			DiscoveryURL: cfg.MobileConnect.DiscoveryURL,
		},
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	logger.Info("relying party configured",
		"discovery_url", cfg.MobileConnect.DiscoveryURL,
		"cache", cfg.Cache.Backend,
		"verify_id_token", cfg.MobileConnect.VerifyIDToken)
	return app, nil
}

// Close releases the cache backend.
func (a *App) Close() error {
	var errs []error
	for _, fn := range a.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func buildCache(ctx context.Context, cfg CacheConfig, metrics *cache.Metrics, logger *slog.Logger) (cache.Store, func() error, error) {
	switch cfg.Backend {
	case CacheBackendNone:
		logger.Info("discovery cache disabled")
		return nil, nil, nil
	case CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		store, err := cache.NewRedis(cache.RedisConfig{Client: client, KeyPrefix: cfg.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		logger.Info("discovery cache ready", "backend", "redis", "addr", cfg.Redis.Addr)
		return cache.Instrumented(store, metrics), store.Close, nil
	default:
		store, err := cache.NewMemory(cfg.MaxEntries)
		if err != nil {
			return nil, nil, fmt.Errorf("create memory cache: %w", err)
		}
		logger.Info("discovery cache ready", "backend", "memory", "max_entries", cfg.MaxEntries)
		return cache.Instrumented(store, metrics), nil, nil
	}
}
