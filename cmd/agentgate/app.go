package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pario-ai/agentgate/pkg/cache"
	cacheredis "github.com/pario-ai/agentgate/pkg/cache/redis"
	cachesqlite "github.com/pario-ai/agentgate/pkg/cache/sqlite"
	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/gateway"
	"github.com/pario-ai/agentgate/pkg/logging"
	"github.com/pario-ai/agentgate/pkg/metrics"
	"github.com/pario-ai/agentgate/pkg/policy"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
	limitredis "github.com/pario-ai/agentgate/pkg/ratelimit/redis"
	limitsqlite "github.com/pario-ai/agentgate/pkg/ratelimit/sqlite"
	"github.com/pario-ai/agentgate/pkg/sweeper"
)

const defaultConfigPath = "agentgate.yaml"

// app is the composition root shared by every command.
type app struct {
	provider *config.Provider
	logger   *zap.Logger
	registry *prometheus.Registry
	store    cache.Store
	limiter  *ratelimit.Limiter
	gateway  *gateway.Gateway
	sweeper  *sweeper.Sweeper
	closers  []func() error
}

// loadConfig reads path. The default path may be absent, in which case
// built-in defaults apply.
func loadConfig(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, "", fmt.Errorf("load config: %w", err)
}

func newApp(configPath string) (*app, error) {
	cfg, watchPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		provider: config.NewProvider(cfg, watchPath, logger),
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	windows, err := a.openStores(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	m := metrics.New(a.registry)
	a.limiter = ratelimit.New(windows, a.provider, ratelimit.WithLogger(logger))
	a.gateway = gateway.New(a.store, a.limiter, policy.New(a.provider),
		gateway.WithMetrics(m), gateway.WithLogger(logger))
	a.sweeper = sweeper.New(a.store, a.limiter, cfg.Sweeper.Interval, cfg.Sweeper.WindowRetention,
		sweeper.WithMetrics(m), sweeper.WithLogger(logger))
	return a, nil
}

// openStores opens the cache and window stores for the configured backend.
func (a *app) openStores(cfg *config.Config) (ratelimit.WindowStore, error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Redis.Addr, err)
		}
		// Both stores share the client; it is closed once above.
		a.store = cacheredis.New(client)
		return limitredis.New(client, limitredis.WithRetention(cfg.Sweeper.WindowRetention)), nil

	default:
		c, err := cachesqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		a.store = c

		w, err := limitsqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		return w, nil
	}
}

// Close releases stores in reverse order of opening and flushes the logger.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
