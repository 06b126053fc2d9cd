// Package connect opens the bus backend named in configuration.
package connect

import (
	"context"
	"fmt"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus"
	"github.com/SirClappington/enqworker/internal/bus/membus"
	"github.com/SirClappington/enqworker/internal/bus/natsbus"
	"github.com/SirClappington/enqworker/internal/bus/redisbus"
	"github.com/SirClappington/enqworker/internal/config"
)

// Open connects to cfg.BusBackend and verifies it with Ping.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (bus.Backend, error) {
	logger = logger.With(zap.String("backend", cfg.BusBackend))

	var b bus.Backend
	switch cfg.BusBackend {
	case config.BackendRedis:
		rdb := r.NewClient(&r.Options{
			Addr:                  cfg.RedisAddr,
			Password:              cfg.RedisPassword,
			DB:                    cfg.RedisDB,
			ContextTimeoutEnabled: true,
		})
		b = redisbus.New(rdb, redisbus.WithLogger(logger))
	case config.BackendNATS:
		nb, err := natsbus.Connect(cfg.NATSURL, natsbus.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b = nb
	case config.BackendMemory:
		b = membus.New(membus.WithLogger(logger))
	default:
		return nil, fmt.Errorf("connect: unknown backend %q", cfg.BusBackend)
	}

	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	logger.Info("bus connected")
	return b, nil
}
