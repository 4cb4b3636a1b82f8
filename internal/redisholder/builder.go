package redisholder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/internal/config"
)

const pingTimeout = 2 * time.Second

// Build connects to the configured nodes, cluster first, then each node as a
// standalone server. It fails when no node answers.
func Build(ctx context.Context, cfg *config.RedisConfig) (*Holder, error) {
	cl, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewHolder(cl), nil
}

func connect(ctx context.Context, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	cl, err := newClusterClient(ctx, cfg)
	if err == nil {
		return cl, nil
	}
	clusterErr := err

	single, err := newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	log.Info().Err(clusterErr).Str("component", "redis").Msg("cluster client failed, using single-node client")
	return single, nil
}

// HealthLoop pings every HealthCheckInterval and rebuilds the client when a
// ping fails. The owner closes the holder once every user has stopped.
func HealthLoop(ctx context.Context, h *Holder, cfg *config.RedisConfig) {
	logger := log.With().Str("component", "redis").Logger()
	logger.Info().Dur("interval", cfg.HealthCheckInterval).Msg("health loop started")

	t := time.NewTicker(cfg.HealthCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Err(ctx.Err()).Msg("health loop stopped")
			return
		case <-t.C:
			if err := check(ctx, h, cfg); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("reconnect failed")
			}
		}
	}
}

// check pings the current client and swaps in a fresh one if the ping fails.
func check(ctx context.Context, h *Holder, cfg *config.RedisConfig) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := h.Get().Ping(pingCtx).Err()
	cancel()
	if err == nil {
		log.Debug().Str("component", "redis").Msg("ping ok")
		return nil
	}
	log.Warn().Err(err).Str("component", "redis").Msg("ping failed, attempting reconnect")

	newCl, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	if old := h.swap(newCl); old != nil {
		_ = old.Close()
	}
	log.Info().Str("component", "redis").Msg("reconnected")
	return nil
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 1 {
		return nil, errors.New("no nodes defined")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := cl.Ping(pingCtx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}
	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := cl.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", node.Addr(), err)
			continue
		}
		return cl, nil
	}

	return nil, stickyErr
}
