package redisholder

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/imgpipe/internal/config"
)

func redisConfig(t *testing.T, mr *miniredis.Miniredis) *config.RedisConfig {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return &config.RedisConfig{
		HealthCheckInterval: 10 * time.Millisecond,
		DialTimeout:         time.Second,
		ReadTimeout:         time.Second,
		WriteTimeout:        time.Second,
		PoolSize:            4,
		Nodes:               []config.RedisNode{{Host: mr.Host(), Port: port}},
	}
}

func TestBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	h, err := Build(context.Background(), redisConfig(t, mr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.NoError(t, h.Get().Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestBuild_NoNodes(t *testing.T) {
	_, err := Build(context.Background(), &config.RedisConfig{})
	assert.ErrorContains(t, err, "no nodes defined")
}

func TestHolder_SwapAcrossClientTypes(t *testing.T) {
	single := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	h := NewHolder(single)

	cluster := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{"127.0.0.1:1"}})
	old := h.swap(cluster)

	assert.Same(t, single, old)
	assert.Same(t, cluster, h.Get())
	assert.NoError(t, h.Close())
	_ = single.Close()
}

func TestCheck_ReconnectsAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := redisConfig(t, mr)

	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	h := NewHolder(dead)
	t.Cleanup(func() { _ = h.Close() })

	require.NoError(t, check(context.Background(), h, cfg))
	assert.NotSame(t, dead, h.Get())
	assert.NoError(t, h.Get().Ping(context.Background()).Err())
}

func TestHealthLoop_Stops(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := redisConfig(t, mr)
	h, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		HealthLoop(ctx, h, cfg)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("health loop did not stop")
	}
	assert.NoError(t, h.Get().Ping(context.Background()).Err(), "the loop leaves closing to the owner")
	assert.NoError(t, h.Close())
}
