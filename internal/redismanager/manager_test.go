package redismanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/imgpipe/internal/redisholder"
)

func newManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return NewManager(redisholder.NewHolder(rc), "test:{convert}"), mr
}

func TestAcquire_Exclusive(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	release, ok, err := m.Acquire(ctx, "discovery", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:{convert}:lease:discovery"))

	_, ok, err = m.Acquire(ctx, "discovery", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	holder, err := m.Holder(ctx, "discovery")
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, ok, err = m.Acquire(ctx, "discovery", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease_KeepsForeignLease(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()

	release, ok, err := m.Acquire(ctx, "discovery", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = m.Acquire(ctx, "discovery", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is free again")
	current, err := m.Holder(ctx, "discovery")
	require.NoError(t, err)

	release()
	after, err := m.Holder(ctx, "discovery")
	require.NoError(t, err)
	assert.Equal(t, current, after, "stale release must not drop the new holder")
}
