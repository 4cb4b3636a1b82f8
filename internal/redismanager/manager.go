package redismanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseTimeout = 2 * time.Second

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type ClientSource interface {
	Get() redis.UniversalClient
}

// Manager hands out named leases stored under namespace. A lease expires on
// its own after ttl, so a crashed holder never blocks the others for long.
type Manager struct {
	clients   ClientSource
	namespace string
}

func NewManager(clients ClientSource, namespace string) *Manager {
	return &Manager{
		clients:   clients,
		namespace: namespace,
	}
}

func (m *Manager) key(name string) string { return m.namespace + ":lease:" + name }

// Acquire takes the lease if nobody holds it. The returned release func is
// safe to call after the lease expired or was taken over.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := m.clients.Get().SetNX(ctx, m.key(name), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		// on failure the ttl cleans up after us
		_ = releaseScript.Run(rctx, m.clients.Get(), []string{m.key(name)}, token).Err()
	}
	return release, true, nil
}

// Holder returns the token of the current lease holder, or "" when free.
func (m *Manager) Holder(ctx context.Context, name string) (string, error) {
	v, err := m.clients.Get().Get(ctx, m.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
