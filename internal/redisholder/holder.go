package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// box gives atomic.Pointer one concrete type whether the client is a
// *redis.Client or a *redis.ClusterClient.
type box struct {
	c redis.UniversalClient
}

// Holder owns the current client. Readers call Get on every use so a
// reconnect is picked up without restarting anything.
type Holder struct {
	v atomic.Pointer[box]
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.v.Store(&box{c: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	if b := h.v.Load(); b != nil {
		return b.c
	}
	return nil
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	if b := h.v.Swap(&box{c: newc}); b != nil {
		old = b.c
	}
	return old
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
