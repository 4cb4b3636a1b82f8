package scheduler

import (
	"context"
	"math"

	"github.com/trunov/imgpipe/internal/queue"
)

type Counter interface {
	Snapshot(ctx context.Context) (queue.Snapshot, error)
}

// Gate holds discovery back while the waiting backlog is above
// floor(chunk*factor). It reads fresh counters on every call.
type Gate struct {
	counter Counter
	limit   int64
}

func NewGate(c Counter, chunk int, factor float64) *Gate {
	return &Gate{counter: c, limit: int64(math.Floor(float64(chunk) * factor))}
}

func (g *Gate) Limit() int64 { return g.limit }

// Admit returns false when the backlog is too large or the counters could not
// be read.
func (g *Gate) Admit(ctx context.Context) (bool, queue.Snapshot, error) {
	snap, err := g.counter.Snapshot(ctx)
	if err != nil {
		return false, snap, err
	}
	return snap.Waiting <= g.limit, snap, nil
}
