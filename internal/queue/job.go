package queue

import (
	"context"
	"time"
)

// ConvertJob is one unit of conversion work. The object key doubles as the
// job identity: at most one job per key is waiting, delayed or active.
// No bytes here, workers fetch by ObjectKey.
type ConvertJob struct {
	ObjectKey  string    `json:"object_key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"` // 1-based
}

// Delivery is a job handed to a worker together with its stream entry.
type Delivery struct {
	MessageID string
	Job       ConvertJob
}

type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	Retryable
	Terminal
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "success"
	case Retryable:
		return "retry"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is what a handler tells the pool about a finished attempt.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome        { return Outcome{Kind: Succeeded} }
func Retry(err error) Outcome { return Outcome{Kind: Retryable, Err: err} }
func Fail(err error) Outcome  { return Outcome{Kind: Terminal, Err: err} }

// Snapshot is a point-in-time view of the queue counters.
type Snapshot struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Handler runs one attempt of a job.
type Handler interface {
	Handle(ctx context.Context, job ConvertJob) Outcome
}

type HandlerFunc func(ctx context.Context, job ConvertJob) Outcome

func (f HandlerFunc) Handle(ctx context.Context, job ConvertJob) Outcome { return f(ctx, job) }

// Engine is the job store the pool pulls from.
type Engine interface {
	EnsureGroup(ctx context.Context) error
	// Next blocks up to the engine's block timeout. It returns nil, nil when
	// nothing was dispatched.
	Next(ctx context.Context) (*Delivery, error)
	// Reclaim takes over deliveries left unacknowledged for at least minIdle.
	Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error)
	// Recover re-publishes jobs stuck waiting or active for olderThan whose
	// delivery was lost, and returns how many it re-published.
	Recover(ctx context.Context, olderThan time.Duration) (int, error)
	Complete(ctx context.Context, d Delivery) error
	// Retry schedules the job again after delay. It returns false when the
	// attempt ceiling was reached and the job was moved to the failed set.
	Retry(ctx context.Context, d Delivery, delay time.Duration, cause error) (bool, error)
	Fail(ctx context.Context, d Delivery, cause error) error
	Ack(ctx context.Context, d Delivery) error
}
