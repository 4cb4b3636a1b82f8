package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/discovery"
	"github.com/trunov/imgpipe/internal/logging"
	"github.com/trunov/imgpipe/internal/reporter"
)

type Discoverer interface {
	ListPending(ctx context.Context, cursor string, limit int) (discovery.Page, error)
}

type Queue interface {
	Counter
	Enqueue(ctx context.Context, key string) (bool, error)
	HasPending(ctx context.Context, key string) (bool, error)
}

type Ledger interface {
	IsConverted(ctx context.Context, sourceKey string) (bool, error)
}

// Lease keeps replicas sharing one queue from discovering at the same time.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

const (
	leaseName       = "discovery"
	defaultLeaseTTL = 10 * time.Minute
)

// TickResult summarises one discovery pass.
type TickResult struct {
	Added     int
	Pending   int // already waiting, active or delayed
	Converted int // ledger holds a success or pending upload
	Scanned   int
	Pages     int
	Skipped   bool // guard held or gate closed
}

// Scheduler periodically lists the source bucket and enqueues keys that have
// neither a queued job nor a converted record. At most one tick runs at
// a time and a tick adds at most ChunkSize jobs.
type Scheduler struct {
	source   Discoverer
	queue    Queue
	ledger   Ledger
	gate     *Gate
	lease    Lease
	cfg      config.SchedulerConfig
	reporter reporter.Reporter
	logger   zerolog.Logger

	running atomic.Bool
}

func New(src Discoverer, q Queue, l Ledger, cfg config.SchedulerConfig, rep reporter.Reporter) *Scheduler {
	if rep == nil {
		rep = reporter.Nop{}
	}
	return &Scheduler{
		source:   src,
		queue:    q,
		ledger:   l,
		gate:     NewGate(q, cfg.ChunkSize, cfg.BackpressureFactor),
		cfg:      cfg,
		reporter: rep,
		logger:   logging.Component("scheduler"),
	}
}

// UseLease makes every tick also hold a cluster-wide lease.
func (s *Scheduler) UseLease(l Lease) {
	s.lease = l
}

func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info().Msg("previous tick still running, skipped")
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}

	if s.lease != nil {
		ttl := s.cfg.TickTimeout
		if ttl <= 0 {
			ttl = defaultLeaseTTL
		}
		release, held, err := s.lease.Acquire(ctx, leaseName, ttl)
		if err != nil {
			return TickResult{Skipped: true}, s.fail(err)
		}
		if !held {
			s.logger.Info().Msg("another instance is discovering, skipped")
			return TickResult{Skipped: true}, nil
		}
		defer release()
	}

	ok, snap, err := s.gate.Admit(ctx)
	if err != nil {
		return TickResult{Skipped: true}, s.fail(fmt.Errorf("backpressure check: %w", err))
	}
	s.logger.Info().Int64("waiting", snap.Waiting).Int64("limit", s.gate.Limit()).Msg("backlog checked")
	if !ok {
		s.logger.Warn().Int64("waiting", snap.Waiting).Msg("too many jobs waiting, skipped")
		return TickResult{Skipped: true}, nil
	}

	started := time.Now()
	res, err := s.discover(ctx)
	if err != nil {
		return res, s.fail(err)
	}

	ev := s.logger.Info().
		Int("added", res.Added).
		Int("pending", res.Pending).
		Int("converted", res.Converted).
		Int("scanned", res.Scanned).
		Int("pages", res.Pages).
		Dur("took", time.Since(started))
	if res.Added == 0 {
		ev.Msg("no new images found")
	} else {
		ev.Msg("images enqueued")
	}
	return res, nil
}

func (s *Scheduler) discover(ctx context.Context) (TickResult, error) {
	var res TickResult
	chunk := s.cfg.ChunkSize
	cursor := ""

	for {
		page, err := s.source.ListPending(ctx, cursor, chunk)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Scanned += page.Scanned

		for _, key := range page.Keys {
			if res.Added >= chunk {
				break
			}
			if err := s.consider(ctx, key, &res); err != nil {
				return res, err
			}
		}

		if page.Scanned < chunk || page.Next == "" || res.Added >= chunk {
			return res, nil
		}
		cursor = page.Next
	}
}

func (s *Scheduler) consider(ctx context.Context, key string, res *TickResult) error {
	pending, err := s.queue.HasPending(ctx, key)
	if err != nil {
		return err
	}
	if pending {
		res.Pending++
		return nil
	}

	done, err := s.ledger.IsConverted(ctx, key)
	if err != nil {
		return fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	if done {
		res.Converted++
		return nil
	}

	added, err := s.queue.Enqueue(ctx, key)
	if err != nil {
		return err
	}
	if added {
		res.Added++
	} else {
		res.Pending++
	}
	return nil
}

func (s *Scheduler) fail(err error) error {
	s.logger.Error().Err(err).Msg("tick failed")
	s.reporter.Report(err, map[string]string{"component": "scheduler"})
	return err
}
