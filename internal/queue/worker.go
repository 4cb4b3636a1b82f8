package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/logging"
	"github.com/trunov/imgpipe/internal/reporter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	minReclaimIdle = 30 * time.Second
	errorPause     = time.Second
)

// Pool runs Workers goroutines that pull jobs from the engine, at most
// RateLimit dispatches per RateWindow across the whole pool.
type Pool struct {
	engine   Engine
	handler  Handler
	cfg      config.QueueConfig
	backoff  Backoff
	limiter  *rate.Limiter
	reporter reporter.Reporter
	logger   zerolog.Logger

	reclaimed chan Delivery
	// inflight holds message ids queued in reclaimed or being handled, so a
	// sweep never hands out a delivery this pool already holds.
	inflight sync.Map
}

func NewPool(engine Engine, handler Handler, cfg config.QueueConfig, rep reporter.Reporter) *Pool {
	if rep == nil {
		rep = reporter.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		engine:   engine,
		handler:  handler,
		cfg:      cfg,
		backoff:  Backoff{Base: cfg.BackoffBase, Multiplier: cfg.BackoffMultiplier},
		limiter:  newLimiter(cfg.RateLimit, cfg.RateWindow),
		reporter: rep,
		logger:   logging.Component("worker-pool"),
	}
}

// newLimiter spaces dispatches window/limit apart with no burst, so any
// window-long span holds at most limit of them.
func newLimiter(limit int, window time.Duration) *rate.Limiter {
	if limit <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}

// Start blocks until ctx is done or a worker fails. In-flight jobs interrupted
// by shutdown are left unacknowledged for a later reclaim.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.engine.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure consumer group: %w", err)
	}

	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Int("rate_limit", p.cfg.RateLimit).
		Dur("rate_window", p.cfg.RateWindow).
		Dur("max_processing", p.cfg.MaxProcessing).
		Msg("starting")

	// Orphans left by a previous run go first
	stale := p.sweep(ctx)
	p.reclaimed = make(chan Delivery, len(stale)+p.cfg.Workers)
	for _, d := range stale {
		if p.hold(d) {
			p.reclaimed <- d
		}
	}
	p.logger.Info().Int("reclaimed", len(stale)).Msg("reclaim complete, entering loop")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			p.logger.Debug().Int("worker", id).Msg("worker started")
			err := p.loop(gctx, id)
			p.logger.Debug().Int("worker", id).Err(err).Msg("worker stopped")
			return err
		})
	}
	g.Go(func() error {
		p.reclaimLoop(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker loop exited with error: %w", err)
	}
	p.logger.Info().Msg("stopped")
	return nil
}

// reclaimIdle must exceed the longest legitimate run so live jobs are not
// stolen from a slow worker.
func (p *Pool) reclaimIdle() time.Duration {
	idle := 2 * p.cfg.MaxProcessing
	if idle < minReclaimIdle {
		idle = minReclaimIdle
	}
	return idle
}

func (p *Pool) reclaimInterval() time.Duration {
	if p.cfg.ReclaimInterval > 0 {
		return p.cfg.ReclaimInterval
	}
	return p.reclaimIdle() / 2
}

// reclaimLoop keeps adopting deliveries that crashed or failed to settle
// while the pool runs, and hands them to the next idle worker.
func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, d := range p.sweep(ctx) {
			if !p.hold(d) {
				continue
			}
			select {
			case p.reclaimed <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// hold marks d as owned by this pool. It reports false when it already was.
func (p *Pool) hold(d Delivery) bool {
	_, loaded := p.inflight.LoadOrStore(d.MessageID, struct{}{})
	return !loaded
}

// sweep reclaims unacknowledged deliveries idle past reclaimIdle and
// re-publishes jobs whose delivery was lost.
func (p *Pool) sweep(ctx context.Context) []Delivery {
	idle := p.reclaimIdle()

	stale, err := p.engine.Reclaim(ctx, idle)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("reclaim failed")
	}

	n, err := p.engine.Recover(ctx, idle)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("recover failed")
	}
	if n > 0 {
		p.logger.Warn().Int("jobs", n).Msg("re-published jobs with lost deliveries")
	}
	if len(stale) > 0 {
		p.logger.Info().Int("jobs", len(stale)).Msg("reclaimed unacknowledged jobs")
	}
	return stale
}

func (p *Pool) loop(ctx context.Context, id int) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		d, ok := p.next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			continue
		}
		p.handle(ctx, id, d)
	}
}

// next prefers reclaimed deliveries, then reads new work from the engine.
func (p *Pool) next(ctx context.Context) (Delivery, bool) {
	select {
	case d := <-p.reclaimed:
		return d, true
	default:
	}

	d, err := p.engine.Next(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("read failed")
			sleep(ctx, errorPause)
		}
		return Delivery{}, false
	}
	if d == nil {
		return Delivery{}, false
	}
	p.hold(*d)
	return *d, true
}

func (p *Pool) handle(ctx context.Context, worker int, d Delivery) {
	logger := p.logger.With().
		Int("worker", worker).
		Str("key", d.Job.ObjectKey).
		Int("attempt", d.Job.Attempt).
		Logger()

	defer p.inflight.Delete(d.MessageID)

	started := time.Now()
	outcome := p.handler.Handle(ctx, d.Job)
	if ctx.Err() != nil {
		logger.Warn().Msg("shutdown during job, leaving it for reclaim")
		return
	}

	switch outcome.Kind {
	case Succeeded:
		if err := p.engine.Complete(ctx, d); err != nil {
			logger.Error().Err(err).Msg("complete failed")
			return
		}
		logger.Info().Dur("took", time.Since(started)).Msg("job completed")

	case Retryable:
		delay := p.backoff.Delay(d.Job.Attempt)
		retried, err := p.engine.Retry(ctx, d, delay, outcome.Err)
		if err != nil {
			logger.Error().Err(err).Msg("retry scheduling failed")
			return
		}
		if retried {
			logger.Warn().Err(outcome.Err).Dur("retry_in", delay).Msg("job failed, retry scheduled")
		} else {
			logger.Error().Err(outcome.Err).Int("max_attempts", p.cfg.MaxAttempts).Msg("job failed, attempts exhausted")
			p.report(d, outcome.Err)
		}

	case Terminal:
		if err := p.engine.Fail(ctx, d, outcome.Err); err != nil {
			logger.Error().Err(err).Msg("fail failed")
			return
		}
		logger.Error().Err(outcome.Err).Msg("job failed permanently")
		p.report(d, outcome.Err)
	}

	if err := p.engine.Ack(ctx, d); err != nil {
		logger.Warn().Err(err).Msg("ack failed")
	}
}

func (p *Pool) report(d Delivery, err error) {
	p.reporter.Report(fmt.Errorf("convert %s: %w", d.Job.ObjectKey, err), map[string]string{
		"object_key": d.Job.ObjectKey,
		"attempt":    fmt.Sprint(d.Job.Attempt),
	})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
