package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/trunov/imgpipe/internal/logging"
)

// cronLogger routes robfig/cron output into zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Start registers the discovery and status triggers and blocks until ctx is
// done. With RunOnStart both run once before the first trigger.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{l: logging.Component("cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	discover := func() { _, _ = s.Tick(ctx) }
	status := func() { _, _ = LogStatus(ctx, s.queue) }

	if _, err := c.AddFunc(s.cfg.DiscoverySchedule, discover); err != nil {
		return fmt.Errorf("discovery schedule %q: %w", s.cfg.DiscoverySchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.StatusSchedule, status); err != nil {
		return fmt.Errorf("status schedule %q: %w", s.cfg.StatusSchedule, err)
	}

	s.logger.Info().
		Str("discovery", s.cfg.DiscoverySchedule).
		Str("status", s.cfg.StatusSchedule).
		Int("chunk_size", s.cfg.ChunkSize).
		Msg("starting scheduler")

	if s.cfg.RunOnStart {
		discover()
		status()
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("stopped")
	return nil
}
