package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/cmd/migrate"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/conversion"
	"github.com/trunov/imgpipe/internal/discovery"
	"github.com/trunov/imgpipe/internal/objstore"
	"github.com/trunov/imgpipe/internal/queue"
	"github.com/trunov/imgpipe/internal/redisholder"
	"github.com/trunov/imgpipe/internal/redismanager"
	"github.com/trunov/imgpipe/internal/reporter"
	"github.com/trunov/imgpipe/internal/repository/ledger"
	"github.com/trunov/imgpipe/internal/scheduler"
	"github.com/trunov/imgpipe/internal/transform"
	"github.com/trunov/imgpipe/internal/transport/handler"
	"github.com/trunov/imgpipe/internal/transport/router"
	use_case "github.com/trunov/imgpipe/internal/use-case"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// ledgerStore is what the envelope and the HTTP surface need from the ledger.
type ledgerStore interface {
	conversion.Ledger
	use_case.Storage
}

type App struct {
	HttpServer *http.Server

	cfg       *config.Config
	redis     *redisholder.Holder
	db        *pgxpool.Pool
	queue     *queue.RedisQueue
	pool      *queue.Pool
	scheduler *scheduler.Scheduler
}

// New connects every collaborator. Any failure here is fatal: the pipeline
// does not run degraded.
func New(ctx context.Context, cfg *config.Config, rep reporter.Reporter) (*App, error) {
	if err := migrate.Migrate(ctx, cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := ledger.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}
	repo := ledger.New(db)

	holder, err := redisholder.Build(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{cfg: cfg, redis: holder, db: db}
	if err := a.build(ctx, repo, rep); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, repo ledgerStore, rep reporter.Reporter) error {
	cfg := a.cfg

	source, err := objstore.New(ctx, &cfg.Source)
	if err != nil {
		return fmt.Errorf("source store: %w", err)
	}
	if err := source.Ensure(ctx, cfg.Source.CreateBucket); err != nil {
		return fmt.Errorf("source store: %w", err)
	}

	destination, err := objstore.New(ctx, &cfg.Destination)
	if err != nil {
		return fmt.Errorf("destination store: %w", err)
	}
	if err := destination.Ensure(ctx, false); err != nil {
		return fmt.Errorf("destination store: %w", err)
	}

	a.queue = queue.NewRedisQueue(a.redis, cfg.Queue)

	converter := transform.NewConverter(transform.Options{
		MaxWidth:  cfg.Transform.MaxWidth,
		Quality:   cfg.Transform.Quality,
		Lossless:  cfg.Transform.Lossless,
		MaxPixels: cfg.Transform.MaxPixels,
	})
	envelope := conversion.New(source, destination, converter, repo, conversion.Options{
		MaxProcessing: cfg.Queue.MaxProcessing,
		DeleteSource:  cfg.Scheduler.DeleteSourceOnSuccess,
		KeyPrefix:     cfg.Destination.Prefix,
	})
	a.pool = queue.NewPool(a.queue, envelope, cfg.Queue, rep)

	a.scheduler = scheduler.New(
		discovery.NewSource(source, outputPrefix(cfg)),
		a.queue, repo, cfg.Scheduler, rep,
	)
	a.scheduler.UseLease(redismanager.NewManager(a.redis, cfg.Queue.Prefix))

	uc := use_case.New(repo, source, destination, a.queue)
	h := handler.New(uc, cfg)
	a.HttpServer = &http.Server{
		Handler:      router.NewRouter(h),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return nil
}

// outputPrefix is excluded from discovery when converted images land in the
// source bucket itself.
func outputPrefix(cfg *config.Config) string {
	if cfg.Source.Endpoint == cfg.Destination.Endpoint && cfg.Source.BucketName == cfg.Destination.BucketName {
		return cfg.Destination.Prefix
	}
	return ""
}

// Run starts every component and blocks until ctx is done or one of them
// fails, then shuts the rest down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		redisholder.HealthLoop(gctx, a.redis, &a.cfg.Redis)
		return nil
	})
	g.Go(func() error {
		a.queue.RunMaintenance(gctx)
		return nil
	})
	g.Go(func() error {
		return a.pool.Start(gctx)
	})
	g.Go(func() error {
		return a.scheduler.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", a.HttpServer.Addr).Msg("starting server")
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.HttpServer.Shutdown(sctx)
	})

	err := g.Wait()
	log.Info().Msg("all components stopped")
	return err
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// OpenQueue connects only to Redis, for the CLI commands that inspect or
// feed the queue.
func OpenQueue(ctx context.Context, cfg *config.Config) (*queue.RedisQueue, func(), error) {
	holder, err := redisholder.Build(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewRedisQueue(holder, cfg.Queue), func() { _ = holder.Close() }, nil
}
