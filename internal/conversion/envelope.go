package conversion

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/trunov/imgpipe/internal/entities"
	"github.com/trunov/imgpipe/internal/logging"
	"github.com/trunov/imgpipe/internal/objstore"
	"github.com/trunov/imgpipe/internal/queue"
	"github.com/trunov/imgpipe/internal/repository/ledger"
	"github.com/trunov/imgpipe/internal/transform"
)

// ErrDeadline is recorded when an attempt outlives MaxProcessing.
var ErrDeadline = errors.New("processing deadline exceeded")

const defaultRecordTimeout = 5 * time.Second

type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type Destination interface {
	Upload(ctx context.Context, key, contentType string, payload []byte) (objstore.UploadResult, error)
}

type Transformer interface {
	Transform(data []byte) (transform.Result, error)
}

type Ledger interface {
	Append(ctx context.Context, rec *entities.Record) error
	IsConverted(ctx context.Context, sourceKey string) (bool, error)
}

type Options struct {
	MaxProcessing time.Duration
	DeleteSource  bool
	// KeyPrefix is prepended to every destination key.
	KeyPrefix string
	// RecordTimeout bounds the error record write that follows a failed attempt.
	RecordTimeout time.Duration
}

// Envelope runs one conversion attempt: fetch, transform, upload, record.
// It implements queue.Handler.
type Envelope struct {
	src    Source
	dst    Destination
	tr     Transformer
	ledger Ledger
	opts   Options
	logger zerolog.Logger
}

func New(src Source, dst Destination, tr Transformer, l Ledger, opts Options) *Envelope {
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = defaultRecordTimeout
	}
	return &Envelope{
		src:    src,
		dst:    dst,
		tr:     tr,
		ledger: l,
		opts:   opts,
		logger: logging.Component("envelope"),
	}
}

type attemptResult struct {
	rec *entities.Record
	err error
}

func (e *Envelope) Handle(ctx context.Context, job queue.ConvertJob) queue.Outcome {
	logger := e.logger.With().Str("key", job.ObjectKey).Int("attempt", job.Attempt).Logger()

	runCtx := ctx
	cancel := func() {}
	if e.opts.MaxProcessing > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.MaxProcessing)
	}
	defer cancel()

	// Buffered so an abandoned attempt can still finish and exit.
	results := make(chan attemptResult, 1)
	go func() {
		rec, err := e.run(runCtx, job)
		results <- attemptResult{rec: rec, err: err}
	}()

	var err error
	select {
	case r := <-results:
		err = r.err
		if err == nil && r.rec == nil {
			logger.Debug().Msg("already converted, skipping")
			return queue.Success()
		}
		if err == nil {
			logger.Info().
				Str("status", string(r.rec.Status)).
				Int64("size", r.rec.Size).
				Msg("converted")
			return queue.Success()
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// shutdown, the pool leaves the job for reclaim
			return queue.Retry(ctx.Err())
		}
		err = fmt.Errorf("%s: %w after %s", job.ObjectKey, ErrDeadline, e.opts.MaxProcessing)
	}

	e.recordFailure(ctx, job, err)

	if errors.Is(err, transform.ErrUnsupported) {
		return queue.Fail(err)
	}
	return queue.Retry(err)
}

// run returns a nil record when an earlier attempt already converted the key.
func (e *Envelope) run(ctx context.Context, job queue.ConvertJob) (*entities.Record, error) {
	key := job.ObjectKey

	done, err := e.ledger.IsConverted(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	if done {
		return nil, nil
	}

	data, err := e.src.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	res, err := e.tr.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	up, err := e.dst.Upload(ctx, e.opts.KeyPrefix+DestinationKey(key), res.MimeType, res.Data)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	status := entities.StatusSuccess
	if up.Action != "" && up.Action != "upload" {
		status = entities.StatusPending
	}
	rec := &entities.Record{
		SourceKey:      key,
		DestinationID:  &up.ID,
		DestinationRef: &up.Ref,
		Size:           int64(len(res.Data)),
		MimeType:       &res.MimeType,
		Width:          res.Width,
		Height:         res.Height,
		Status:         status,
		Attempt:        job.Attempt,
	}
	if err := e.ledger.Append(ctx, rec); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateSuccess) {
			return nil, fmt.Errorf("record %s: %w", key, err)
		}
		e.logger.Debug().Str("key", key).Msg("success already recorded by another attempt")
	}

	if e.opts.DeleteSource && status == entities.StatusSuccess {
		if err := e.src.Delete(ctx, key); err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("source delete failed")
		}
	}
	return rec, nil
}

// recordFailure writes the error row on a context detached from the
// attempt's deadline.
func (e *Envelope) recordFailure(ctx context.Context, job queue.ConvertJob, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RecordTimeout)
	defer cancel()

	msg := cause.Error()
	rec := &entities.Record{
		SourceKey: job.ObjectKey,
		Status:    entities.StatusError,
		Attempt:   job.Attempt,
		Error:     &msg,
	}
	if err := e.ledger.Append(wctx, rec); err != nil {
		e.logger.Error().Err(err).Str("key", job.ObjectKey).Msg("failed to record error")
	}
}

// DestinationKey maps "dir/name.jpg" to "dir/name.webp".
func DestinationKey(sourceKey string) string {
	return strings.TrimSuffix(sourceKey, path.Ext(sourceKey)) + ".webp"
}
