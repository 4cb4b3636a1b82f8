package use_case

import (
	"context"
	"errors"
	"fmt"

	"github.com/trunov/imgpipe/internal/entities"
	"github.com/trunov/imgpipe/internal/objstore"
	"github.com/trunov/imgpipe/internal/queue"
	"github.com/trunov/imgpipe/internal/repository/ledger"
	"github.com/trunov/imgpipe/internal/transport/handler"
)

type Storage interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, id string) (entities.Record, error)
	List(ctx context.Context, sourceKey string, limit, offset int) ([]entities.Record, error)
	Delete(ctx context.Context, id string) error
}

type SourceStorage interface {
	Upload(ctx context.Context, key, contentType string, payload []byte) (objstore.UploadResult, error)
	Delete(ctx context.Context, key string) error
}

type DestinationStorage interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

type JobQueue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, key string) (bool, error)
	Snapshot(ctx context.Context) (queue.Snapshot, error)
}

type useCase struct {
	storage     Storage
	source      SourceStorage
	destination DestinationStorage
	wqueue      JobQueue
}

func New(storage Storage, source SourceStorage, destination DestinationStorage, wqueue JobQueue) *useCase {
	return &useCase{
		storage:     storage,
		source:      source,
		destination: destination,
		wqueue:      wqueue,
	}
}

func (c *useCase) ListImages(ctx context.Context, sourceKey string, limit, offset int) ([]entities.Record, error) {
	return c.storage.List(ctx, sourceKey, limit, offset)
}

func (c *useCase) GetImage(ctx context.Context, id string) (handler.ImageResponse, error) {
	rec, err := c.storage.Get(ctx, id)
	if err != nil {
		return handler.ImageResponse{}, mapNotFound(err)
	}

	resp := handler.ImageResponse{Record: rec}
	if rec.DestinationRef != nil && rec.Status != entities.StatusError {
		url, err := c.destination.PresignGet(ctx, *rec.DestinationRef)
		if err != nil {
			return resp, err
		}
		resp.URL = url
	}
	return resp, nil
}

// DeleteImage removes the original from the source bucket, then the ledger row.
func (c *useCase) DeleteImage(ctx context.Context, id string) error {
	rec, err := c.storage.Get(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}
	if err := c.source.Delete(ctx, rec.SourceKey); err != nil {
		return err
	}
	return mapNotFound(c.storage.Delete(ctx, id))
}

// UploadImage stores an original in the source bucket and enqueues it right
// away instead of waiting for the next discovery tick.
func (c *useCase) UploadImage(ctx context.Context, key, contentType string, data []byte) (handler.UploadResponse, error) {
	if _, err := c.source.Upload(ctx, key, contentType, data); err != nil {
		return handler.UploadResponse{}, fmt.Errorf("store original: %w", err)
	}

	enqueued, err := c.wqueue.Enqueue(ctx, key)
	if err != nil {
		return handler.UploadResponse{}, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return handler.UploadResponse{Key: key, Size: int64(len(data)), Enqueued: enqueued}, nil
}

func (c *useCase) Enqueue(ctx context.Context, key string) (bool, error) {
	return c.wqueue.Enqueue(ctx, key)
}

func (c *useCase) Status(ctx context.Context) handler.StatusResponse {
	resp := handler.StatusResponse{Code: 200, Queue: "connected", Database: "connected"}

	if err := c.wqueue.Ping(ctx); err != nil {
		resp.Queue = "error"
		resp.Code = 500
	} else if snap, err := c.wqueue.Snapshot(ctx); err == nil {
		resp.Jobs = &snap
	}

	if err := c.storage.Ping(ctx); err != nil {
		resp.Database = "error"
		resp.Code = 500
	}
	return resp
}

func mapNotFound(err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return handler.ErrNotFound
	}
	return err
}
