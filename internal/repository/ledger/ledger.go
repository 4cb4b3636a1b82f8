package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trunov/imgpipe/internal/entities"
)

var (
	ErrNotFound = errors.New("ledger record not found")
	// ErrDuplicateSuccess is returned by Append when the source key already
	// has a success record.
	ErrDuplicateSuccess = errors.New("source key already converted")
)

// DB is the subset of *pgxpool.Pool the ledger needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type dbStorage struct {
	db  DB
	now func() time.Time
}

// Connect creates a connection pool to PostgreSQL and pings it.
func Connect(ctx context.Context, databaseDSN string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func New(db DB) *dbStorage {
	return &dbStorage{db: db, now: time.Now}
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const recordColumns = `id::text, source_key, destination_id, destination_ref, size, mime_type,
	width, height, status, attempt, error, created_at`

// Append inserts rec, filling ID and CreatedAt when unset.
func (s *dbStorage) Append(ctx context.Context, rec *entities.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_image
			(id, source_key, destination_id, destination_ref, size, mime_type,
			 width, height, status, attempt, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.SourceKey, rec.DestinationID, rec.DestinationRef, rec.Size, rec.MimeType,
		rec.Width, rec.Height, string(rec.Status), rec.Attempt, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record for %s: %w", rec.SourceKey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateSuccess
	}
	return nil
}

// IsConverted reports whether sourceKey has a success row, or a pending row
// whose upload the destination is still finishing.
func (s *dbStorage) IsConverted(ctx context.Context, sourceKey string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_image WHERE source_key = $1 AND status IN ('success', 'pending'))`,
		sourceKey,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check converted for %s: %w", sourceKey, err)
	}
	return ok, nil
}

func (s *dbStorage) Get(ctx context.Context, id string) (entities.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return entities.Record{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM processed_image WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Record{}, ErrNotFound
	}
	return rec, err
}

// List returns records newest first. An empty sourceKey lists everything.
func (s *dbStorage) List(ctx context.Context, sourceKey string, limit, offset int) ([]entities.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if sourceKey == "" {
		rows, err = s.db.Query(ctx, `SELECT `+recordColumns+` FROM processed_image
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+recordColumns+` FROM processed_image
			WHERE source_key = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, sourceKey, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]entities.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *dbStorage) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM processed_image WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (entities.Record, error) {
	var (
		rec    entities.Record
		status string
	)
	err := row.Scan(&rec.ID, &rec.SourceKey, &rec.DestinationID, &rec.DestinationRef, &rec.Size,
		&rec.MimeType, &rec.Width, &rec.Height, &status, &rec.Attempt, &rec.Error, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = entities.Status(status)
	return rec, nil
}
