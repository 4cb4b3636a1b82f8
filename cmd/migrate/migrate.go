package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var Migrations embed.FS

const dir = "migrations"

// Migrate applies every pending migration found under migrations/ in fsys.
func Migrate(ctx context.Context, dsn string, fsys fs.FS) error {
	return withDB(ctx, dsn, fsys, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, dir)
	})
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, dsn string, fsys fs.FS) error {
	return withDB(ctx, dsn, fsys, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, dir)
	})
}

func withDB(ctx context.Context, dsn string, fsys fs.FS, fn func(db *sql.DB) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return fn(db)
}
