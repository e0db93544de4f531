package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type gooseLogger struct {
	log *slog.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func withMigrations(ctx context.Context, log *slog.Logger, connStr string, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetLogger(&gooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// MigrateUp runs all pending migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: running migrations (up)")
	return withMigrations(ctx, log, connStr, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("postgres: migrations completed")
		return nil
	})
}

// MigrateDown rolls back the last migration.
func MigrateDown(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: rolling back migration (down)")
	return withMigrations(ctx, log, connStr, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	})
}

// MigrateStatus logs the status of every migration.
func MigrateStatus(ctx context.Context, log *slog.Logger, connStr string) error {
	return withMigrations(ctx, log, connStr, func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		return nil
	})
}
