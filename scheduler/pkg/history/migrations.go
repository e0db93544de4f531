package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

type gooseLogger struct {
	log *slog.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func withGoose(log *slog.Logger, cfg ConnConfig, fn func(*sql.DB) error) error {
	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	goose.SetLogger(&gooseLogger{log: log})
	goose.SetBaseFS(MigrationsFS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// MigrateUp runs all pending migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, cfg ConnConfig) error {
	log.Info("history: running ClickHouse migrations (up)")
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("history: ClickHouse migrations completed")
		return nil
	})
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, log *slog.Logger, cfg ConnConfig) error {
	log.Info("history: rolling back ClickHouse migration (down)")
	return withGoose(log, cfg, func(db *sql.DB) error {
		if err := goose.DownContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// MigrateStatus logs the status of every migration.
func MigrateStatus(ctx context.Context, log *slog.Logger, cfg ConnConfig) error {
	return withGoose(log, cfg, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, "migrations")
	})
}
