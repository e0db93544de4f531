package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/store/postgres"
)

// MigrateAction is a goose command.
type MigrateAction string

const (
	MigrateUp     MigrateAction = "up"
	MigrateDown   MigrateAction = "down"
	MigrateStatus MigrateAction = "status"
)

func ParseMigrateAction(s string) (MigrateAction, error) {
	switch a := MigrateAction(s); a {
	case MigrateUp, MigrateDown, MigrateStatus:
		return a, nil
	}
	return "", fmt.Errorf("unknown migrate action %q (want up, down or status)", s)
}

// PgMigrate runs a goose command against the ledger database.
func PgMigrate(ctx context.Context, log *slog.Logger, cfg postgres.ConnConfig, action MigrateAction) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	connStr := cfg.ConnString()
	switch action {
	case MigrateUp:
		return postgres.MigrateUp(ctx, log, connStr)
	case MigrateDown:
		return postgres.MigrateDown(ctx, log, connStr)
	case MigrateStatus:
		return postgres.MigrateStatus(ctx, log, connStr)
	}
	return fmt.Errorf("unknown migrate action %q", action)
}

// ClickHouseMigrate runs a goose command against the run history database.
func ClickHouseMigrate(ctx context.Context, log *slog.Logger, cfg history.ConnConfig, action MigrateAction) error {
	if cfg.Addr == "" {
		return fmt.Errorf("clickhouse address is required")
	}
	switch action {
	case MigrateUp:
		return history.MigrateUp(ctx, log, cfg)
	case MigrateDown:
		return history.MigrateDown(ctx, log, cfg)
	case MigrateStatus:
		return history.MigrateStatus(ctx, log, cfg)
	}
	return fmt.Errorf("unknown migrate action %q", action)
}
