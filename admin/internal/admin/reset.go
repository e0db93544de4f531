package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
)

// ResetOptions controls the destructive commands.
type ResetOptions struct {
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// PgDB is the subset of a pgx pool the ledger reset uses.
type PgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ledgerTables are truncated in this order. Settings survive unless requested.
var ledgerTables = []string{"dca_payouts", "dca_runs", "dca_participants"}

// ResetLedger empties the ledger tables. With includeSettings the owner configuration is
// removed too and the next start reseeds it from the environment.
func ResetLedger(ctx context.Context, log *slog.Logger, db PgDB, includeSettings bool, opts ResetOptions) error {
	tables := ledgerTables
	if includeSettings {
		tables = append(append([]string{}, ledgerTables...), "dca_settings")
	}

	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}

	fmt.Fprintf(opts.Out, "WARNING: This will DELETE every row from %d ledger table(s):\n\n", len(tables))
	for _, table := range tables {
		fmt.Fprintf(opts.Out, "  - %s (%d rows)\n", table, counts[table])
	}

	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would truncate the above tables")
		return nil
	}
	if ok, err := confirm(opts); err != nil || !ok {
		return err
	}

	if _, err := db.Exec(ctx, fmt.Sprintf("TRUNCATE %s", strings.Join(tables, ", "))); err != nil {
		return fmt.Errorf("failed to truncate ledger tables: %w", err)
	}
	log.Info("admin: ledger reset", "tables", tables)
	fmt.Fprintf(opts.Out, "\nSuccessfully truncated %d table(s)\n", len(tables))
	return nil
}

// ResetHistory drops every dca_* table from the run history database. Run the ClickHouse
// migrations afterwards to recreate them.
func ResetHistory(ctx context.Context, log *slog.Logger, conn history.Conn, database string, opts ResetOptions) error {
	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND engine NOT IN ('View', 'MaterializedView')
		  AND name LIKE 'dca\\_%'
		ORDER BY name
	`, database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(opts.Out, "No run history tables found")
		return nil
	}

	fmt.Fprintf(opts.Out, "WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), database)
	for _, table := range tables {
		fmt.Fprintf(opts.Out, "  - %s\n", table)
	}

	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}
	if ok, err := confirm(opts); err != nil || !ok {
		return err
	}

	// goose tracks applied versions in its own table; drop it too so migrations rerun.
	for _, table := range append(tables, "goose_db_version") {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(opts.Out, "  ✓ Dropped %s\n", table)
	}
	log.Info("admin: run history reset", "database", database, "tables", tables)
	fmt.Fprintf(opts.Out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}

// confirm asks for a typed "yes" unless SkipConfirm is set.
func confirm(opts ResetOptions) (bool, error) {
	if opts.SkipConfirm {
		return true, nil
	}
	fmt.Fprintf(opts.Out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
	fmt.Fprintf(opts.Out, "Type 'yes' to confirm: ")

	response, err := bufio.NewReader(opts.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintf(opts.Out, "\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	fmt.Fprintln(opts.Out)
	return true, nil
}
