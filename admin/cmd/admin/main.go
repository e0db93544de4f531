package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/dca/admin/internal/admin"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/snapshot"
	"github.com/malbeclabs/dca/scheduler/pkg/store/postgres"
	"github.com/malbeclabs/dca/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUserFlag := flag.String("postgres-user", "", "PostgreSQL user (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// S3 configuration
	s3BucketFlag := flag.String("s3-bucket", "", "Snapshot bucket (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "Snapshot key prefix (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set S3_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3 endpoint override (or set S3_ENDPOINT env var)")
	s3PathStyleFlag := flag.Bool("s3-force-path-style", false, "Use path-style S3 addressing (or set S3_FORCE_PATH_STYLE=true env var)")

	// Commands
	pgMigrateFlag := flag.String("pg-migrate", "", "Run ledger database migrations: up, down or status")
	clickhouseMigrateFlag := flag.String("clickhouse-migrate", "", "Run run history migrations: up, down or status")
	statusFlag := flag.Bool("status", false, "Show owner configuration and a ledger summary from PostgreSQL")
	listParticipantsFlag := flag.Bool("list-participants", false, "With --status or --snapshot-show, print every participant")
	snapshotsListFlag := flag.Bool("snapshots-list", false, "List archived ledger snapshots, newest first")
	snapshotsLimitFlag := flag.Int("snapshots-limit", 20, "Maximum snapshots to list")
	snapshotShowFlag := flag.String("snapshot-show", "", "Print an archived ledger snapshot by key")
	resetLedgerFlag := flag.Bool("reset-ledger", false, "Delete every participant, run marker and payout from PostgreSQL")
	includeSettingsFlag := flag.Bool("include-settings", false, "With --reset-ledger, delete the owner configuration too")
	resetHistoryFlag := flag.Bool("reset-history", false, "Drop all run history tables (dca_*) from ClickHouse")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Override flags with environment variables if set
	overrideString(pgHostFlag, "POSTGRES_HOST")
	overrideString(pgPortFlag, "POSTGRES_PORT")
	overrideString(pgDatabaseFlag, "POSTGRES_DB")
	overrideString(pgUserFlag, "POSTGRES_USER")
	overrideString(pgPasswordFlag, "POSTGRES_PASSWORD")
	overrideString(pgSSLModeFlag, "POSTGRES_SSLMODE")
	overrideString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	overrideString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	overrideString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	overrideString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	overrideString(s3BucketFlag, "S3_BUCKET")
	overrideString(s3PrefixFlag, "S3_PREFIX")
	overrideString(s3RegionFlag, "S3_REGION")
	overrideString(s3EndpointFlag, "S3_ENDPOINT")
	if os.Getenv("S3_FORCE_PATH_STYLE") == "true" {
		*s3PathStyleFlag = true
	}

	pgCfg := postgres.ConnConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUserFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	chCfg := history.ConnConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}
	resetOpts := admin.ResetOptions{DryRun: *dryRunFlag, SkipConfirm: *yesFlag, In: os.Stdin, Out: os.Stdout}

	snapshotReader := func() (*snapshot.Reader, error) {
		if *s3BucketFlag == "" {
			return nil, fmt.Errorf("--s3-bucket is required")
		}
		client, err := snapshot.NewS3Client(ctx, snapshot.S3Config{
			Region:         *s3RegionFlag,
			Endpoint:       *s3EndpointFlag,
			ForcePathStyle: *s3PathStyleFlag,
		})
		if err != nil {
			return nil, err
		}
		return snapshot.NewReader(client, *s3BucketFlag, *s3PrefixFlag), nil
	}

	// Execute commands
	switch {
	case *pgMigrateFlag != "":
		action, err := admin.ParseMigrateAction(*pgMigrateFlag)
		if err != nil {
			return err
		}
		return admin.PgMigrate(ctx, log, pgCfg, action)

	case *clickhouseMigrateFlag != "":
		action, err := admin.ParseMigrateAction(*clickhouseMigrateFlag)
		if err != nil {
			return err
		}
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return admin.ClickHouseMigrate(ctx, log, chCfg, action)

	case *statusFlag:
		if err := pgCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
		pool, err := postgres.NewPool(ctx, pgCfg.ConnString())
		if err != nil {
			return err
		}
		defer pool.Close()
		store, err := postgres.New(postgres.Config{Logger: log, DB: pool})
		if err != nil {
			return err
		}
		return admin.Status(ctx, os.Stdout, store, time.Now(), *listParticipantsFlag)

	case *snapshotsListFlag:
		reader, err := snapshotReader()
		if err != nil {
			return err
		}
		return admin.ListSnapshots(ctx, os.Stdout, reader, *snapshotsLimitFlag)

	case *snapshotShowFlag != "":
		reader, err := snapshotReader()
		if err != nil {
			return err
		}
		return admin.ShowSnapshot(ctx, os.Stdout, reader, *snapshotShowFlag, *listParticipantsFlag)

	case *resetLedgerFlag:
		if err := pgCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
		pool, err := postgres.NewPool(ctx, pgCfg.ConnString())
		if err != nil {
			return err
		}
		defer pool.Close()
		return admin.ResetLedger(ctx, log, pool, *includeSettingsFlag, resetOpts)

	case *resetHistoryFlag:
		if chCfg.Addr == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-history")
		}
		conn, err := history.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		return admin.ResetHistory(ctx, log, conn, chCfg.Database, resetOpts)
	}

	flag.Usage()
	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
