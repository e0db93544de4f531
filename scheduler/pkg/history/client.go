package history

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ContextWithSyncInsert returns a context whose inserts are visible to the next read.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                  0,
		"wait_for_async_insert":         1,
		"insert_deduplicate":            0,
		"select_sequential_consistency": 1,
	}))
}

// Conn is the subset of a ClickHouse connection the recorder uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ConnConfig describes a ClickHouse connection.
type ConnConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg ConnConfig) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	// ClickHouse Cloud serves TLS on 9440.
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

// Open connects and pings ClickHouse.
func Open(ctx context.Context, log *slog.Logger, cfg ConnConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Info("history: ClickHouse client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return conn, nil
}
