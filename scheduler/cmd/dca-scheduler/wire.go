package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/malbeclabs/dca/scheduler/internal/config"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/events"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/lock"
	"github.com/malbeclabs/dca/scheduler/pkg/notify"
	"github.com/malbeclabs/dca/scheduler/pkg/server"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/malbeclabs/dca/scheduler/pkg/snapshot"
	"github.com/malbeclabs/dca/scheduler/pkg/sol"
	"github.com/malbeclabs/dca/scheduler/pkg/store/postgres"
)

// app holds the engine and every backend opened for it.
type app struct {
	engine  *engine.Engine
	history server.History
	// writerLost is closed when the ledger writer lease is lost. Nil without Redis.
	writerLost <-chan struct{}
	closers    []func() error
	log        *slog.Logger
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("dca-scheduler: failed to close backend", "error", err)
		}
	}
}

// engineSource hands the archiver the engine once it exists. Observers only run after
// the engine has been constructed.
type engineSource struct {
	engine *engine.Engine
}

func (s *engineSource) Settings() engine.Settings          { return s.engine.Settings() }
func (s *engineSource) Participants() []ledger.Participant { return s.engine.Participants() }

func build(ctx context.Context, log *slog.Logger, cfg *config.Config) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	payer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.Solana.PayerKeypair)
	if err != nil {
		return nil, fmt.Errorf("failed to load payer keypair: %w", err)
	}
	rpcClient := solanarpc.New(cfg.Solana.RPCURL)
	a.onClose(rpcClient.Close)

	chain, err := sol.New(sol.Config{
		Logger:        log,
		RPC:           rpcClient,
		Payer:         payer,
		PoolProgramID: cfg.Solana.PoolProgramID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create solana client: %w", err)
	}
	log.Info("solana client initialized", "rpc_url", cfg.Solana.RPCURL, "payer", payer.PublicKey().String())

	// The writer lease is taken before migrations and state load so a second process
	// never touches the ledger.
	if cfg.Redis != nil {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		l, err := lock.New(lock.Config{Logger: log, Client: rdb, Key: cfg.Redis.LockKey, TTL: cfg.Redis.LockTTL})
		if err != nil {
			return nil, fmt.Errorf("failed to create writer lock: %w", err)
		}
		holder, _ := os.Hostname()
		lease, err := l.Acquire(ctx, holder)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { return lease.Release(context.Background()) })
		a.writerLost = lease.Lost()
	}

	var (
		store           engine.Store
		runObservers    []engine.RunObserver
		payoutObservers []engine.PayoutObserver
		faultReporters  []engine.FaultReporter
	)

	if cfg.Postgres != nil {
		connStr := cfg.Postgres.ConnString()
		if cfg.PostgresRunMigrations {
			if err := postgres.MigrateUp(ctx, log, connStr); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, connStr)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { pool.Close(); return nil })
		pgStore, err := postgres.New(postgres.Config{Logger: log, DB: pool})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		store = pgStore
		log.Info("postgres store connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	} else {
		log.Warn("POSTGRES_DB is not set, ledger state is kept in memory only")
	}

	if cfg.ClickHouse != nil {
		if cfg.ClickHouseRunMigrations {
			if err := history.MigrateUp(ctx, log, *cfg.ClickHouse); err != nil {
				return nil, err
			}
		}
		conn, err := history.Open(ctx, log, *cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		a.onClose(conn.Close)
		rec, err := history.New(history.Config{Logger: log, Conn: conn})
		if err != nil {
			return nil, fmt.Errorf("failed to create history recorder: %w", err)
		}
		runObservers = append(runObservers, rec)
		a.history = rec
	}

	if cfg.Influx != nil {
		writer, closeFn, err := history.NewInfluxWriter(cfg.Influx.Host, cfg.Influx.Token, cfg.Influx.Database)
		if err != nil {
			return nil, err
		}
		a.onClose(closeFn)
		rec, err := history.NewInfluxRecorder(history.InfluxConfig{Logger: log, Writer: writer})
		if err != nil {
			return nil, fmt.Errorf("failed to create influx recorder: %w", err)
		}
		runObservers = append(runObservers, rec)
	}

	if cfg.NATS != nil {
		nc, err := events.Connect(log, cfg.NATS.Conn)
		if err != nil {
			return nil, err
		}
		a.onClose(nc.Drain)
		pub, err := events.New(events.Config{Logger: log, Publisher: nc, SubjectPrefix: cfg.NATS.SubjectPrefix})
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		runObservers = append(runObservers, pub)
		payoutObservers = append(payoutObservers, pub)
	}

	if cfg.Slack != nil {
		s, err := notify.NewSlack(notify.SlackConfig{
			Logger:          log,
			Poster:          notify.NewSlackPoster(cfg.Slack.BotToken),
			Channel:         cfg.Slack.Channel,
			NotifyCommitted: cfg.Slack.NotifyCommitted,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create slack notifier: %w", err)
		}
		runObservers = append(runObservers, s)
		faultReporters = append(faultReporters, s)
	}

	if cfg.Sentry != nil {
		s, err := notify.NewSentry(sentry.CurrentHub())
		if err != nil {
			return nil, err
		}
		faultReporters = append(faultReporters, s)
	}

	source := &engineSource{}
	if cfg.S3 != nil {
		client, err := snapshot.NewS3Client(ctx, cfg.S3.Client)
		if err != nil {
			return nil, err
		}
		archiver, err := snapshot.New(snapshot.Config{
			Logger: log,
			Store:  client,
			Source: source,
			Bucket: cfg.S3.Bucket,
			Prefix: cfg.S3.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot archiver: %w", err)
		}
		runObservers = append(runObservers, archiver)
	}

	eng, err := engine.New(ctx, engine.Config{
		Logger: log,
		Settings: engine.Settings{
			Owner:         cfg.Owner,
			BatchCapacity: cfg.BatchCapacity,
			FeeRate:       cfg.FeeRate,
			PoolAddress:   cfg.PoolAddress,
			TokenAddress:  cfg.TokenAddress,
			WrapAddress:   cfg.WrapAddress,
		},
		Budget: settlement.Budget{
			ComputeUnits: cfg.ComputeUnits,
			Deposit:      cfg.ComputeUnitPrice,
		},
		AutoPauseUnderfunded: cfg.AutoPauseUnderfunded,
		Wrapper:              chain,
		Swapper:              chain,
		Transferer:           chain,
		Store:                store,
		RunObservers:         runObservers,
		PayoutObservers:      payoutObservers,
		FaultReporters:       faultReporters,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	source.engine = eng
	a.engine = eng

	log.Info("engine initialized",
		"participants", len(eng.Participants()),
		"run_observers", len(runObservers),
		"payout_observers", len(payoutObservers),
		"fault_reporters", len(faultReporters),
		"writer_lease", a.writerLost != nil,
	)
	return a, nil
}
