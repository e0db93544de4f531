package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/dca/scheduler/internal/config"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/operator"
	"github.com/malbeclabs/dca/scheduler/pkg/server"
	"github.com/malbeclabs/dca/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file when it exists")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP listen address (or set DCA_LISTEN_ADDR env var)")
	logDirFlag := flag.String("log-dir", "", "also write logs to a daily file in this directory")
	runLogDirFlag := flag.String("run-log-dir", "", "write one result line per settlement run to a daily file in this directory (or set DCA_RUN_LOG_DIR env var)")
	settleIntervalFlag := flag.Duration("settle-interval", 0, "interval between settlement runs (or set DCA_SETTLE_INTERVAL env var)")
	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	log := logger.New(*verboseFlag)
	if *logDirFlag != "" {
		fileLog, closer, err := logger.NewWithFile(*verboseFlag, *logDirFlag, "dca-scheduler", clockwork.NewRealClock())
		if err != nil {
			return err
		}
		defer closer.Close()
		log = fileLog
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddrFlag != "" {
		cfg.ListenAddr = *listenAddrFlag
	}
	if *runLogDirFlag != "" {
		cfg.RunLogDir = *runLogDirFlag
	}
	if *settleIntervalFlag > 0 {
		cfg.SettleInterval = *settleIntervalFlag
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("dca-scheduler starting", "version", version, "commit", commit, "date", date)

	if cfg.Sentry != nil {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	op, err := operator.New(operator.Config{
		Logger:    log,
		Settler:   app.engine,
		Interval:  cfg.SettleInterval,
		RunLogDir: cfg.RunLogDir,
		Verbose:   *verboseFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create operator: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Service:        app.engine,
		History:        app.history,
		Ready:          op.Ready,
		BuildInfo:      server.BuildInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.ListenAddr)
	})
	g.Go(func() error {
		return op.Run(gctx)
	})
	if app.writerLost != nil {
		g.Go(func() error {
			select {
			case <-app.writerLost:
				return errors.New("ledger writer lease lost")
			case <-gctx.Done():
				return nil
			}
		})
	}

	err = g.Wait()
	log.Info("dca-scheduler: waiting for in-flight settlement run")
	app.engine.WaitRuns()
	log.Info("dca-scheduler: waiting for in-flight payouts")
	app.engine.WaitPayouts()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("dca-scheduler stopped")
	return nil
}
