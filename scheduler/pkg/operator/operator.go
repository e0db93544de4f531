package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/malbeclabs/dca/utils/pkg/logger"
)

// Settler triggers one settlement run.
type Settler interface {
	Settle(ctx context.Context) (*settlement.Receipt, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Settler  Settler
	Interval time.Duration

	// RunLogDir, when set, receives a dca-batch-YYYY-MM-DD.log file with one result line
	// per run.
	RunLogDir string
	Verbose   bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Settler == nil {
		return errors.New("settler is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Operator triggers settlement runs on a fixed interval.
type Operator struct {
	log    *slog.Logger
	cfg    Config
	tickMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Operator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Operator{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether the first tick has completed.
func (o *Operator) Ready() bool {
	select {
	case <-o.readyCh:
		return true
	default:
		return false
	}
}

func (o *Operator) WaitReady(ctx context.Context) error {
	select {
	case <-o.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operator: %w", ctx.Err())
	}
}

// Run ticks immediately and then on every interval until ctx is done. It returns only
// after the tick in progress has finished, so callers can close backends afterwards.
func (o *Operator) Run(ctx context.Context) error {
	o.log.Info("operator: starting settlement loop", "interval", o.cfg.Interval)

	o.safeTick(ctx)

	ticker := o.cfg.Clock.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("operator: settlement loop stopped")
			return nil
		case <-ticker.Chan():
			o.safeTick(ctx)
		}
	}
}

func (o *Operator) safeTick(ctx context.Context) {
	defer o.readyOnce.Do(func() { close(o.readyCh) })
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("operator: tick panicked", "panic", r)
			metrics.OperatorTickPanicsTotal.Inc()
		}
	}()

	if _, err := o.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		o.log.Error("operator: tick failed", "error", err)
	}
}

// Tick triggers one run and writes its result line. A run already in flight is not an
// error.
func (o *Operator) Tick(ctx context.Context) (*settlement.Receipt, error) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	o.log.Debug("operator: tick")
	receipt, err := o.cfg.Settler.Settle(ctx)
	if errors.Is(err, ledger.ErrRunInProgress) {
		o.log.Info("operator: run already in progress, skipping tick")
		return nil, nil
	}

	line, args := resultLine(receipt, err)
	o.writeResult(line, args)
	return receipt, err
}

func resultLine(receipt *settlement.Receipt, err error) (string, []any) {
	if receipt == nil {
		return "operator: run failed", []any{"error", err}
	}
	args := []any{
		"run_id", receipt.RunID.String(),
		"status", string(receipt.Status),
		"batch_size", receipt.BatchSize,
		"aggregate", receipt.Aggregate.String(),
		"net", receipt.Net.String(),
		"dust", receipt.Dust.String(),
	}
	if receipt.FailedStage != "" {
		args = append(args, "failed_stage", string(receipt.FailedStage))
	}
	if receipt.Reason != "" {
		args = append(args, "reason", receipt.Reason)
	}
	if receipt.SwapRef != "" {
		args = append(args, "swap_ref", receipt.SwapRef)
	}
	return "operator: run finished", args
}

// writeResult logs the result line, to the dated run log when one is configured.
func (o *Operator) writeResult(msg string, args []any) {
	if o.cfg.RunLogDir == "" {
		o.log.Info(msg, args...)
		return
	}
	runLog, closer, err := logger.NewWithFile(o.cfg.Verbose, o.cfg.RunLogDir, "dca-batch", o.cfg.Clock)
	if err != nil {
		o.log.Warn("operator: failed to open run log", "dir", o.cfg.RunLogDir, "error", err)
		o.log.Info(msg, args...)
		return
	}
	defer closer.Close()
	runLog.Info(msg, args...)
}
