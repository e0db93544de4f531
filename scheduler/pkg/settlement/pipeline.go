package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
)

// Settler owns the ledger side of a run. Commit must apply every share or none of them;
// Abort releases whatever the run was holding.
type Settler interface {
	Commit(ctx context.Context, plan Plan, shares []Share) error
	Abort(ctx context.Context, plan Plan, cause error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Wrapper Wrapper
	Swapper Swapper
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wrapper == nil {
		return errors.New("wrapper is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline runs the settlement saga: net computation, Stage A, Stage B, then Commit.
type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Execute runs plan to completion. Once Stage A starts, caller cancellation no longer
// reaches the stages or the commit. A stage failure aborts with no ledger change and
// returns a *StageError.
func (p *Pipeline) Execute(ctx context.Context, plan Plan, settler Settler) (*Receipt, error) {
	receipt := newReceipt(plan, p.cfg.Clock.Now())
	log := p.log.With("run_id", plan.RunID.String())

	if plan.Batch.Empty() {
		receipt.Status = StatusEmpty
		receipt.FinishedAt = p.cfg.Clock.Now()
		log.Debug("settlement: empty batch, nothing to do")
		return receipt, nil
	}

	shares, dust, err := Distribute(plan)
	if err != nil {
		settler.Abort(ctx, plan, err)
		return p.fault(log, receipt, err)
	}

	stageCtx := context.WithoutCancel(ctx)
	log.Info("settlement: run started", "batch_size", plan.Batch.Len(), "aggregate", plan.Batch.Aggregate.String(), "fee", plan.Fee.String(), "net", plan.Net.String())

	wrapped := p.runStage(stageCtx, StageWrap, func(ctx context.Context) Result {
		return p.cfg.Wrapper.Wrap(ctx, plan.wrapRequest())
	})
	out, ok := wrapped.Outcome()
	if !ok {
		return p.abort(stageCtx, log, settler, plan, receipt, StageWrap, wrapped.Reason())
	}
	receipt.WrapRef = out.Reference

	swapped := p.runStage(stageCtx, StageSwap, func(ctx context.Context) Result {
		return p.cfg.Swapper.Swap(ctx, plan.swapInstruction())
	})
	out, ok = swapped.Outcome()
	if !ok {
		return p.abort(stageCtx, log, settler, plan, receipt, StageSwap, swapped.Reason())
	}
	receipt.SwapRef = out.Reference
	if !out.AmountOut.IsZero() {
		receipt.AmountOut = out.AmountOut
	}

	if err := settler.Commit(stageCtx, plan, shares); err != nil {
		return p.fault(log, receipt, fmt.Errorf("failed to commit run: %w", err))
	}

	receipt.Status = StatusCommitted
	receipt.Shares = shares
	receipt.Dust = dust
	receipt.FinishedAt = p.cfg.Clock.Now()

	for _, s := range shares {
		log.Info("settlement: participant swapped", "account", s.Account.String(), "debit", s.Debit.String(), "credit", s.Credit.String())
	}
	log.Info("settlement: run committed", "dust", dust.String(), "amount_out", receipt.AmountOut.String(), "duration", receipt.Duration())
	return receipt, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, fn func(context.Context) Result) (res Result) {
	start := p.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Failure(fmt.Sprintf("panic: %v", r))
		}
		metrics.RecordStage(string(stage), p.cfg.Clock.Since(start), res.Succeeded())
	}()
	return fn(ctx)
}

func (p *Pipeline) abort(ctx context.Context, log *slog.Logger, settler Settler, plan Plan, receipt *Receipt, stage Stage, reason string) (*Receipt, error) {
	err := &StageError{Stage: stage, Reason: reason}
	settler.Abort(ctx, plan, err)

	receipt.Status = StatusAborted
	receipt.FailedStage = stage
	receipt.Reason = reason
	receipt.FinishedAt = p.cfg.Clock.Now()
	log.Warn("settlement: run aborted", "stage", string(stage), "reason", reason)
	return receipt, err
}

func (p *Pipeline) fault(log *slog.Logger, receipt *Receipt, err error) (*Receipt, error) {
	receipt.Status = StatusFaulted
	receipt.Reason = err.Error()
	receipt.FinishedAt = p.cfg.Clock.Now()
	log.Error("settlement: run faulted", "error", err)
	return receipt, err
}
