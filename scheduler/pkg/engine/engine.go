package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/selector"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Engine owns the ledger and serializes every state change behind one mutex. Settlement
// stages run without the lock; at most one run is in flight at a time.
type Engine struct {
	log      *slog.Logger
	cfg      Config
	pipeline *settlement.Pipeline

	mu       sync.Mutex
	ledger   *ledger.Ledger
	settings Settings
	run      *runState
	lastRun  *settlement.Receipt

	// fault halts settlement runs until the owner clears it. faultHolds are the
	// reservations of the run that faulted.
	fault      error
	faultHolds []ledger.Hold

	payouts sync.WaitGroup
	runs    sync.WaitGroup
}

type runState struct {
	id        uuid.UUID
	startedAt time.Time
	batchSize int
}

// RunStatus describes the in-flight run and the last finished one.
type RunStatus struct {
	InFlight  bool                `json:"in_flight"`
	RunID     string              `json:"run_id,omitempty"`
	StartedAt time.Time           `json:"started_at,omitzero"`
	BatchSize int                 `json:"batch_size"`
	Halted    bool                `json:"halted"`
	Fault     string              `json:"fault,omitempty"`
	LastRun   *settlement.Receipt `json:"last_run,omitempty"`
}

// New builds an engine and loads persisted state. Settings from the store take precedence
// over cfg.Settings, which are persisted on first start.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pipeline, err := settlement.New(settlement.Config{
		Logger:  cfg.Logger,
		Clock:   cfg.Clock,
		Wrapper: cfg.Wrapper,
		Swapper: cfg.Swapper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement pipeline: %w", err)
	}

	state, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	settings := cfg.Settings
	if state.Settings != nil {
		settings = *state.Settings
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if state.Settings == nil {
		if err := cfg.Store.SaveSettings(ctx, settings); err != nil {
			return nil, fmt.Errorf("failed to persist initial settings: %w", err)
		}
	}

	l := ledger.New()
	if err := l.Load(state.Participants); err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	metrics.Participants.Set(float64(l.Len()))

	cfg.Logger.Info("engine: loaded state", "participants", l.Len(), "owner", settings.Owner.String(), "batch_capacity", settings.BatchCapacity, "fee_rate", settings.FeeRate)

	return &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		pipeline: pipeline,
		ledger:   l,
		settings: settings,
	}, nil
}

// Register creates the caller's record.
func (e *Engine) Register(ctx context.Context, caller solana.PublicKey, amountPerCycle decimal.Decimal, interval time.Duration, initialDeposit decimal.Decimal) (ledger.Participant, error) {
	return e.mutate(ctx, "register", caller, func() (ledger.Participant, error) {
		return e.ledger.Register(caller, amountPerCycle, interval, initialDeposit)
	})
}

// Deposit tops up the caller's deposited balance.
func (e *Engine) Deposit(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, error) {
	return e.mutate(ctx, "deposit", caller, func() (ledger.Participant, error) {
		return e.ledger.Deposit(caller, amount)
	})
}

// Pause stops the caller from being selected.
func (e *Engine) Pause(ctx context.Context, caller solana.PublicKey) (ledger.Participant, error) {
	return e.mutate(ctx, "pause", caller, func() (ledger.Participant, error) {
		return e.ledger.Pause(caller)
	})
}

// Resume makes a paused caller selectable again.
func (e *Engine) Resume(ctx context.Context, caller solana.PublicKey) (ledger.Participant, error) {
	return e.mutate(ctx, "resume", caller, func() (ledger.Participant, error) {
		return e.ledger.Resume(caller)
	})
}

// WithdrawDeposit debits the caller's deposit and dispatches a native transfer.
func (e *Engine) WithdrawDeposit(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, *Payout, error) {
	return e.withdraw(ctx, "withdraw_deposit", caller, AssetNative, amount, e.ledger.WithdrawDeposit)
}

// WithdrawConverted debits the caller's converted balance and dispatches a token transfer.
func (e *Engine) WithdrawConverted(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, *Payout, error) {
	return e.withdraw(ctx, "withdraw_converted", caller, AssetToken, amount, e.ledger.WithdrawConverted)
}

func (e *Engine) withdraw(ctx context.Context, op string, caller solana.PublicKey, asset Asset, amount decimal.Decimal, debit func(solana.PublicKey, decimal.Decimal) (ledger.Participant, error)) (ledger.Participant, *Payout, error) {
	var payout *Payout
	p, err := e.mutateThen(ctx, op, caller, func() (ledger.Participant, error) {
		return debit(caller, amount)
	}, func() {
		payout = e.newPayoutLocked(ctx, caller, asset, amount)
	})
	if err != nil {
		return ledger.Participant{}, nil, err
	}
	if payout != nil {
		e.dispatch(ctx, *payout)
	}
	return p, payout, nil
}

// Remove drains both balances to the caller and deletes the record.
func (e *Engine) Remove(ctx context.Context, caller solana.PublicKey) ([]Payout, error) {
	var (
		drain   ledger.Drain
		payouts []Payout
	)
	_, err := e.mutateThen(ctx, "remove", caller, func() (ledger.Participant, error) {
		d, err := e.ledger.Remove(caller)
		drain = d
		return ledger.Participant{}, err
	}, func() {
		if p := e.newPayoutLocked(ctx, caller, AssetNative, drain.Deposited); p != nil {
			payouts = append(payouts, *p)
		}
		if p := e.newPayoutLocked(ctx, caller, AssetToken, drain.Converted); p != nil {
			payouts = append(payouts, *p)
		}
	})
	if err != nil {
		return nil, err
	}
	for _, p := range payouts {
		e.dispatch(ctx, p)
	}
	e.log.Info("engine: participant removed", "account", caller.String(), "deposited", drain.Deposited.String(), "converted", drain.Converted.String())
	return payouts, nil
}

// Participant returns the caller's record.
func (e *Engine) Participant(caller solana.PublicKey) (ledger.Participant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.ledger.Get(caller)
	if !ok {
		return ledger.Participant{}, ledger.ErrNotRegistered
	}
	return p, nil
}

// Participants returns every record in registration order.
func (e *Engine) Participants() []ledger.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Participants()
}

// RunStatus reports the in-flight run, the halt state and the last finished run.
func (e *Engine) RunStatus() RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := RunStatus{LastRun: e.lastRun}
	if e.run != nil {
		st.InFlight = true
		st.RunID = e.run.id.String()
		st.StartedAt = e.run.startedAt
		st.BatchSize = e.run.batchSize
	}
	if e.fault != nil {
		st.Halted = true
		st.Fault = e.fault.Error()
	}
	return st
}

func (e *Engine) mutate(ctx context.Context, op string, caller solana.PublicKey, fn func() (ledger.Participant, error)) (ledger.Participant, error) {
	return e.mutateThen(ctx, op, caller, fn, nil)
}

// mutateThen applies fn to the ledger and persists the caller's record. If persisting
// fails the record is restored and the error returned. after runs under the lock once
// the change is durable.
func (e *Engine) mutateThen(ctx context.Context, op string, caller solana.PublicKey, fn func() (ledger.Participant, error), after func()) (ledger.Participant, error) {
	e.mu.Lock()
	p, err := e.mutateLocked(ctx, caller, fn)
	if err == nil && after != nil {
		after()
	}
	count := e.ledger.Len()
	e.mu.Unlock()

	metrics.RecordLedgerOperation(op, err)
	metrics.Participants.Set(float64(count))
	if errors.Is(err, ledger.ErrIntegrityFault) {
		e.reportFault(ctx, err, map[string]string{"operation": op, "account": caller.String()})
	}
	if err != nil {
		return ledger.Participant{}, err
	}
	e.log.Debug("engine: participant updated", "operation", op, "account", caller.String())
	return p, nil
}

func (e *Engine) mutateLocked(ctx context.Context, caller solana.PublicKey, fn func() (ledger.Participant, error)) (ledger.Participant, error) {
	prev, existed := e.ledger.Get(caller)
	p, err := fn()
	if err != nil {
		return ledger.Participant{}, err
	}

	cur, exists := e.ledger.Get(caller)
	if exists {
		err = e.cfg.Store.SaveParticipant(ctx, cur)
	} else {
		err = e.cfg.Store.DeleteParticipant(ctx, caller)
	}
	if err != nil {
		e.ledger.Restore(caller, prev, existed)
		return ledger.Participant{}, fmt.Errorf("failed to persist participant: %w", err)
	}
	return p, nil
}

// Settle runs one settlement: select, reserve, execute both stages, then commit or abort.
// An empty batch returns an empty receipt without touching any external stage.
func (e *Engine) Settle(ctx context.Context) (*settlement.Receipt, error) {
	runID := uuid.New()

	e.mu.Lock()
	if e.fault != nil {
		fault := e.fault
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: settlement halted: %v", ledger.ErrIntegrityFault, fault)
	}
	if e.run != nil {
		e.mu.Unlock()
		return nil, ledger.ErrRunInProgress
	}
	e.run = &runState{id: runID, startedAt: e.cfg.Clock.Now()}
	e.runs.Add(1)
	e.mu.Unlock()
	defer e.runs.Done()

	plan, err := e.prepare(ctx, runID)
	if err != nil {
		e.endRun(runID)
		if errors.Is(err, ledger.ErrIntegrityFault) {
			e.halt(ctx, err, nil, runID)
		}
		return nil, err
	}

	settler := &runSettler{e: e}
	receipt, err := e.pipeline.Execute(ctx, plan, settler)
	e.endRun(runID)

	if settler.persistErr != nil {
		e.reportFault(ctx, settler.persistErr, map[string]string{"run_id": runID.String()})
	}
	if errors.Is(err, ledger.ErrIntegrityFault) {
		e.halt(ctx, err, nil, runID)
	}

	metrics.RunsTotal.WithLabelValues(string(receipt.Status)).Inc()
	metrics.RunDuration.Observe(receipt.Duration().Seconds())
	metrics.RunBatchSize.Observe(float64(receipt.BatchSize))

	e.mu.Lock()
	e.lastRun = receipt
	e.mu.Unlock()

	e.notifyRun(ctx, receipt)
	return receipt, err
}

// prepare selects the batch, applies optional auto-pausing and reserves the batch funds.
func (e *Engine) prepare(ctx context.Context, runID uuid.UUID) (settlement.Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.cfg.Clock.Now()
	batch, err := selector.Select(e.ledger.Participants(), now, int(e.settings.BatchCapacity))
	if err != nil {
		return settlement.Plan{}, fmt.Errorf("failed to select batch: %w", err)
	}
	if e.cfg.AutoPauseUnderfunded {
		e.pauseUnderfundedLocked(ctx, batch.Underfunded)
	}

	route := settlement.Route{
		WrapAddress: e.settings.WrapAddress,
		PoolAddress: e.settings.PoolAddress,
		InputAsset:  e.cfg.InputAsset,
		OutputAsset: e.settings.TokenAddress,
	}
	plan, err := settlement.NewPlan(runID, now, batch, e.settings.FeeRate, route, e.cfg.Budget)
	if err != nil {
		return settlement.Plan{}, err
	}
	if err := e.ledger.Reserve(batch.Holds()); err != nil {
		return settlement.Plan{}, fmt.Errorf("failed to reserve batch: %w", err)
	}
	if e.run != nil && e.run.id == runID {
		e.run.batchSize = batch.Len()
	}
	return plan, nil
}

func (e *Engine) pauseUnderfundedLocked(ctx context.Context, accounts []solana.PublicKey) {
	for _, account := range accounts {
		prev, _ := e.ledger.Get(account)
		p, ok := e.ledger.SetPaused(account, true)
		if !ok {
			continue
		}
		if err := e.cfg.Store.SaveParticipant(ctx, p); err != nil {
			e.ledger.Restore(account, prev, true)
			e.log.Error("engine: failed to persist auto-pause", "account", account.String(), "error", err)
			continue
		}
		e.log.Info("engine: paused underfunded participant", "account", account.String())
	}
}

// WaitRuns blocks until the settlement run in flight, if any, has committed or aborted.
func (e *Engine) WaitRuns() {
	e.runs.Wait()
}

func (e *Engine) endRun(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil && e.run.id == runID {
		e.run = nil
	}
}

// halt stops further runs until the owner clears the fault.
func (e *Engine) halt(ctx context.Context, err error, holds []ledger.Hold, runID uuid.UUID) {
	e.mu.Lock()
	e.haltLocked(err, holds)
	e.mu.Unlock()
	e.reportFault(ctx, err, map[string]string{"run_id": runID.String()})
}

func (e *Engine) haltLocked(err error, holds []ledger.Hold) {
	if e.fault == nil {
		e.fault = err
	}
	e.faultHolds = append(e.faultHolds, holds...)
}

func (e *Engine) reportFault(ctx context.Context, err error, fields map[string]string) {
	metrics.IntegrityFaultsTotal.Inc()
	args := []any{"error", err}
	for k, v := range fields {
		args = append(args, k, v)
	}
	e.log.Error("engine: integrity fault", args...)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ObserverTimeout)
	defer cancel()
	for _, r := range e.cfg.FaultReporters {
		r.ReportFault(ctx, err, fields)
	}
}

func (e *Engine) notifyRun(ctx context.Context, receipt *settlement.Receipt) {
	if len(e.cfg.RunObservers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ObserverTimeout)
	defer cancel()

	var g errgroup.Group
	for _, o := range e.cfg.RunObservers {
		g.Go(func() error {
			if err := o.RunCompleted(ctx, receipt); err != nil {
				name := fmt.Sprintf("%T", o)
				metrics.ObserverErrorsTotal.WithLabelValues(name).Inc()
				e.log.Warn("engine: run observer failed", "observer", name, "run_id", receipt.RunID.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) notifyPayout(ctx context.Context, p Payout) {
	if len(e.cfg.PayoutObservers) == 0 {
		return
	}
	var g errgroup.Group
	for _, o := range e.cfg.PayoutObservers {
		g.Go(func() error {
			if err := o.PayoutUpdated(ctx, p); err != nil {
				name := fmt.Sprintf("%T", o)
				metrics.ObserverErrorsTotal.WithLabelValues(name).Inc()
				e.log.Warn("engine: payout observer failed", "observer", name, "payout_id", p.ID.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runSettler applies the ledger side of one run under the engine lock.
type runSettler struct {
	e          *Engine
	persistErr error
}

func (s *runSettler) Commit(ctx context.Context, plan settlement.Plan, shares []settlement.Share) error {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()

	updated, err := e.ledger.Commit(plan.Now, settlement.Postings(shares))
	if err != nil {
		e.haltLocked(err, plan.Batch.Holds())
		return err
	}
	if err := e.cfg.Store.SaveCommit(ctx, plan.RunID, updated); err != nil {
		// The swap already happened, so the in-memory commit stands. Runs stay halted
		// until an operator reconciles the store.
		s.persistErr = fmt.Errorf("%w: failed to persist committed run: %v", ledger.ErrIntegrityFault, err)
		e.haltLocked(s.persistErr, nil)
	}
	return nil
}

func (s *runSettler) Abort(ctx context.Context, plan settlement.Plan, cause error) {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.Release(plan.Batch.Holds())
	e.log.Debug("engine: released batch reservations", "run_id", plan.RunID.String(), "cause", cause)
}
