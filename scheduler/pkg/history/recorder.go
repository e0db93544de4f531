package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/shopspring/decimal"
)

const backend = "clickhouse"

type Config struct {
	Logger *slog.Logger
	Conn   Conn
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("conn is required")
	}
	return nil
}

// Recorder writes one fact row per non-empty run and one per settled share.
type Recorder struct {
	log  *slog.Logger
	conn Conn
}

func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Recorder{log: cfg.Logger, conn: cfg.Conn}, nil
}

// Run is one row of dca_runs.
type Run struct {
	RunID       uuid.UUID       `json:"run_id"`
	Status      string          `json:"status"`
	RunAt       time.Time       `json:"run_at"`
	BatchSize   uint16          `json:"batch_size"`
	Aggregate   decimal.Decimal `json:"aggregate"`
	FeeRate     uint8           `json:"fee_rate"`
	Fee         decimal.Decimal `json:"fee"`
	Net         decimal.Decimal `json:"net"`
	Dust        decimal.Decimal `json:"dust"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	SwapRef     string          `json:"swap_ref,omitempty"`
	FailedStage string          `json:"failed_stage,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// ShareRow is one participant's part of a committed run.
type ShareRow struct {
	RunID  uuid.UUID       `json:"run_id"`
	RunAt  time.Time       `json:"run_at"`
	Debit  decimal.Decimal `json:"debit"`
	Credit decimal.Decimal `json:"credit"`
}

func (r *Recorder) RunCompleted(ctx context.Context, receipt *settlement.Receipt) error {
	if receipt == nil || receipt.Status == settlement.StatusEmpty {
		return nil
	}
	start := time.Now()
	err := r.record(ctx, receipt)
	metrics.RecordQuery(backend, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", receipt.RunID, err)
	}
	r.log.Debug("history: run recorded", "run_id", receipt.RunID, "status", receipt.Status, "shares", len(receipt.Shares))
	return nil
}

func (r *Recorder) record(ctx context.Context, receipt *settlement.Receipt) error {
	err := r.conn.Exec(ctx, `
		INSERT INTO dca_runs (run_id, status, run_at, started_at, finished_at, batch_size, aggregate,
			fee_rate, fee, net, dust, amount_out, pool, input_asset, output_asset,
			wrap_ref, swap_ref, failed_stage, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.RunID,
		string(receipt.Status),
		receipt.Now.UTC(),
		receipt.StartedAt.UTC(),
		receipt.FinishedAt.UTC(),
		uint16(receipt.BatchSize),
		toBig(receipt.Aggregate),
		receipt.FeeRate,
		toBig(receipt.Fee),
		toBig(receipt.Net),
		toBig(receipt.Dust),
		toBig(receipt.AmountOut),
		keyString(receipt.Route.PoolAddress),
		keyString(receipt.Route.InputAsset),
		keyString(receipt.Route.OutputAsset),
		receipt.WrapRef,
		receipt.SwapRef,
		string(receipt.FailedStage),
		receipt.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if len(receipt.Shares) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO dca_run_shares (run_id, run_at, account, debit, credit)")
	if err != nil {
		return fmt.Errorf("failed to prepare share batch: %w", err)
	}
	for _, s := range receipt.Shares {
		if err := batch.Append(receipt.RunID, receipt.Now.UTC(), s.Account.String(), toBig(s.Debit), toBig(s.Credit)); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append share: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send share batch: %w", err)
	}
	return nil
}

// RecentRuns returns the newest recorded runs first.
func (r *Recorder) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := r.conn.Query(ctx, `
		SELECT run_id, status, run_at, batch_size, aggregate, fee_rate, fee, net, dust, amount_out,
			swap_ref, failed_stage, reason
		FROM dca_runs FINAL
		ORDER BY run_at DESC
		LIMIT ?`, limit)
	metrics.RecordQuery(backend, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			run                                  Run
			aggregate, fee, net, dust, amountOut big.Int
		)
		if err := rows.Scan(&run.RunID, &run.Status, &run.RunAt, &run.BatchSize, &aggregate, &run.FeeRate,
			&fee, &net, &dust, &amountOut, &run.SwapRef, &run.FailedStage, &run.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Aggregate = fromBig(&aggregate)
		run.Fee = fromBig(&fee)
		run.Net = fromBig(&net)
		run.Dust = fromBig(&dust)
		run.AmountOut = fromBig(&amountOut)
		run.RunAt = run.RunAt.UTC()
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return out, nil
}

// AccountShares returns an account's settled shares, newest first.
func (r *Recorder) AccountShares(ctx context.Context, account solana.PublicKey, limit int) ([]ShareRow, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	rows, err := r.conn.Query(ctx, `
		SELECT run_id, run_at, debit, credit
		FROM dca_run_shares FINAL
		WHERE account = ?
		ORDER BY run_at DESC
		LIMIT ?`, account.String(), limit)
	metrics.RecordQuery(backend, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var out []ShareRow
	for rows.Next() {
		var (
			row           ShareRow
			debit, credit big.Int
		)
		if err := rows.Scan(&row.RunID, &row.RunAt, &debit, &credit); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		row.RunAt = row.RunAt.UTC()
		row.Debit = fromBig(&debit)
		row.Credit = fromBig(&credit)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shares: %w", err)
	}
	return out, nil
}

func toBig(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

func fromBig(b *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(b, 0)
}

func keyString(k solana.PublicKey) string {
	if k.IsZero() {
		return ""
	}
	return k.String()
}
