package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the final state of one run.
type Status string

const (
	StatusEmpty     Status = "empty"
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
	StatusFaulted   Status = "faulted"
)

// Receipt records what a run did. Aborted and faulted runs carry the failing stage and reason.
type Receipt struct {
	RunID       uuid.UUID       `json:"run_id"`
	Status      Status          `json:"status"`
	Now         time.Time       `json:"now"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	BatchSize   int             `json:"batch_size"`
	Aggregate   decimal.Decimal `json:"aggregate"`
	FeeRate     uint8           `json:"fee_rate"`
	Fee         decimal.Decimal `json:"fee"`
	Net         decimal.Decimal `json:"net"`
	Dust        decimal.Decimal `json:"dust"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Route       Route           `json:"route"`
	WrapRef     string          `json:"wrap_ref,omitempty"`
	SwapRef     string          `json:"swap_ref,omitempty"`
	FailedStage Stage           `json:"failed_stage,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Shares      []Share         `json:"shares,omitempty"`
}

func newReceipt(plan Plan, startedAt time.Time) *Receipt {
	return &Receipt{
		RunID:     plan.RunID,
		Now:       plan.Now,
		StartedAt: startedAt,
		BatchSize: plan.Batch.Len(),
		Aggregate: plan.Batch.Aggregate,
		FeeRate:   plan.FeeRate,
		Fee:       plan.Fee,
		Net:       plan.Net,
		Dust:      decimal.Zero,
		AmountOut: decimal.Zero,
		Route:     plan.Route,
	}
}

// Duration is the wall time the run took.
func (r *Receipt) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
