package settlement

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/selector"
	"github.com/shopspring/decimal"
)

// WrappedSOLMint is the default input asset of the swap stage.
var WrappedSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// Route names the external endpoints a run goes through.
type Route struct {
	WrapAddress solana.PublicKey `json:"wrap_address"`
	PoolAddress solana.PublicKey `json:"pool_address"`
	InputAsset  solana.PublicKey `json:"input_asset"`
	OutputAsset solana.PublicKey `json:"output_asset"`
}

// Plan is the state one run carries through every stage. It is built once at selection
// time and never re-read from the ledger, so ledger changes between stages cannot alter it.
type Plan struct {
	RunID   uuid.UUID       `json:"run_id"`
	Now     time.Time       `json:"now"`
	Batch   selector.Batch  `json:"batch"`
	FeeRate uint8           `json:"fee_rate"`
	Fee     decimal.Decimal `json:"fee"`
	Net     decimal.Decimal `json:"net"`
	Route   Route           `json:"route"`
	Budget  Budget          `json:"budget"`
}

// NewPlan computes the fee-adjusted net amount for a batch:
// net = aggregate - floor(aggregate * feeRate / 100).
func NewPlan(runID uuid.UUID, now time.Time, batch selector.Batch, feeRate uint8, route Route, budget Budget) (Plan, error) {
	if feeRate > 100 {
		return Plan{}, fmt.Errorf("%w: fee rate %d exceeds 100", ledger.ErrInvalidAmount, feeRate)
	}
	if route.InputAsset.IsZero() {
		route.InputAsset = WrappedSOLMint
	}
	plan := Plan{
		RunID:   runID,
		Now:     now,
		Batch:   batch,
		FeeRate: feeRate,
		Fee:     decimal.Zero,
		Net:     decimal.Zero,
		Route:   route,
		Budget:  budget,
	}
	if batch.Empty() {
		return plan, nil
	}
	fee, err := ledger.MulDivFloor(batch.Aggregate, decimal.NewFromInt(int64(feeRate)), decimal.NewFromInt(100))
	if err != nil {
		return Plan{}, fmt.Errorf("failed to compute fee: %w", err)
	}
	net, err := ledger.CheckedSub(batch.Aggregate, fee)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to compute net amount: %w", err)
	}
	plan.Fee = fee
	plan.Net = net
	return plan, nil
}

// Aggregate is the batch's summed requested amount.
func (p Plan) Aggregate() decimal.Decimal {
	return p.Batch.Aggregate
}

func (p Plan) wrapRequest() WrapRequest {
	return WrapRequest{
		RunID:   p.RunID.String(),
		Wrapper: p.Route.WrapAddress,
		Amount:  p.Net,
		Budget:  p.Budget,
	}
}

func (p Plan) swapInstruction() SwapInstruction {
	return SwapInstruction{
		RunID:        p.RunID.String(),
		Pool:         p.Route.PoolAddress,
		InputAsset:   p.Route.InputAsset,
		OutputAsset:  p.Route.OutputAsset,
		AmountIn:     p.Net,
		MinAmountOut: decimal.Zero,
		Budget:       p.Budget,
	}
}
