package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var ErrExternalStageFailed = errors.New("external stage failed")

// Stage names one external step of a run.
type Stage string

const (
	StageWrap Stage = "wrap"
	StageSwap Stage = "swap"
)

// StageError reports which stage failed and why.
type StageError struct {
	Stage  Stage
	Reason string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Reason)
}

func (e *StageError) Is(target error) bool {
	return target == ErrExternalStageFailed
}

// Budget bounds the computation an external stage may consume and the value attached to it.
type Budget struct {
	ComputeUnits uint32
	Deposit      decimal.Decimal
}

// WrapRequest asks Stage A to convert Amount of the source asset into its wrapped form.
type WrapRequest struct {
	RunID   string
	Wrapper solana.PublicKey
	Amount  decimal.Decimal
	Budget  Budget
}

// SwapInstruction asks Stage B to swap through a named pool.
type SwapInstruction struct {
	RunID        string
	Pool         solana.PublicKey
	InputAsset   solana.PublicKey
	OutputAsset  solana.PublicKey
	AmountIn     decimal.Decimal
	MinAmountOut decimal.Decimal
	Budget       Budget
}

// Wrapper performs Stage A. Implementations block until the stage is confirmed or failed.
type Wrapper interface {
	Wrap(ctx context.Context, req WrapRequest) Result
}

// Swapper performs Stage B. Implementations block until the stage is confirmed or failed.
type Swapper interface {
	Swap(ctx context.Context, ins SwapInstruction) Result
}
