package sol

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/malbeclabs/dca/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

// Wrap moves Amount lamports from the payer into a wrapped-SOL token account and syncs its
// token balance. A zero req.Wrapper targets the payer's associated wrapped-SOL account.
func (c *Client) Wrap(ctx context.Context, req settlement.WrapRequest) settlement.Result {
	lamports, err := toU64(req.Amount)
	if err != nil {
		return settlement.Failure(err.Error())
	}
	ins, err := budgetInstructions(req.Budget.ComputeUnits, req.Budget.Deposit)
	if err != nil {
		return settlement.Failure(err.Error())
	}

	target := req.Wrapper
	if target.IsZero() {
		ata, _, err := solana.FindAssociatedTokenAddress(c.payer(), settlement.WrappedSOLMint)
		if err != nil {
			return settlement.Failure(fmt.Sprintf("failed to derive wrapped SOL account: %v", err))
		}
		target = ata
		ins = append(ins, createATAIdempotent(c.payer(), ata, c.payer(), settlement.WrappedSOLMint))
	}
	ins = append(ins,
		nativeTransfer(c.payer(), target, lamports),
		syncNative(target),
	)

	sig, err := c.submit(ctx, "wrap", ins)
	if err != nil {
		c.log.Warn("solana: wrap failed", "run_id", req.RunID, "error", err)
		return settlement.Failure(err.Error())
	}
	return settlement.Success(settlement.Outcome{Reference: sig.String(), AmountOut: req.Amount})
}

// Swap sends AmountIn of the input asset through the pool and reports the output account's
// balance change as AmountOut.
func (c *Client) Swap(ctx context.Context, ins settlement.SwapInstruction) settlement.Result {
	amountIn, err := toU64(ins.AmountIn)
	if err != nil {
		return settlement.Failure(err.Error())
	}
	minOut, err := toU64(ins.MinAmountOut)
	if err != nil {
		return settlement.Failure(err.Error())
	}
	if ins.Pool.IsZero() {
		return settlement.Failure("pool address is not configured")
	}
	if ins.OutputAsset.IsZero() {
		return settlement.Failure("output asset is not configured")
	}

	source, _, err := solana.FindAssociatedTokenAddress(c.payer(), ins.InputAsset)
	if err != nil {
		return settlement.Failure(fmt.Sprintf("failed to derive input account: %v", err))
	}
	destination, _, err := solana.FindAssociatedTokenAddress(c.payer(), ins.OutputAsset)
	if err != nil {
		return settlement.Failure(fmt.Sprintf("failed to derive output account: %v", err))
	}

	instructions, err := budgetInstructions(ins.Budget.ComputeUnits, ins.Budget.Deposit)
	if err != nil {
		return settlement.Failure(err.Error())
	}
	instructions = append(instructions,
		createATAIdempotent(c.payer(), destination, c.payer(), ins.OutputAsset),
		poolSwap(c.cfg.PoolProgramID, ins.Pool, c.payer(), source, destination, amountIn, minOut),
	)

	before := c.tokenBalance(ctx, destination)
	sig, err := c.submit(ctx, "swap", instructions)
	if err != nil {
		c.log.Warn("solana: swap failed", "run_id", ins.RunID, "error", err)
		return settlement.Failure(err.Error())
	}
	after := c.tokenBalance(ctx, destination)

	out := decimal.Zero
	if after.GreaterThan(before) {
		out = after.Sub(before)
	}
	return settlement.Success(settlement.Outcome{Reference: sig.String(), AmountOut: out})
}

// tokenBalance returns the raw balance of a token account, or zero when it cannot be read.
func (c *Client) tokenBalance(ctx context.Context, account solana.PublicKey) decimal.Decimal {
	res, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetTokenAccountBalanceResult, error) {
		return c.cfg.RPC.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
	})
	if err != nil || res == nil || res.Value == nil {
		c.log.Debug("solana: token balance unavailable", "account", account.String(), "error", err)
		return decimal.Zero
	}
	v, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return decimal.Zero
	}
	return v
}
