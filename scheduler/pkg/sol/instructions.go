package sol

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/shopspring/decimal"
)

var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	computeBudgetSetUnitLimit = 2
	computeBudgetSetUnitPrice = 3

	tokenInstructionTransfer   = 3
	tokenInstructionSyncNative = 17

	ataInstructionCreateIdempotent = 1

	poolInstructionSwap = 1
)

// toU64 converts a base-unit amount to the u64 the token programs use.
func toU64(amount decimal.Decimal) (uint64, error) {
	if !ledger.IsValidAmount(amount) {
		return 0, fmt.Errorf("amount %s is not a base-unit integer", amount)
	}
	b := amount.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("amount %s exceeds u64", amount)
	}
	return b.Uint64(), nil
}

func setComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetSetUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func setComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetSetUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func createATAIdempotent(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(ata, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		},
		[]byte{ataInstructionCreateIdempotent},
	)
}

func syncNative(account solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(account, true, false)},
		[]byte{tokenInstructionSyncNative},
	)
}

func tokenTransfer(source, destination, authority solana.PublicKey, amount uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = tokenInstructionTransfer
	binary.LittleEndian.PutUint64(data[1:], amount)
	return solana.NewInstruction(
		solana.TokenProgramID,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		data,
	)
}

func nativeTransfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// poolSwap builds the pool program's swap instruction: [1, amountIn u64 LE, minAmountOut u64 LE].
func poolSwap(program, pool, user, source, destination solana.PublicKey, amountIn, minOut uint64) solana.Instruction {
	data := make([]byte, 17)
	data[0] = poolInstructionSwap
	binary.LittleEndian.PutUint64(data[1:], amountIn)
	binary.LittleEndian.PutUint64(data[9:], minOut)
	return solana.NewInstruction(
		program,
		solana.AccountMetaSlice{
			solana.NewAccountMeta(pool, true, false),
			solana.NewAccountMeta(user, true, true),
			solana.NewAccountMeta(source, true, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
		},
		data,
	)
}

func budgetInstructions(units uint32, price decimal.Decimal) ([]solana.Instruction, error) {
	var out []solana.Instruction
	if units > 0 {
		out = append(out, setComputeUnitLimit(units))
	}
	if price.IsPositive() {
		p, err := toU64(price)
		if err != nil {
			return nil, fmt.Errorf("invalid compute unit price: %w", err)
		}
		out = append(out, setComputeUnitPrice(p))
	}
	return out, nil
}
