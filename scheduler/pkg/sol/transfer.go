package sol

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TransferNative sends lamports from the payer to a participant wallet.
func (c *Client) TransferNative(ctx context.Context, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	lamports, err := toU64(amount)
	if err != nil {
		return "", err
	}
	sig, err := c.submit(ctx, "transfer_native", []solana.Instruction{nativeTransfer(c.payer(), to, lamports)})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// TransferToken sends tokens of mint from the payer's associated account to the participant's,
// creating the destination account when it does not exist.
func (c *Client) TransferToken(ctx context.Context, mint, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	raw, err := toU64(amount)
	if err != nil {
		return "", err
	}
	source, _, err := solana.FindAssociatedTokenAddress(c.payer(), mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive source account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive destination account: %w", err)
	}
	sig, err := c.submit(ctx, "transfer_token", []solana.Instruction{
		createATAIdempotent(c.payer(), destination, to, mint),
		tokenTransfer(source, destination, c.payer(), raw),
	})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}
