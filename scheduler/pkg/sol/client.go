package sol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/utils/pkg/retry"
)

// RPC is the subset of the Solana JSON-RPC client the adapter uses. *rpc.Client satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
}

var errBlockhashExpired = errors.New("blockhash expired before confirmation")

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	RPC    RPC
	// Payer signs and funds every transaction and holds the pooled funds.
	Payer         solana.PrivateKey
	PoolProgramID solana.PublicKey
	Commitment    solanarpc.CommitmentType
	PollInterval  time.Duration
	// Retry applies to read RPCs only. Submissions are never retried.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if len(cfg.Payer) == 0 {
		return errors.New("payer key is required")
	}
	if cfg.PoolProgramID.IsZero() {
		return errors.New("pool program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client executes settlement stages and payouts as Solana transactions.
type Client struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Client) payer() solana.PublicKey {
	return c.cfg.Payer.PublicKey()
}

// submit signs, sends and waits for a transaction built from instructions.
func (c *Client) submit(ctx context.Context, label string, instructions []solana.Instruction) (solana.Signature, error) {
	latest, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetLatestBlockhashResult, error) {
		return c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return solana.Signature{}, errors.New("failed to get latest blockhash: empty response")
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(c.payer()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build %s transaction: %w", label, err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.payer()) {
			return &c.cfg.Payer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign %s transaction: %w", label, err)
	}

	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send %s transaction: %w", label, err)
	}
	c.log.Debug("solana: transaction sent", "label", label, "signature", sig.String())

	if err := c.confirm(ctx, sig, latest.Value.LastValidBlockHeight); err != nil {
		return sig, fmt.Errorf("%s transaction %s: %w", label, sig, err)
	}
	c.log.Info("solana: transaction confirmed", "label", label, "signature", sig.String())
	return sig, nil
}

// confirm polls the signature until it reaches the configured commitment, fails on
// chain, or its blockhash expires.
func (c *Client) confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	for {
		statuses, err := retry.DoValue(ctx, c.cfg.Retry, func() (*solanarpc.GetSignatureStatusesResult, error) {
			return c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		})
		if err != nil {
			return fmt.Errorf("failed to get signature status: %w", err)
		}
		if statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			st := statuses.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction failed: %v", st.Err)
			}
			if reached(st.ConfirmationStatus, c.cfg.Commitment) {
				return nil
			}
		}

		height, err := retry.DoValue(ctx, c.cfg.Retry, func() (uint64, error) {
			return c.cfg.RPC.GetBlockHeight(ctx, c.cfg.Commitment)
		})
		if err != nil {
			return fmt.Errorf("failed to get block height: %w", err)
		}
		if height > lastValidBlockHeight {
			return errBlockhashExpired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}
}

func reached(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	switch status {
	case solanarpc.ConfirmationStatusFinalized:
		return true
	case solanarpc.ConfirmationStatusConfirmed:
		return want != solanarpc.CommitmentFinalized
	case solanarpc.ConfirmationStatusProcessed:
		return want == solanarpc.CommitmentProcessed
	}
	return false
}
