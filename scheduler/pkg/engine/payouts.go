package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/shopspring/decimal"
)

// Asset is which balance a payout drains.
type Asset string

const (
	// AssetNative pays out the deposited balance in the native currency.
	AssetNative Asset = "native"
	// AssetToken pays out the converted balance in the configured output token.
	AssetToken Asset = "token"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutFailed    PayoutStatus = "failed"
)

// Payout is one outbound transfer requested by a withdrawal. The ledger debit always
// precedes it; a failed payout is recorded for operators and never re-credited.
type Payout struct {
	ID        uuid.UUID        `json:"id"`
	Account   solana.PublicKey `json:"account"`
	Asset     Asset            `json:"asset"`
	Mint      solana.PublicKey `json:"mint,omitzero"`
	Amount    decimal.Decimal  `json:"amount"`
	Status    PayoutStatus     `json:"status"`
	Reference string           `json:"reference,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Transferer moves value out to a participant's wallet and returns a reference such as a
// transaction signature.
type Transferer interface {
	TransferNative(ctx context.Context, to solana.PublicKey, amount decimal.Decimal) (string, error)
	TransferToken(ctx context.Context, mint, to solana.PublicKey, amount decimal.Decimal) (string, error)
}

// newPayoutLocked records a pending payout. A zero amount yields no payout.
func (e *Engine) newPayoutLocked(ctx context.Context, account solana.PublicKey, asset Asset, amount decimal.Decimal) *Payout {
	if amount.IsZero() {
		return nil
	}
	now := e.cfg.Clock.Now()
	p := &Payout{
		ID:        uuid.New(),
		Account:   account,
		Asset:     asset,
		Amount:    amount,
		Status:    PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if asset == AssetToken {
		p.Mint = e.settings.TokenAddress
	}
	if err := e.cfg.Store.SavePayout(ctx, *p); err != nil {
		e.log.Error("engine: failed to record pending payout", "payout_id", p.ID.String(), "account", account.String(), "error", err)
	}
	return p
}

// dispatch runs the transfer in the background. The request context only seeds values;
// cancellation of the caller does not stop a transfer already debited.
func (e *Engine) dispatch(ctx context.Context, p Payout) {
	e.payouts.Add(1)
	go func() {
		defer e.payouts.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PayoutTimeout)
		defer cancel()

		e.notifyPayout(ctx, p)

		var (
			ref string
			err error
		)
		switch p.Asset {
		case AssetToken:
			ref, err = e.cfg.Transferer.TransferToken(ctx, p.Mint, p.Account, p.Amount)
		default:
			ref, err = e.cfg.Transferer.TransferNative(ctx, p.Account, p.Amount)
		}

		p.UpdatedAt = e.cfg.Clock.Now()
		if err != nil {
			p.Status = PayoutFailed
			p.Reason = err.Error()
			e.log.Error("engine: payout failed", "payout_id", p.ID.String(), "account", p.Account.String(), "asset", string(p.Asset), "amount", p.Amount.String(), "error", err)
		} else {
			p.Status = PayoutConfirmed
			p.Reference = ref
			e.log.Info("engine: payout confirmed", "payout_id", p.ID.String(), "account", p.Account.String(), "asset", string(p.Asset), "amount", p.Amount.String(), "reference", ref)
		}
		metrics.PayoutsTotal.WithLabelValues(string(p.Asset), string(p.Status)).Inc()

		e.mu.Lock()
		if err := e.cfg.Store.SavePayout(ctx, p); err != nil {
			e.log.Error("engine: failed to record payout outcome", "payout_id", p.ID.String(), "error", err)
		}
		e.mu.Unlock()

		e.notifyPayout(ctx, p)
	}()
}

// WaitPayouts blocks until every dispatched payout has finished.
func (e *Engine) WaitPayouts() {
	e.payouts.Wait()
}

// Payouts lists the caller's payouts, newest first.
func (e *Engine) Payouts(ctx context.Context, caller solana.PublicKey, limit int) ([]Payout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Store.ListPayouts(ctx, caller, limit)
}
