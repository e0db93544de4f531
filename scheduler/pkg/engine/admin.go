package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
)

// Authorize returns ErrUnauthorized unless caller is the owner.
func (e *Engine) Authorize(caller solana.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authorizeLocked(caller)
}

func (e *Engine) authorizeLocked(caller solana.PublicKey) error {
	if caller.IsZero() || !caller.Equals(e.settings.Owner) {
		return ledger.ErrUnauthorized
	}
	return nil
}

// SetBatchCapacity sets the maximum batch size, 1 through 255.
func (e *Engine) SetBatchCapacity(ctx context.Context, caller solana.PublicKey, capacity int) error {
	return e.updateSettings(ctx, "set_batch_capacity", caller, func(s *Settings) error {
		if capacity < 1 || capacity > MaxBatchCapacity {
			return fmt.Errorf("%w: batch capacity must be between 1 and %d", ledger.ErrInvalidAmount, MaxBatchCapacity)
		}
		s.BatchCapacity = uint8(capacity)
		return nil
	})
}

// SetFeeRate sets the fee percentage, 0 through 100.
func (e *Engine) SetFeeRate(ctx context.Context, caller solana.PublicKey, rate int) error {
	return e.updateSettings(ctx, "set_fee_rate", caller, func(s *Settings) error {
		if rate < 0 || rate > MaxFeeRate {
			return fmt.Errorf("%w: fee rate must be between 0 and %d", ledger.ErrInvalidAmount, MaxFeeRate)
		}
		s.FeeRate = uint8(rate)
		return nil
	})
}

func (e *Engine) SetPoolAddress(ctx context.Context, caller, addr solana.PublicKey) error {
	return e.setAddress(ctx, "set_pool_address", caller, addr, func(s *Settings) { s.PoolAddress = addr })
}

func (e *Engine) SetTokenAddress(ctx context.Context, caller, addr solana.PublicKey) error {
	return e.setAddress(ctx, "set_token_address", caller, addr, func(s *Settings) { s.TokenAddress = addr })
}

func (e *Engine) SetWrapAddress(ctx context.Context, caller, addr solana.PublicKey) error {
	return e.setAddress(ctx, "set_wrap_address", caller, addr, func(s *Settings) { s.WrapAddress = addr })
}

// TransferOwnership hands the admin surface to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner solana.PublicKey) error {
	return e.setAddress(ctx, "transfer_ownership", caller, newOwner, func(s *Settings) { s.Owner = newOwner })
}

func (e *Engine) setAddress(ctx context.Context, op string, caller, addr solana.PublicKey, set func(*Settings)) error {
	return e.updateSettings(ctx, op, caller, func(s *Settings) error {
		if addr.IsZero() {
			return fmt.Errorf("%w: address must not be empty", ledger.ErrInvalidAmount)
		}
		set(s)
		return nil
	})
}

func (e *Engine) updateSettings(ctx context.Context, op string, caller solana.PublicKey, fn func(*Settings) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.updateSettingsLocked(ctx, caller, fn)
	metrics.RecordLedgerOperation(op, err)
	if err != nil {
		return err
	}
	e.log.Info("engine: settings updated", "operation", op, "owner", e.settings.Owner.String(), "batch_capacity", e.settings.BatchCapacity, "fee_rate", e.settings.FeeRate)
	return nil
}

func (e *Engine) updateSettingsLocked(ctx context.Context, caller solana.PublicKey, fn func(*Settings) error) error {
	if err := e.authorizeLocked(caller); err != nil {
		return err
	}
	next := e.settings
	if err := fn(&next); err != nil {
		return err
	}
	if err := e.cfg.Store.SaveSettings(ctx, next); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	e.settings = next
	return nil
}

// ClearFault resumes settlement after an integrity fault and releases the reservations
// the faulted run was holding. Only the owner may clear a fault.
func (e *Engine) ClearFault(ctx context.Context, caller solana.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.authorizeLocked(caller); err != nil {
		return err
	}
	if e.fault == nil {
		return ledger.ErrAlreadyInState
	}
	e.ledger.Release(e.faultHolds)
	e.log.Warn("engine: integrity fault cleared", "fault", e.fault.Error(), "released_holds", len(e.faultHolds))
	e.fault = nil
	e.faultHolds = nil
	return nil
}

// Settings returns the full owner configuration.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) Owner() solana.PublicKey        { return e.Settings().Owner }
func (e *Engine) BatchCapacity() uint8           { return e.Settings().BatchCapacity }
func (e *Engine) FeeRate() uint8                 { return e.Settings().FeeRate }
func (e *Engine) PoolAddress() solana.PublicKey  { return e.Settings().PoolAddress }
func (e *Engine) TokenAddress() solana.PublicKey { return e.Settings().TokenAddress }
func (e *Engine) WrapAddress() solana.PublicKey  { return e.Settings().WrapAddress }
