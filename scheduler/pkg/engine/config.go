package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
)

const (
	DefaultBatchCapacity   = 10
	MaxBatchCapacity       = 255
	MaxFeeRate             = 100
	DefaultPayoutTimeout   = 2 * time.Minute
	DefaultObserverTimeout = 30 * time.Second
)

// Settings is the owner-managed configuration.
type Settings struct {
	Owner         solana.PublicKey `json:"owner"`
	BatchCapacity uint8            `json:"batch_capacity"`
	FeeRate       uint8            `json:"fee_rate"`
	PoolAddress   solana.PublicKey `json:"pool_address"`
	TokenAddress  solana.PublicKey `json:"token_address"`
	WrapAddress   solana.PublicKey `json:"wrap_address"`
}

func (s Settings) Validate() error {
	if s.Owner.IsZero() {
		return errors.New("owner is required")
	}
	if s.BatchCapacity == 0 {
		return fmt.Errorf("%w: batch capacity must be between 1 and %d", ledger.ErrInvalidAmount, MaxBatchCapacity)
	}
	if s.FeeRate > MaxFeeRate {
		return fmt.Errorf("%w: fee rate must be between 0 and %d", ledger.ErrInvalidAmount, MaxFeeRate)
	}
	return nil
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Settings seeds the owner configuration when the store holds none.
	Settings Settings

	// InputAsset is the mint swapped from. Defaults to wrapped SOL.
	InputAsset solana.PublicKey
	Budget     settlement.Budget

	// AutoPauseUnderfunded pauses participants that are due but cannot cover a cycle.
	AutoPauseUnderfunded bool

	Wrapper    settlement.Wrapper
	Swapper    settlement.Swapper
	Transferer Transferer

	// Store persists records write-through. Defaults to an in-memory store.
	Store Store

	RunObservers    []RunObserver
	PayoutObservers []PayoutObserver
	FaultReporters  []FaultReporter

	PayoutTimeout   time.Duration
	ObserverTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wrapper == nil {
		return errors.New("wrapper is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.Transferer == nil {
		return errors.New("transferer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.InputAsset.IsZero() {
		cfg.InputAsset = settlement.WrappedSOLMint
	}
	if cfg.Settings.BatchCapacity == 0 {
		cfg.Settings.BatchCapacity = DefaultBatchCapacity
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = DefaultPayoutTimeout
	}
	if cfg.ObserverTimeout <= 0 {
		cfg.ObserverTimeout = DefaultObserverTimeout
	}
	return nil
}
