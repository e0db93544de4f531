package ledger

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Participant is one account's recurring conversion record.
type Participant struct {
	Account          solana.PublicKey `json:"account"`
	DepositedBalance decimal.Decimal  `json:"deposited_balance"`
	AmountPerCycle   decimal.Decimal  `json:"amount_per_cycle"`
	CycleInterval    time.Duration    `json:"cycle_interval"`
	LastCycleTime    time.Time        `json:"last_cycle_time"`
	ConvertedBalance decimal.Decimal  `json:"converted_balance"`
	Paused           bool             `json:"paused"`

	// Reserved is held by an in-flight settlement run. It is never persisted.
	Reserved      decimal.Decimal `json:"reserved"`
	RegisteredSeq uint64          `json:"registered_seq"`
}

// Available is the deposited balance not held by an in-flight run.
func (p Participant) Available() decimal.Decimal {
	return p.DepositedBalance.Sub(p.Reserved)
}

// NextCycleAt is the earliest time the participant may be selected again. A participant
// that has never converted is measured from the unix epoch.
func (p Participant) NextCycleAt() time.Time {
	last := p.LastCycleTime
	if last.IsZero() {
		last = time.Unix(0, 0)
	}
	return last.Add(p.CycleInterval)
}

// Due reports whether the cycle interval has elapsed at now.
func (p Participant) Due(now time.Time) bool {
	return !now.Before(p.NextCycleAt())
}

// Funded reports whether the available balance covers one cycle.
func (p Participant) Funded() bool {
	return p.Available().GreaterThanOrEqual(p.AmountPerCycle)
}

// Eligible reports whether the participant can be selected into a batch at now.
func (p Participant) Eligible(now time.Time) bool {
	return !p.Paused && p.Due(now) && p.Funded()
}
