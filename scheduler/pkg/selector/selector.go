package selector

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Entry is one selected participant and the amount it contributes to the batch.
type Entry struct {
	Account        solana.PublicKey `json:"account"`
	AmountPerCycle decimal.Decimal  `json:"amount_per_cycle"`
}

// Batch is the ordered output of one selection pass.
type Batch struct {
	Entries   []Entry         `json:"entries"`
	Aggregate decimal.Decimal `json:"aggregate"`

	// Underfunded lists participants that were due but could not cover a cycle.
	Underfunded []solana.PublicKey `json:"underfunded,omitempty"`
}

func (b Batch) Empty() bool {
	return len(b.Entries) == 0
}

func (b Batch) Len() int {
	return len(b.Entries)
}

// Holds returns the reservations a run over this batch must place.
func (b Batch) Holds() []ledger.Hold {
	holds := make([]ledger.Hold, len(b.Entries))
	for i, e := range b.Entries {
		holds[i] = ledger.Hold{Account: e.Account, Amount: e.AmountPerCycle}
	}
	return holds
}

// Select scans participants in the order given, which callers keep as registration order,
// and returns up to capacity eligible entries. Participants past capacity wait for the
// next run.
func Select(participants []ledger.Participant, now time.Time, capacity int) (Batch, error) {
	batch := Batch{Aggregate: decimal.Zero}
	if capacity <= 0 {
		return batch, fmt.Errorf("%w: batch capacity must be positive", ledger.ErrInvalidAmount)
	}

	for _, p := range participants {
		if len(batch.Entries) >= capacity {
			break
		}
		if p.Paused || !p.Due(now) {
			continue
		}
		if !p.Funded() {
			batch.Underfunded = append(batch.Underfunded, p.Account)
			continue
		}
		sum, err := ledger.CheckedAdd(batch.Aggregate, p.AmountPerCycle)
		if err != nil {
			return Batch{}, fmt.Errorf("failed to aggregate batch: %w", err)
		}
		batch.Aggregate = sum
		batch.Entries = append(batch.Entries, Entry{Account: p.Account, AmountPerCycle: p.AmountPerCycle})
	}
	return batch, nil
}
