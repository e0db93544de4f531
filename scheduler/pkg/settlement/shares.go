package settlement

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Share is one participant's settlement: Debit leaves the deposit, Credit is the pro-rata
// proceeds.
type Share struct {
	Account solana.PublicKey `json:"account"`
	Debit   decimal.Decimal  `json:"debit"`
	Credit  decimal.Decimal  `json:"credit"`
}

// Distribute splits net across the batch as floor(amountPerCycle_i * net / aggregate),
// in selection order, and returns the undistributed remainder as dust. Dust is always
// in [0, len(batch)).
func Distribute(plan Plan) ([]Share, decimal.Decimal, error) {
	if plan.Batch.Empty() {
		return nil, decimal.Zero, nil
	}
	if plan.Net.GreaterThan(plan.Aggregate()) {
		return nil, decimal.Zero, fmt.Errorf("%w: net %s exceeds aggregate %s", ledger.ErrIntegrityFault, plan.Net, plan.Aggregate())
	}

	shares := make([]Share, len(plan.Batch.Entries))
	distributed := decimal.Zero
	for i, e := range plan.Batch.Entries {
		credit, err := ledger.MulDivFloor(e.AmountPerCycle, plan.Net, plan.Aggregate())
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to compute share of %s: %w", e.Account, err)
		}
		distributed, err = ledger.CheckedAdd(distributed, credit)
		if err != nil {
			return nil, decimal.Zero, err
		}
		shares[i] = Share{Account: e.Account, Debit: e.AmountPerCycle, Credit: credit}
	}

	dust, err := ledger.CheckedSub(plan.Net, distributed)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("shares exceed net: %w", err)
	}
	if dust.GreaterThanOrEqual(decimal.NewFromInt(int64(len(shares)))) {
		return nil, decimal.Zero, fmt.Errorf("%w: dust %s not below batch size %d", ledger.ErrIntegrityFault, dust, len(shares))
	}
	return shares, dust, nil
}

// Postings converts shares into ledger postings.
func Postings(shares []Share) []ledger.Posting {
	out := make([]ledger.Posting, len(shares))
	for i, s := range shares {
		out[i] = ledger.Posting{Account: s.Account, Debit: s.Debit, Credit: s.Credit}
	}
	return out
}
