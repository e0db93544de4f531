package ledger

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Hold reserves an amount of one account's deposit for an in-flight run.
type Hold struct {
	Account solana.PublicKey
	Amount  decimal.Decimal
}

// Posting is one participant's commit: Debit leaves the deposit, Credit joins the converted balance.
type Posting struct {
	Account solana.PublicKey
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

// Reserve places holds for every entry, or none of them.
func (l *Ledger) Reserve(holds []Hold) error {
	next := make(map[solana.PublicKey]decimal.Decimal, len(holds))
	for _, h := range holds {
		p, ok := l.records[h.Account]
		if !ok {
			return fmt.Errorf("%w: reserve for unknown account %s", ErrIntegrityFault, h.Account)
		}
		cur, seen := next[h.Account]
		if !seen {
			cur = p.Reserved
		}
		sum, err := CheckedAdd(cur, h.Amount)
		if err != nil {
			return err
		}
		if sum.GreaterThan(p.DepositedBalance) {
			return fmt.Errorf("%w: reserve %s exceeds deposit of %s", ErrIntegrityFault, sum, h.Account)
		}
		next[h.Account] = sum
	}
	for account, reserved := range next {
		l.records[account].Reserved = reserved
	}
	return nil
}

// Release drops holds placed by Reserve. Accounts that no longer exist are skipped.
func (l *Ledger) Release(holds []Hold) {
	for _, h := range holds {
		p, ok := l.records[h.Account]
		if !ok {
			continue
		}
		p.Reserved = p.Reserved.Sub(h.Amount)
		if p.Reserved.Sign() <= 0 {
			p.Reserved = decimal.Zero
		}
	}
}

// Commit applies a settled run. Every posting is validated before any record changes, so a
// failure leaves the ledger untouched. Postings consume the matching reservations.
func (l *Ledger) Commit(now time.Time, postings []Posting) ([]Participant, error) {
	type staged struct {
		p         *Participant
		deposited decimal.Decimal
		converted decimal.Decimal
		reserved  decimal.Decimal
	}
	plan := make([]staged, 0, len(postings))
	index := make(map[solana.PublicKey]int, len(postings))

	for _, post := range postings {
		if _, dup := index[post.Account]; dup {
			return nil, fmt.Errorf("%w: duplicate posting for %s", ErrIntegrityFault, post.Account)
		}
		p, ok := l.records[post.Account]
		if !ok {
			return nil, fmt.Errorf("%w: posting for unknown account %s", ErrIntegrityFault, post.Account)
		}
		deposited, err := CheckedSub(p.DepositedBalance, post.Debit)
		if err != nil {
			return nil, fmt.Errorf("failed to debit %s: %w", post.Account, err)
		}
		converted, err := CheckedAdd(p.ConvertedBalance, post.Credit)
		if err != nil {
			return nil, fmt.Errorf("failed to credit %s: %w", post.Account, err)
		}
		reserved, err := CheckedSub(p.Reserved, post.Debit)
		if err != nil {
			return nil, fmt.Errorf("failed to consume reservation of %s: %w", post.Account, err)
		}
		index[post.Account] = len(plan)
		plan = append(plan, staged{p: p, deposited: deposited, converted: converted, reserved: reserved})
	}

	out := make([]Participant, 0, len(plan))
	for _, s := range plan {
		s.p.DepositedBalance = s.deposited
		s.p.ConvertedBalance = s.converted
		s.p.Reserved = s.reserved
		s.p.LastCycleTime = now
		out = append(out, *s.p)
	}
	return out, nil
}
