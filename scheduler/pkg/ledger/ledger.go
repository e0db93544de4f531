package ledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Ledger holds every participant record. It is not safe for concurrent use; the owner
// serializes access.
type Ledger struct {
	records map[solana.PublicKey]*Participant
	nextSeq uint64
}

func New() *Ledger {
	return &Ledger{records: make(map[solana.PublicKey]*Participant)}
}

// Load replaces the ledger contents with previously persisted records.
func (l *Ledger) Load(participants []Participant) error {
	records := make(map[solana.PublicKey]*Participant, len(participants))
	var next uint64
	for _, p := range participants {
		if _, ok := records[p.Account]; ok {
			return fmt.Errorf("%w: duplicate record for %s", ErrIntegrityFault, p.Account)
		}
		if !IsValidAmount(p.DepositedBalance) || !IsValidAmount(p.ConvertedBalance) || !IsValidAmount(p.AmountPerCycle) {
			return fmt.Errorf("%w: record for %s has out of range balances", ErrIntegrityFault, p.Account)
		}
		p.Reserved = decimal.Zero
		records[p.Account] = &p
		if p.RegisteredSeq >= next {
			next = p.RegisteredSeq + 1
		}
	}
	l.records = records
	l.nextSeq = next
	return nil
}

// Get returns a copy of the caller's record.
func (l *Ledger) Get(account solana.PublicKey) (Participant, bool) {
	p, ok := l.records[account]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Participants returns copies of all records in registration order.
func (l *Ledger) Participants() []Participant {
	out := make([]Participant, 0, len(l.records))
	for _, p := range l.records {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Participant) int {
		switch {
		case a.RegisteredSeq < b.RegisteredSeq:
			return -1
		case a.RegisteredSeq > b.RegisteredSeq:
			return 1
		}
		return 0
	})
	return out
}

// Restore puts back a record captured with Get, or deletes the account when existed is false.
// It is used to roll back a mutation whose persistence failed.
func (l *Ledger) Restore(account solana.PublicKey, prev Participant, existed bool) {
	if !existed {
		delete(l.records, account)
		return
	}
	if cur, ok := l.records[account]; ok {
		prev.Reserved = cur.Reserved
	}
	l.records[account] = &prev
}

// Register creates the caller's record.
func (l *Ledger) Register(caller solana.PublicKey, amountPerCycle decimal.Decimal, interval time.Duration, initialDeposit decimal.Decimal) (Participant, error) {
	if !IsValidAmount(amountPerCycle) || amountPerCycle.IsZero() {
		return Participant{}, fmt.Errorf("%w: amount per cycle must be positive", ErrInvalidAmount)
	}
	if !IsValidAmount(initialDeposit) || initialDeposit.IsZero() {
		return Participant{}, fmt.Errorf("%w: initial deposit must be positive", ErrInvalidAmount)
	}
	if initialDeposit.LessThanOrEqual(amountPerCycle) {
		return Participant{}, fmt.Errorf("%w: initial deposit must exceed amount per cycle", ErrInvalidAmount)
	}
	if interval < 0 {
		return Participant{}, fmt.Errorf("%w: cycle interval must not be negative", ErrInvalidAmount)
	}
	if _, ok := l.records[caller]; ok {
		return Participant{}, ErrAlreadyRegistered
	}

	p := &Participant{
		Account:          caller,
		DepositedBalance: initialDeposit,
		AmountPerCycle:   amountPerCycle,
		CycleInterval:    interval,
		ConvertedBalance: decimal.Zero,
		Reserved:         decimal.Zero,
		RegisteredSeq:    l.nextSeq,
	}
	l.nextSeq++
	l.records[caller] = p
	return *p, nil
}

// Deposit adds amount to the caller's deposited balance.
func (l *Ledger) Deposit(caller solana.PublicKey, amount decimal.Decimal) (Participant, error) {
	if !IsValidAmount(amount) || amount.IsZero() {
		return Participant{}, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	p, ok := l.records[caller]
	if !ok {
		return Participant{}, ErrNotRegistered
	}
	sum, err := CheckedAdd(p.DepositedBalance, amount)
	if err != nil {
		return Participant{}, fmt.Errorf("failed to credit deposit: %w", err)
	}
	p.DepositedBalance = sum
	return *p, nil
}

// WithdrawDeposit debits amount from the caller's deposited balance. Funds reserved by an
// in-flight run cannot be withdrawn. The debit happens before any transfer is dispatched.
func (l *Ledger) WithdrawDeposit(caller solana.PublicKey, amount decimal.Decimal) (Participant, error) {
	if !IsValidAmount(amount) {
		return Participant{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	p, ok := l.records[caller]
	if !ok {
		return Participant{}, ErrNotRegistered
	}
	if amount.GreaterThan(p.Available()) {
		return Participant{}, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, amount, p.Available())
	}
	rest, err := CheckedSub(p.DepositedBalance, amount)
	if err != nil {
		return Participant{}, err
	}
	p.DepositedBalance = rest
	return *p, nil
}

// WithdrawConverted debits amount from the caller's converted balance.
func (l *Ledger) WithdrawConverted(caller solana.PublicKey, amount decimal.Decimal) (Participant, error) {
	if !IsValidAmount(amount) {
		return Participant{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	p, ok := l.records[caller]
	if !ok {
		return Participant{}, ErrNotRegistered
	}
	if amount.GreaterThan(p.ConvertedBalance) {
		return Participant{}, fmt.Errorf("%w: requested %s, converted %s", ErrInsufficientBalance, amount, p.ConvertedBalance)
	}
	rest, err := CheckedSub(p.ConvertedBalance, amount)
	if err != nil {
		return Participant{}, err
	}
	p.ConvertedBalance = rest
	return *p, nil
}

// Pause stops the caller from being selected.
func (l *Ledger) Pause(caller solana.PublicKey) (Participant, error) {
	return l.setPaused(caller, true)
}

// Resume makes a paused caller selectable again.
func (l *Ledger) Resume(caller solana.PublicKey) (Participant, error) {
	return l.setPaused(caller, false)
}

func (l *Ledger) setPaused(caller solana.PublicKey, paused bool) (Participant, error) {
	p, ok := l.records[caller]
	if !ok {
		return Participant{}, ErrNotRegistered
	}
	if p.Paused == paused {
		return Participant{}, ErrAlreadyInState
	}
	p.Paused = paused
	return *p, nil
}

// Drain is what Remove debited from a record before deleting it.
type Drain struct {
	Deposited decimal.Decimal
	Converted decimal.Decimal
}

// Remove drains both balances through the withdraw operations and deletes the record.
// A record holding a reservation cannot be removed until its run finishes.
func (l *Ledger) Remove(caller solana.PublicKey) (Drain, error) {
	p, ok := l.records[caller]
	if !ok {
		return Drain{}, ErrNotRegistered
	}
	if p.Reserved.IsPositive() {
		return Drain{}, ErrRunInProgress
	}
	prev := *p

	drain := Drain{Deposited: p.DepositedBalance, Converted: p.ConvertedBalance}
	if _, err := l.WithdrawDeposit(caller, drain.Deposited); err != nil {
		l.Restore(caller, prev, true)
		return Drain{}, err
	}
	if _, err := l.WithdrawConverted(caller, drain.Converted); err != nil {
		l.Restore(caller, prev, true)
		return Drain{}, err
	}
	delete(l.records, caller)
	return drain, nil
}

// SetPaused forces the paused flag without the AlreadyInState check. Selection uses it when
// automatic pausing of under-funded participants is enabled.
func (l *Ledger) SetPaused(account solana.PublicKey, paused bool) (Participant, bool) {
	p, ok := l.records[account]
	if !ok {
		return Participant{}, false
	}
	p.Paused = paused
	return *p, true
}
