package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	dcatesting "github.com/malbeclabs/dca/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

type mockWrapper struct {
	WrapFunc func(ctx context.Context, req settlement.WrapRequest) settlement.Result
}

func (m *mockWrapper) Wrap(ctx context.Context, req settlement.WrapRequest) settlement.Result {
	if m.WrapFunc == nil {
		return settlement.Success(settlement.Outcome{Reference: "wrap-sig"})
	}
	return m.WrapFunc(ctx, req)
}

type mockSwapper struct {
	SwapFunc func(ctx context.Context, ins settlement.SwapInstruction) settlement.Result
}

func (m *mockSwapper) Swap(ctx context.Context, ins settlement.SwapInstruction) settlement.Result {
	if m.SwapFunc == nil {
		return settlement.Success(settlement.Outcome{Reference: "swap-sig"})
	}
	return m.SwapFunc(ctx, ins)
}

type mockTransferer struct {
	mu                sync.Mutex
	native            []decimal.Decimal
	token             []decimal.Decimal
	TransferNativeErr error
}

func (m *mockTransferer) TransferNative(ctx context.Context, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransferNativeErr != nil {
		return "", m.TransferNativeErr
	}
	m.native = append(m.native, amount)
	return "native-sig", nil
}

func (m *mockTransferer) TransferToken(ctx context.Context, mint, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = append(m.token, amount)
	return "token-sig", nil
}

// flakyStore wraps a MemoryStore and fails selected writes.
type flakyStore struct {
	*MemoryStore
	mu           sync.Mutex
	failSave     bool
	failDelete   bool
	failCommit   bool
	failSettings bool
}

func (s *flakyStore) set(fn func(*flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *flakyStore) SaveParticipant(ctx context.Context, p ledger.Participant) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.SaveParticipant(ctx, p)
}

func (s *flakyStore) DeleteParticipant(ctx context.Context, account solana.PublicKey) error {
	s.mu.Lock()
	fail := s.failDelete
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.DeleteParticipant(ctx, account)
}

func (s *flakyStore) SaveCommit(ctx context.Context, runID uuid.UUID, ps []ledger.Participant) error {
	s.mu.Lock()
	fail := s.failCommit
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.SaveCommit(ctx, runID, ps)
}

func (s *flakyStore) SaveSettings(ctx context.Context, settings Settings) error {
	s.mu.Lock()
	fail := s.failSettings
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.SaveSettings(ctx, settings)
}

// requireBalancesUnchanged compares the settlement fields of two participant lists by value.
func requireBalancesUnchanged(t *testing.T, before, after []ledger.Participant) {
	t.Helper()
	require.Len(t, after, len(before))
	for i := range before {
		b, a := before[i], after[i]
		require.Equal(t, b.Account, a.Account)
		require.True(t, b.DepositedBalance.Equal(a.DepositedBalance), "deposited %s: %s != %s", b.Account, b.DepositedBalance, a.DepositedBalance)
		require.True(t, b.ConvertedBalance.Equal(a.ConvertedBalance), "converted %s: %s != %s", b.Account, b.ConvertedBalance, a.ConvertedBalance)
		require.True(t, b.LastCycleTime.Equal(a.LastCycleTime), "last cycle %s: %s != %s", b.Account, b.LastCycleTime, a.LastCycleTime)
		require.True(t, b.Reserved.Equal(a.Reserved), "reserved %s: %s != %s", b.Account, b.Reserved, a.Reserved)
		require.Equal(t, b.Paused, a.Paused)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	receipts []*settlement.Receipt
	payouts  []Payout
	faults   []error
}

func (o *recordingObserver) RunCompleted(ctx context.Context, r *settlement.Receipt) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.receipts = append(o.receipts, r)
	return nil
}

func (o *recordingObserver) PayoutUpdated(ctx context.Context, p Payout) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payouts = append(o.payouts, p)
	return nil
}

func (o *recordingObserver) ReportFault(ctx context.Context, err error, fields map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, err)
}

func (o *recordingObserver) faultCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.faults)
}

type testEnv struct {
	engine     *Engine
	clock      *clockwork.FakeClock
	owner      solana.PublicKey
	wrapper    *mockWrapper
	swapper    *mockSwapper
	transferer *mockTransferer
	store      *flakyStore
	observer   *recordingObserver
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:      clockwork.NewFakeClockAt(time.Unix(10_000, 0)),
		owner:      solana.NewWallet().PublicKey(),
		wrapper:    &mockWrapper{},
		swapper:    &mockSwapper{},
		transferer: &mockTransferer{},
		store:      &flakyStore{MemoryStore: NewMemoryStore()},
		observer:   &recordingObserver{},
	}
	cfg := Config{
		Logger: dcatesting.NewLogger(),
		Clock:  env.clock,
		Settings: Settings{
			Owner:        env.owner,
			FeeRate:      5,
			PoolAddress:  solana.NewWallet().PublicKey(),
			TokenAddress: solana.NewWallet().PublicKey(),
			WrapAddress:  solana.NewWallet().PublicKey(),
		},
		Wrapper:         env.wrapper,
		Swapper:         env.swapper,
		Transferer:      env.transferer,
		Store:           env.store,
		RunObservers:    []RunObserver{env.observer},
		PayoutObservers: []PayoutObserver{env.observer},
		FaultReporters:  []FaultReporter{env.observer},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(t.Context(), cfg)
	require.NoError(t, err)
	env.engine = e
	return env
}

func (env *testEnv) register(t *testing.T, perCycle, deposit string, interval time.Duration) solana.PublicKey {
	t.Helper()
	acct := solana.NewWallet().PublicKey()
	_, err := env.engine.Register(t.Context(), acct, amt(perCycle), interval, amt(deposit))
	require.NoError(t, err)
	return acct
}

func (env *testEnv) get(t *testing.T, acct solana.PublicKey) ledger.Participant {
	t.Helper()
	p, err := env.engine.Participant(acct)
	require.NoError(t, err)
	return p
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
