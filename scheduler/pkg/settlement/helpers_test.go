package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/selector"
	dcatesting "github.com/malbeclabs/dca/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type mockWrapper struct {
	WrapFunc func(ctx context.Context, req WrapRequest) Result
}

func (m *mockWrapper) Wrap(ctx context.Context, req WrapRequest) Result {
	return m.WrapFunc(ctx, req)
}

type mockSwapper struct {
	SwapFunc func(ctx context.Context, ins SwapInstruction) Result
}

func (m *mockSwapper) Swap(ctx context.Context, ins SwapInstruction) Result {
	return m.SwapFunc(ctx, ins)
}

type recordingSettler struct {
	mu         sync.Mutex
	commitErr  error
	committed  [][]Share
	aborted    []error
	commitCtxs []context.Context
}

func (s *recordingSettler) Commit(ctx context.Context, plan Plan, shares []Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCtxs = append(s.commitCtxs, ctx)
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, shares)
	return nil
}

func (s *recordingSettler) Abort(ctx context.Context, plan Plan, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, cause)
}

func amt(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func batchOf(amounts ...string) selector.Batch {
	b := selector.Batch{Aggregate: decimal.Zero}
	for _, a := range amounts {
		b.Entries = append(b.Entries, selector.Entry{Account: solana.NewWallet().PublicKey(), AmountPerCycle: amt(a)})
		b.Aggregate = b.Aggregate.Add(amt(a))
	}
	return b
}

func testPlan(t *testing.T, feeRate uint8, amounts ...string) Plan {
	t.Helper()
	route := Route{
		WrapAddress: solana.NewWallet().PublicKey(),
		PoolAddress: solana.NewWallet().PublicKey(),
		OutputAsset: solana.NewWallet().PublicKey(),
	}
	plan, err := NewPlan(uuid.New(), time.Unix(7200, 0), batchOf(amounts...), feeRate, route, Budget{ComputeUnits: 200_000, Deposit: amt("2039280")})
	require.NoError(t, err)
	return plan
}

func newTestPipeline(t *testing.T, w Wrapper, s Swapper) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:  dcatesting.NewLogger(),
		Clock:   clockwork.NewFakeClockAt(time.Unix(7200, 0)),
		Wrapper: w,
		Swapper: s,
	})
	require.NoError(t, err)
	return p
}
