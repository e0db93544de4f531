package settlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/selector"
	"github.com/stretchr/testify/require"
)

func TestDCA_Settlement_NewPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		feeRate uint8
		amounts []string
		fee     string
		net     string
	}{
		{name: "five percent", feeRate: 5, amounts: []string{"100", "300"}, fee: "20", net: "380"},
		{name: "no fee", feeRate: 0, amounts: []string{"100"}, fee: "0", net: "100"},
		{name: "full fee", feeRate: 100, amounts: []string{"100"}, fee: "100", net: "0"},
		{name: "fee floors", feeRate: 3, amounts: []string{"33"}, fee: "0", net: "33"},
		{name: "fee floors up to net", feeRate: 7, amounts: []string{"101"}, fee: "7", net: "94"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			plan := testPlan(t, tt.feeRate, tt.amounts...)
			require.Equal(t, tt.fee, plan.Fee.String())
			require.Equal(t, tt.net, plan.Net.String())
			require.True(t, plan.Net.LessThanOrEqual(plan.Aggregate()))
		})
	}

	t.Run("defaults input asset to wrapped SOL", func(t *testing.T) {
		t.Parallel()
		plan := testPlan(t, 5, "100")
		require.Equal(t, WrappedSOLMint, plan.Route.InputAsset)
		require.True(t, plan.swapInstruction().MinAmountOut.IsZero())
		require.Equal(t, plan.Net, plan.swapInstruction().AmountIn)
		require.Equal(t, plan.Net, plan.wrapRequest().Amount)
	})

	t.Run("rejects fee above 100", func(t *testing.T) {
		t.Parallel()
		_, err := NewPlan(uuid.New(), time.Unix(0, 0), batchOf("1"), 101, Route{}, Budget{})
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		plan, err := NewPlan(uuid.New(), time.Unix(0, 0), selector.Batch{}, 5, Route{}, Budget{})
		require.NoError(t, err)
		require.True(t, plan.Net.IsZero())
	})
}
