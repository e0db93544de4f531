package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	dcatesting "github.com/malbeclabs/dca/utils/pkg/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubStages struct{}

func (stubStages) Wrap(ctx context.Context, req settlement.WrapRequest) settlement.Result {
	return settlement.Success(settlement.Outcome{Reference: "wrap-sig", AmountOut: req.Amount})
}

func (stubStages) Swap(ctx context.Context, ins settlement.SwapInstruction) settlement.Result {
	return settlement.Success(settlement.Outcome{Reference: "swap-sig", AmountOut: ins.AmountIn})
}

func (stubStages) TransferNative(ctx context.Context, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	return "native-sig", nil
}

func (stubStages) TransferToken(ctx context.Context, mint, to solana.PublicKey, amount decimal.Decimal) (string, error) {
	return "token-sig", nil
}

type mockHistory struct {
	RecentRunsFunc    func(ctx context.Context, limit int) ([]history.Run, error)
	AccountSharesFunc func(ctx context.Context, account solana.PublicKey, limit int) ([]history.ShareRow, error)
}

func (m *mockHistory) RecentRuns(ctx context.Context, limit int) ([]history.Run, error) {
	return m.RecentRunsFunc(ctx, limit)
}

func (m *mockHistory) AccountShares(ctx context.Context, account solana.PublicKey, limit int) ([]history.ShareRow, error) {
	return m.AccountSharesFunc(ctx, account, limit)
}

type testServer struct {
	server *Server
	engine *engine.Engine
	clock  *clockwork.FakeClock
	owner  ed25519.PrivateKey
}

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	owner := newKey(t)

	e, err := engine.New(t.Context(), engine.Config{
		Logger: dcatesting.NewLogger(),
		Clock:  clock,
		Settings: engine.Settings{
			Owner:        pubkey(owner),
			FeeRate:      5,
			PoolAddress:  solana.NewWallet().PublicKey(),
			TokenAddress: solana.NewWallet().PublicKey(),
			WrapAddress:  solana.NewWallet().PublicKey(),
		},
		Wrapper:    stubStages{},
		Swapper:    stubStages{},
		Transferer: stubStages{},
	})
	require.NoError(t, err)
	t.Cleanup(e.WaitPayouts)

	cfg := Config{
		Logger:    dcatesting.NewLogger(),
		Clock:     clock,
		Service:   e,
		BuildInfo: BuildInfo{Version: "1.2.3", Commit: "abc123", Date: "2026-03-01"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return &testServer{server: s, engine: e, clock: clock, owner: owner}
}

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	pk, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return ed25519.PrivateKey(pk)
}

func pubkey(key ed25519.PrivateKey) solana.PublicKey {
	return solana.PublicKeyFromBytes(key.Public().(ed25519.PublicKey))
}

// do sends a request, signed by key when it is non-nil, and advances the clock so the next
// signed request carries a fresh timestamp.
func (ts *testServer) do(t *testing.T, key ed25519.PrivateKey, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		require.NoError(t, SignRequest(req, key, ts.clock.Now()))
		ts.clock.Advance(time.Second)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func encodeStd(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.Equal(t, code, decodeBody[ErrorResponse](t, rec).Error)
}

func TestDCA_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("requires logger and service", func(t *testing.T) {
		t.Parallel()
		cfg := Config{}
		require.ErrorContains(t, cfg.Validate(), "logger is required")
		cfg.Logger = dcatesting.NewLogger()
		require.ErrorContains(t, cfg.Validate(), "service is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Logger: dcatesting.NewLogger(), Service: &engine.Engine{}, RateLimit: 5}
		require.NoError(t, cfg.Validate())
		require.Equal(t, 5*time.Minute, cfg.MaxSkew)
		require.Equal(t, 20, cfg.RateBurst)
		require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
		require.NotNil(t, cfg.Clock)
	})
}

func TestDCA_Server_Probes(t *testing.T) {
	t.Parallel()

	ready := false
	ts := newTestServer(t, func(cfg *Config) { cfg.Ready = func() bool { return ready } })

	rec := ts.do(t, nil, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, nil, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready = true
	rec = ts.do(t, nil, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, nil, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1.2.3", decodeBody[BuildInfo](t, rec).Version)

	rec = ts.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDCA_Server_Signature(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	key := newKey(t)

	t.Run("missing headers", func(t *testing.T) {
		rec := ts.do(t, nil, http.MethodGet, "/api/v1/participants/me", nil)
		requireError(t, rec, http.StatusUnauthorized, "unauthenticated")
	})

	t.Run("stale timestamp", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/participants/me", nil)
		require.NoError(t, SignRequest(req, key, ts.clock.Now().Add(-10*time.Minute)))
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		requireError(t, rec, http.StatusUnauthorized, "unauthenticated")
	})

	t.Run("tampered body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/participants/me/deposit", bytes.NewBufferString(`{"amount":"1"}`))
		require.NoError(t, SignRequest(req, key, ts.clock.Now()))
		req.Body = io.NopCloser(strings.NewReader(`{"amount":"1000"}`))
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		requireError(t, rec, http.StatusUnauthorized, "unauthenticated")
	})

	t.Run("signature bound to path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/participants/me/pause", nil)
		require.NoError(t, SignRequest(req, key, ts.clock.Now()))
		req.URL.Path = "/api/v1/participants/me/resume"
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		requireError(t, rec, http.StatusUnauthorized, "unauthenticated")
	})

	t.Run("replayed request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/participants/me", nil)
		require.NoError(t, SignRequest(req, key, ts.clock.Now()))

		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req.Clone(t.Context()))
		requireError(t, rec, http.StatusNotFound, "not_registered")

		rec = httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req.Clone(t.Context()))
		requireError(t, rec, http.StatusUnauthorized, "unauthenticated")
	})
}

func TestDCA_Server_VerifyCaller(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	account := pubkey(key).String()
	sig := ed25519.Sign(key, []byte("hello"))

	caller, err := verifyCaller(account, encodeStd(sig), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, pubkey(key), caller)

	caller, err = verifyCaller(account, base64.RawURLEncoding.EncodeToString(sig), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, pubkey(key), caller)

	_, err = verifyCaller(account, encodeStd(sig), []byte("goodbye"))
	require.ErrorIs(t, err, errSignatureMismatch)

	_, err = verifyCaller("not-base58-0OIl", encodeStd(sig), []byte("hello"))
	require.ErrorContains(t, err, "failed to decode account")

	_, err = verifyCaller(account, "AAAA", []byte("hello"))
	require.ErrorContains(t, err, "invalid signature size")
}

func TestDCA_Server_ReplayGuard(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	g := newReplayGuard(clock, time.Minute)

	require.True(t, g.remember("a"))
	require.False(t, g.remember("a"))
	require.True(t, g.remember("b"))

	clock.Advance(30 * time.Second)
	require.True(t, g.remember("c"))
	require.Equal(t, 3, g.size(), "entries are kept until the sweep interval elapses")

	clock.Advance(45 * time.Second)
	require.True(t, g.remember("a"), "expired entry is accepted again")
	require.Equal(t, 2, g.size(), "sweep drops b and keeps c and the new a")
}

func TestDCA_Server_ParticipantLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	key := newKey(t)

	rec := ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{
		AmountPerCycle:       "100",
		CycleIntervalSeconds: 3600,
		InitialDeposit:       "1000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[ParticipantView](t, rec)
	require.Equal(t, pubkey(key).String(), view.Account)
	require.Equal(t, "1000", view.DepositedBalance)
	require.Equal(t, int64(3600), view.CycleIntervalSeconds)
	require.Nil(t, view.LastCycleTime)

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{AmountPerCycle: "1", CycleIntervalSeconds: 60, InitialDeposit: "10"})
	requireError(t, rec, http.StatusConflict, "already_registered")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/deposit", amountRequest{Amount: "500"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1500", decodeBody[ParticipantView](t, rec).DepositedBalance)

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/deposit", amountRequest{Amount: "-1"})
	requireError(t, rec, http.StatusBadRequest, "invalid_amount")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decodeBody[ParticipantView](t, rec).Paused)

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/pause", nil)
	requireError(t, rec, http.StatusBadRequest, "already_in_state")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.False(t, decodeBody[ParticipantView](t, rec).Paused)

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/withdraw", withdrawRequest{Asset: "deposit", Amount: "200"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	wr := decodeBody[withdrawResponse](t, rec)
	require.Equal(t, "1300", wr.Participant.DepositedBalance)
	require.NotNil(t, wr.Payout)
	require.Equal(t, engine.AssetNative, wr.Payout.Asset)

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/withdraw", withdrawRequest{Asset: "converted", Amount: "1"})
	requireError(t, rec, http.StatusUnprocessableEntity, "insufficient_balance")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants/me/withdraw", withdrawRequest{Asset: "gold", Amount: "1"})
	requireError(t, rec, http.StatusBadRequest, "invalid_request")

	ts.engine.WaitPayouts()
	rec = ts.do(t, key, http.MethodGet, "/api/v1/participants/me/payouts?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, decodeBody[[]engine.Payout](t, rec), 1)

	rec = ts.do(t, key, http.MethodDelete, "/api/v1/participants/me", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, decodeBody[removeResponse](t, rec).Payouts, 1)

	rec = ts.do(t, key, http.MethodGet, "/api/v1/participants/me", nil)
	requireError(t, rec, http.StatusNotFound, "not_registered")
}

func TestDCA_Server_Register_RejectsBadInput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	key := newKey(t)

	rec := ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{AmountPerCycle: "1.5", CycleIntervalSeconds: 60, InitialDeposit: "10"})
	requireError(t, rec, http.StatusBadRequest, "invalid_amount")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{AmountPerCycle: "10", CycleIntervalSeconds: -1, InitialDeposit: "100"})
	requireError(t, rec, http.StatusBadRequest, "invalid_amount")

	tooBig := ledger.MaxAmount.Add(decimal.NewFromInt(1)).String()
	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{AmountPerCycle: tooBig, CycleIntervalSeconds: 60, InitialDeposit: "10"})
	requireError(t, rec, http.StatusBadRequest, "invalid_amount")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{AmountPerCycle: "100", CycleIntervalSeconds: 60, InitialDeposit: "100"})
	requireError(t, rec, http.StatusBadRequest, "invalid_amount")

	rec = ts.do(t, key, http.MethodPost, "/api/v1/participants", map[string]any{"unknown": true})
	requireError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestDCA_Server_Admin(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	stranger := newKey(t)

	t.Run("non-owner is forbidden", func(t *testing.T) {
		rec := ts.do(t, stranger, http.MethodPut, "/api/v1/admin/config/fee-rate", setConfigRequest{Value: "10"})
		requireError(t, rec, http.StatusForbidden, "unauthorized")
		rec = ts.do(t, stranger, http.MethodPost, "/api/v1/admin/settle", nil)
		requireError(t, rec, http.StatusForbidden, "unauthorized")
	})

	t.Run("sets config fields", func(t *testing.T) {
		rec := ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/fee-rate", setConfigRequest{Value: "10"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, uint8(10), decodeBody[engine.Settings](t, rec).FeeRate)

		rec = ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/batch-capacity", setConfigRequest{Value: "3"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, uint8(3), ts.engine.BatchCapacity())

		pool := solana.NewWallet().PublicKey()
		rec = ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/pool-address", setConfigRequest{Value: pool.String()})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, pool, ts.engine.PoolAddress())
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		rec := ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/fee-rate", setConfigRequest{Value: "101"})
		requireError(t, rec, http.StatusBadRequest, "invalid_amount")
		rec = ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/batch-capacity", setConfigRequest{Value: "lots"})
		requireError(t, rec, http.StatusBadRequest, "invalid_amount")
		rec = ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/token-address", setConfigRequest{Value: "nope"})
		requireError(t, rec, http.StatusBadRequest, "invalid_request")
		rec = ts.do(t, ts.owner, http.MethodPut, "/api/v1/admin/config/colour", setConfigRequest{Value: "blue"})
		requireError(t, rec, http.StatusNotFound, "not_found")
	})

	t.Run("clear fault without a fault", func(t *testing.T) {
		rec := ts.do(t, ts.owner, http.MethodPost, "/api/v1/admin/clear-fault", nil)
		requireError(t, rec, http.StatusBadRequest, "already_in_state")
	})
}

func TestDCA_Server_Settle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	key := newKey(t)

	rec := ts.do(t, key, http.MethodPost, "/api/v1/participants", registerRequest{
		AmountPerCycle:       "100",
		CycleIntervalSeconds: 3600,
		InitialDeposit:       "300",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, ts.owner, http.MethodPost, "/api/v1/admin/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decodeBody[settlement.Receipt](t, rec)
	require.Equal(t, settlement.StatusCommitted, receipt.Status)
	require.Equal(t, 1, receipt.BatchSize)
	require.True(t, receipt.Net.Equal(decimal.NewFromInt(95)))

	rec = ts.do(t, key, http.MethodGet, "/api/v1/participants/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[ParticipantView](t, rec)
	require.Equal(t, "200", view.DepositedBalance)
	require.Equal(t, "95", view.ConvertedBalance)
	require.NotNil(t, view.LastCycleTime)

	rec = ts.do(t, nil, http.MethodGet, "/api/v1/runs/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[engine.RunStatus](t, rec)
	require.False(t, status.InFlight)
	require.NotNil(t, status.LastRun)
	require.Equal(t, receipt.RunID, status.LastRun.RunID)

	rec = ts.do(t, nil, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, pubkey(ts.owner), decodeBody[engine.Settings](t, rec).Owner)
}

func TestDCA_Server_History(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		rec := ts.do(t, nil, http.MethodGet, "/api/v1/runs", nil)
		requireError(t, rec, http.StatusNotImplemented, "history_unavailable")
	})

	t.Run("lists runs and account shares", func(t *testing.T) {
		t.Parallel()
		key := newKey(t)
		runID := uuid.New()
		var gotLimit int
		var gotAccount solana.PublicKey
		h := &mockHistory{
			RecentRunsFunc: func(ctx context.Context, limit int) ([]history.Run, error) {
				gotLimit = limit
				return []history.Run{{RunID: runID, Status: "committed"}}, nil
			},
			AccountSharesFunc: func(ctx context.Context, account solana.PublicKey, limit int) ([]history.ShareRow, error) {
				gotAccount = account
				return []history.ShareRow{{RunID: runID, Debit: decimal.NewFromInt(100)}}, nil
			},
		}
		ts := newTestServer(t, func(cfg *Config) { cfg.History = h })

		rec := ts.do(t, nil, http.MethodGet, "/api/v1/runs?limit=5000", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, maxListLimit, gotLimit)
		runs := decodeBody[[]history.Run](t, rec)
		require.Len(t, runs, 1)
		require.Equal(t, runID, runs[0].RunID)

		rec = ts.do(t, key, http.MethodGet, "/api/v1/participants/me/history", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, pubkey(key), gotAccount)

		rec = ts.do(t, nil, http.MethodGet, "/api/v1/runs?limit=zero", nil)
		requireError(t, rec, http.StatusBadRequest, "invalid_amount")
	})

	t.Run("backend error", func(t *testing.T) {
		t.Parallel()
		h := &mockHistory{RecentRunsFunc: func(ctx context.Context, limit int) ([]history.Run, error) {
			return nil, errors.New("clickhouse down")
		}}
		ts := newTestServer(t, func(cfg *Config) { cfg.History = h })
		rec := ts.do(t, nil, http.MethodGet, "/api/v1/runs", nil)
		requireError(t, rec, http.StatusInternalServerError, "internal_error")
	})
}

func TestDCA_Server_StatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", ledger.ErrInvalidAmount), http.StatusBadRequest},
		{ledger.ErrAlreadyInState, http.StatusBadRequest},
		{ledger.ErrNotRegistered, http.StatusNotFound},
		{ledger.ErrAlreadyRegistered, http.StatusConflict},
		{fmt.Errorf("settle: %w", ledger.ErrRunInProgress), http.StatusConflict},
		{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{ledger.ErrUnauthorized, http.StatusForbidden},
		{&settlement.StageError{Stage: settlement.StageSwap, Reason: "slippage"}, http.StatusBadGateway},
		{fmt.Errorf("%w: overflow", ledger.ErrIntegrityFault), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusFor(tt.err)
		require.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestDCA_Server_RateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = 1
		cfg.RateBurst = 2
	})

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, get().Code)
	require.Equal(t, http.StatusOK, get().Code)

	rec := get()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retry, 1)
	require.Equal(t, "rate_limit_exceeded", decodeBody[RateLimitError](t, rec).Error)

	// Probes are not limited.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	hrec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(hrec, req)
	require.Equal(t, http.StatusOK, hrec.Code)

	ts.clock.Advance(time.Second)
	require.Equal(t, http.StatusOK, get().Code)
}

func TestDCA_Server_RateLimiter_SweepsIdleEntries(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(clock, 1, 1)
	allowed, _ := rl.AllowWithRetry("198.51.100.1")
	require.True(t, allowed)

	clock.Advance(10 * time.Minute)
	allowed, _ = rl.AllowWithRetry("198.51.100.2")
	require.True(t, allowed)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Len(t, rl.limiters, 1)
	require.Contains(t, rl.limiters, "198.51.100.2")
}
