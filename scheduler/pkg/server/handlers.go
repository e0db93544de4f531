package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ParticipantView is the API rendering of a participant record.
type ParticipantView struct {
	Account              string     `json:"account"`
	DepositedBalance     string     `json:"deposited_balance"`
	AvailableBalance     string     `json:"available_balance"`
	AmountPerCycle       string     `json:"amount_per_cycle"`
	CycleIntervalSeconds int64      `json:"cycle_interval_seconds"`
	LastCycleTime        *time.Time `json:"last_cycle_time,omitempty"`
	NextCycleAt          time.Time  `json:"next_cycle_at"`
	ConvertedBalance     string     `json:"converted_balance"`
	Paused               bool       `json:"paused"`
}

func newParticipantView(p ledger.Participant) ParticipantView {
	v := ParticipantView{
		Account:              p.Account.String(),
		DepositedBalance:     p.DepositedBalance.String(),
		AvailableBalance:     p.Available().String(),
		AmountPerCycle:       p.AmountPerCycle.String(),
		CycleIntervalSeconds: int64(p.CycleInterval / time.Second),
		NextCycleAt:          p.NextCycleAt().UTC(),
		ConvertedBalance:     p.ConvertedBalance.String(),
		Paused:               p.Paused,
	}
	if !p.LastCycleTime.IsZero() {
		t := p.LastCycleTime.UTC()
		v.LastCycleTime = &t
	}
	return v
}

type registerRequest struct {
	AmountPerCycle       string `json:"amount_per_cycle"`
	CycleIntervalSeconds int64  `json:"cycle_interval_seconds"`
	InitialDeposit       string `json:"initial_deposit"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type withdrawResponse struct {
	Participant ParticipantView `json:"participant"`
	Payout      *engine.Payout  `json:"payout,omitempty"`
}

type removeResponse struct {
	Payouts []engine.Payout `json:"payouts"`
}

type setConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.BuildInfo)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Service.Settings())
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Service.RunStatus())
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "history_unavailable", "run history is not configured")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	runs, err := s.cfg.History.RecentRuns(r.Context(), limit)
	if err != nil {
		s.writeErr(w, r, fmt.Errorf("failed to list runs: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	perCycle, err := ledger.ParseAmount(req.AmountPerCycle)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	deposit, err := ledger.ParseAmount(req.InitialDeposit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.CycleIntervalSeconds < 0 {
		s.writeErr(w, r, fmt.Errorf("%w: cycle interval must not be negative", ledger.ErrInvalidAmount))
		return
	}

	p, err := s.cfg.Service.Register(r.Context(), caller(r), perCycle, time.Duration(req.CycleIntervalSeconds)*time.Second, deposit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newParticipantView(p))
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Service.Participant(caller(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantView(p))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	p, err := s.cfg.Service.Deposit(r.Context(), caller(r), amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantView(p))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var (
		p      ledger.Participant
		payout *engine.Payout
	)
	switch req.Asset {
	case "deposit":
		p, payout, err = s.cfg.Service.WithdrawDeposit(r.Context(), caller(r), amount)
	case "converted":
		p, payout, err = s.cfg.Service.WithdrawConverted(r.Context(), caller(r), amount)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", `asset must be "deposit" or "converted"`)
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Participant: newParticipantView(p), Payout: payout})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Service.Pause(r.Context(), caller(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantView(p))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Service.Resume(r.Context(), caller(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParticipantView(p))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.cfg.Service.Remove(r.Context(), caller(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []engine.Payout{}
	}
	writeJSON(w, http.StatusOK, removeResponse{Payouts: payouts})
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	payouts, err := s.cfg.Service.Payouts(r.Context(), caller(r), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []engine.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (s *Server) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "history_unavailable", "run history is not configured")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	shares, err := s.cfg.History.AccountShares(r.Context(), caller(r), limit)
	if err != nil {
		s.writeErr(w, r, fmt.Errorf("failed to list shares: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.cfg.Service.Settle(r.Context())
	if err != nil {
		s.writeErrWithReceipt(w, r, err, receipt)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleClearFault(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Service.ClearFault(r.Context(), caller(r)); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Service.RunStatus())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req setConfigRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, who := r.Context(), caller(r)

	var err error
	switch field := chi.URLParam(r, "field"); field {
	case "batch-capacity", "fee-rate":
		n, perr := strconv.Atoi(req.Value)
		if perr != nil {
			err = fmt.Errorf("%w: %s must be an integer", ledger.ErrInvalidAmount, field)
			break
		}
		if field == "batch-capacity" {
			err = s.cfg.Service.SetBatchCapacity(ctx, who, n)
		} else {
			err = s.cfg.Service.SetFeeRate(ctx, who, n)
		}
	case "pool-address", "token-address", "wrap-address", "owner":
		addr, perr := solana.PublicKeyFromBase58(req.Value)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s must be a base58 address", field))
			return
		}
		switch field {
		case "pool-address":
			err = s.cfg.Service.SetPoolAddress(ctx, who, addr)
		case "token-address":
			err = s.cfg.Service.SetTokenAddress(ctx, who, addr)
		case "wrap-address":
			err = s.cfg.Service.SetWrapAddress(ctx, who, addr)
		case "owner":
			err = s.cfg.Service.TransferOwnership(ctx, who, addr)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown config field %q", field))
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Service.Settings())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func caller(r *http.Request) solana.PublicKey {
	pk, _ := CallerFromContext(r.Context())
	return pk
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ledger.ErrInvalidAmount)
	}
	return min(n, maxListLimit), nil
}
