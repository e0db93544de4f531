package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Receipt *settlement.Receipt `json:"receipt,omitempty"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrIntegrityFault, http.StatusInternalServerError, "integrity_fault"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrAlreadyInState, http.StatusBadRequest, "already_in_state"},
	{ledger.ErrNotRegistered, http.StatusNotFound, "not_registered"},
	{ledger.ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
	{ledger.ErrRunInProgress, http.StatusConflict, "run_in_progress"},
	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{ledger.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{settlement.ErrExternalStageFailed, http.StatusBadGateway, "external_stage_failed"},
}

// statusFor maps a domain error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrWithReceipt(w, r, err, nil)
}

func (s *Server) writeErrWithReceipt(w http.ResponseWriter, r *http.Request, err error, receipt *settlement.Receipt) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.log.Debug("server: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error(), Receipt: receipt})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
