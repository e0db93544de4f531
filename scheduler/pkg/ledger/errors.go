package ledger

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNotRegistered       = errors.New("not registered")
	ErrAlreadyRegistered   = errors.New("already registered")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyInState      = errors.New("already in state")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRunInProgress       = errors.New("settlement run in progress")

	// ErrIntegrityFault marks a broken internal invariant, such as checked arithmetic
	// overflowing where preconditions should have prevented it. It is never a user error.
	ErrIntegrityFault = errors.New("integrity fault")
)
