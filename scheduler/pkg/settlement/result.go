package settlement

import (
	"github.com/shopspring/decimal"
)

// Outcome is what a confirmed external stage reports back.
type Outcome struct {
	// Reference identifies the stage on the external side, such as a transaction signature.
	Reference string
	// AmountOut is the realized output of the stage when it is known.
	AmountOut decimal.Decimal
}

// Result is the tagged outcome of one external stage. The zero value is a failure.
type Result struct {
	succeeded bool
	outcome   Outcome
	reason    string
}

func Success(o Outcome) Result {
	return Result{succeeded: true, outcome: o}
}

func Failure(reason string) Result {
	if reason == "" {
		reason = "stage reported failure"
	}
	return Result{reason: reason}
}

// Outcome returns the payload and true only for a success.
func (r Result) Outcome() (Outcome, bool) {
	if !r.succeeded {
		return Outcome{}, false
	}
	return r.outcome, true
}

// Reason describes a failure. It is empty for a success.
func (r Result) Reason() string {
	if r.succeeded {
		return ""
	}
	if r.reason == "" {
		return "stage returned no result"
	}
	return r.reason
}

func (r Result) Succeeded() bool {
	return r.succeeded
}
