package engine

import (
	"context"

	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
)

// RunObserver is told about every finished run, including empty and aborted ones.
type RunObserver interface {
	RunCompleted(ctx context.Context, receipt *settlement.Receipt) error
}

// PayoutObserver is told about every payout state change.
type PayoutObserver interface {
	PayoutUpdated(ctx context.Context, p Payout) error
}

// FaultReporter surfaces integrity faults to operators.
type FaultReporter interface {
	ReportFault(ctx context.Context, err error, fields map[string]string)
}
