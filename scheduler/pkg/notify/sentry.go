package notify

import (
	"context"
	"errors"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
)

// Sentry captures integrity faults as fatal events tagged with the fault fields.
type Sentry struct {
	hub *sentry.Hub
}

var _ engine.FaultReporter = (*Sentry)(nil)

func NewSentry(hub *sentry.Hub) (*Sentry, error) {
	if hub == nil {
		return nil, errors.New("sentry hub is required")
	}
	return &Sentry{hub: hub}, nil
}

func (s *Sentry) ReportFault(ctx context.Context, err error, fields map[string]string) {
	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("component", "engine")
		scope.SetTags(fields)
	})
	hub.CaptureException(err)
}
