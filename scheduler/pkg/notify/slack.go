package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"
)

// Poster posts a markdown message to a channel.
type Poster interface {
	Post(ctx context.Context, channel, markdown string) error
}

type slackPoster struct {
	api *slack.Client
}

// NewSlackPoster posts through the Slack Web API, converting markdown to blocks.
func NewSlackPoster(token string, options ...slack.Option) Poster {
	return &slackPoster{api: slack.New(token, options...)}
}

func (p *slackPoster) Post(ctx context.Context, channel, markdown string) error {
	_, err := slackmdgo.Post(ctx, p.api, channel, markdown,
		slackmdgo.WithFallbackText(markdown), slackmdgo.WithRetry(nil))
	return err
}

type SlackConfig struct {
	Logger  *slog.Logger
	Poster  Poster
	Channel string
	// NotifyCommitted also posts a summary of every committed run.
	NotifyCommitted bool
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Poster == nil {
		return errors.New("poster is required")
	}
	if cfg.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

// Slack posts aborted runs and integrity faults to an operator channel.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

var (
	_ engine.RunObserver   = (*Slack)(nil)
	_ engine.FaultReporter = (*Slack)(nil)
)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Slack) RunCompleted(ctx context.Context, receipt *settlement.Receipt) error {
	if receipt == nil {
		return nil
	}
	switch receipt.Status {
	case settlement.StatusAborted, settlement.StatusFaulted:
	case settlement.StatusCommitted:
		if !s.cfg.NotifyCommitted {
			return nil
		}
	default:
		return nil
	}
	if err := s.cfg.Poster.Post(ctx, s.cfg.Channel, FormatRun(receipt)); err != nil {
		return fmt.Errorf("failed to post run to slack: %w", err)
	}
	return nil
}

func (s *Slack) ReportFault(ctx context.Context, err error, fields map[string]string) {
	if postErr := s.cfg.Poster.Post(ctx, s.cfg.Channel, FormatFault(err, fields)); postErr != nil {
		s.log.Error("notify: failed to post fault to slack", "error", postErr)
	}
}

// FormatRun renders a run receipt as markdown.
func FormatRun(r *settlement.Receipt) string {
	var b strings.Builder
	switch r.Status {
	case settlement.StatusCommitted:
		fmt.Fprintf(&b, "## Run committed\n\n")
	case settlement.StatusAborted:
		fmt.Fprintf(&b, "## Run aborted\n\n")
	case settlement.StatusFaulted:
		fmt.Fprintf(&b, "## Run faulted, scheduler halted\n\n")
	default:
		fmt.Fprintf(&b, "## Run %s\n\n", r.Status)
	}
	fmt.Fprintf(&b, "- **Run:** `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- **Participants:** %d\n", r.BatchSize)
	fmt.Fprintf(&b, "- **Aggregate:** %s (fee %s at %d%%, net %s)\n", r.Aggregate, r.Fee, r.FeeRate, r.Net)
	if r.Status == settlement.StatusCommitted {
		fmt.Fprintf(&b, "- **Output:** %s (dust %s)\n", r.AmountOut, r.Dust)
	}
	if r.FailedStage != "" {
		fmt.Fprintf(&b, "- **Failed stage:** %s\n", r.FailedStage)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "- **Reason:** %s\n", r.Reason)
	}
	if r.SwapRef != "" {
		fmt.Fprintf(&b, "- **Swap:** `%s`\n", r.SwapRef)
	}
	return b.String()
}

// FormatFault renders an integrity fault as markdown with fields in key order.
func FormatFault(err error, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## :rotating_light: Integrity fault\n\n")
	fmt.Fprintf(&b, "```\n%v\n```\n", err)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(&b, "- **%s:** %s\n", k, fields[k])
	}
	b.WriteString("\nSettlement is halted until the owner clears the fault.\n")
	return b.String()
}
