package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubjectPrefix = "dca"

	TypeRunCompleted  = "run.completed"
	TypePayoutUpdated = "payout.updated"
)

// MsgPublisher publishes a prepared message. *nats.Conn satisfies it.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Envelope is the JSON body of every event.
type Envelope struct {
	Type    string          `json:"type"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type ConnConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect dials NATS and logs connection state changes.
func Connect(log *slog.Logger, cfg ConnConfig) (*nats.Conn, error) {
	if cfg.Name == "" {
		cfg.Name = "dca-scheduler"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("events: disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("events: reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	Publisher     MsgPublisher
	SubjectPrefix string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return nil
}

// Publisher emits run and payout events. Runs go to <prefix>.runs.<status>, payouts to
// <prefix>.payouts.<status>.
type Publisher struct {
	log *slog.Logger
	cfg Config
}

var (
	_ engine.RunObserver    = (*Publisher)(nil)
	_ engine.PayoutObserver = (*Publisher)(nil)
)

func New(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

func (p *Publisher) RunCompleted(ctx context.Context, receipt *settlement.Receipt) error {
	if receipt == nil || receipt.Status == settlement.StatusEmpty {
		return nil
	}
	subject := fmt.Sprintf("%s.runs.%s", p.cfg.SubjectPrefix, receipt.Status)
	return p.publish(subject, TypeRunCompleted, receipt.RunID.String(), receipt)
}

func (p *Publisher) PayoutUpdated(ctx context.Context, payout engine.Payout) error {
	subject := fmt.Sprintf("%s.payouts.%s", p.cfg.SubjectPrefix, payout.Status)
	return p.publish(subject, TypePayoutUpdated, payout.ID.String()+":"+string(payout.Status), payout)
}

func (p *Publisher) publish(subject, typ, msgID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(Envelope{Type: typ, Time: p.cfg.Clock.Now().UTC(), Payload: body})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", typ, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Header.Set("Content-Type", "application/json")
	if err := p.cfg.Publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.log.Debug("events: published", "subject", subject, "type", typ)
	return nil
}
