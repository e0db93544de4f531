package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/malbeclabs/dca/scheduler/pkg/settlement"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Service is the engine surface the HTTP API drives.
type Service interface {
	Register(ctx context.Context, caller solana.PublicKey, amountPerCycle decimal.Decimal, interval time.Duration, initialDeposit decimal.Decimal) (ledger.Participant, error)
	Deposit(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, error)
	Pause(ctx context.Context, caller solana.PublicKey) (ledger.Participant, error)
	Resume(ctx context.Context, caller solana.PublicKey) (ledger.Participant, error)
	WithdrawDeposit(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, *engine.Payout, error)
	WithdrawConverted(ctx context.Context, caller solana.PublicKey, amount decimal.Decimal) (ledger.Participant, *engine.Payout, error)
	Remove(ctx context.Context, caller solana.PublicKey) ([]engine.Payout, error)
	Participant(caller solana.PublicKey) (ledger.Participant, error)
	Payouts(ctx context.Context, caller solana.PublicKey, limit int) ([]engine.Payout, error)

	Authorize(caller solana.PublicKey) error
	Settle(ctx context.Context) (*settlement.Receipt, error)
	SetBatchCapacity(ctx context.Context, caller solana.PublicKey, capacity int) error
	SetFeeRate(ctx context.Context, caller solana.PublicKey, rate int) error
	SetPoolAddress(ctx context.Context, caller, addr solana.PublicKey) error
	SetTokenAddress(ctx context.Context, caller, addr solana.PublicKey) error
	SetWrapAddress(ctx context.Context, caller, addr solana.PublicKey) error
	TransferOwnership(ctx context.Context, caller, newOwner solana.PublicKey) error
	ClearFault(ctx context.Context, caller solana.PublicKey) error

	Settings() engine.Settings
	RunStatus() engine.RunStatus
}

// History serves past runs. It is optional.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]history.Run, error)
	AccountShares(ctx context.Context, account solana.PublicKey, limit int) ([]history.ShareRow, error)
}

type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Service Service
	History History

	// Ready reports whether the process should receive traffic. Nil means always ready.
	Ready func() bool

	BuildInfo      BuildInfo
	AllowedOrigins []string

	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// MaxSkew bounds how far a signed request timestamp may drift from now.
	MaxSkew      time.Duration
	MaxBodyBytes int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit must be non-negative")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}

// Server is the HTTP API over the engine.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  chi.Router
	limiter *RateLimiter
	replay  *replayGuard
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		replay: newReplayGuard(cfg.Clock, 2*cfg.MaxSkew),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.Clock, cfg.RateLimit, cfg.RateBurst)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", headerAccount, headerTimestamp, headerSignature},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter))
		}

		r.Get("/config", s.handleConfig)
		r.Get("/runs/current", s.handleCurrentRun)
		r.Get("/runs", s.handleRecentRuns)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSignature)

			r.Post("/participants", s.handleRegister)
			r.Route("/participants/me", func(r chi.Router) {
				r.Get("/", s.handleGetParticipant)
				r.Delete("/", s.handleRemove)
				r.Post("/deposit", s.handleDeposit)
				r.Post("/withdraw", s.handleWithdraw)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Get("/payouts", s.handlePayouts)
				r.Get("/history", s.handleAccountHistory)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireOwner)
				r.Post("/settle", s.handleSettle)
				r.Post("/clear-fault", s.handleClearFault)
				r.Put("/config/{field}", s.handleSetConfig)
			})
		})
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
