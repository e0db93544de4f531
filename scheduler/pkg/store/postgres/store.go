package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/ledger"
	"github.com/malbeclabs/dca/scheduler/pkg/metrics"
	"github.com/shopspring/decimal"
)

const backend = "postgres"

// DB is the subset of a pgx pool the store uses. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Config struct {
	Logger *slog.Logger
	DB     DB
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Store is the write-through engine.Store backed by PostgreSQL.
type Store struct {
	log *slog.Logger
	db  DB
}

var _ engine.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB}, nil
}

func observe[T any](fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	metrics.RecordQuery(backend, time.Since(start), err)
	return v, err
}

func (s *Store) Load(ctx context.Context) (engine.State, error) {
	return observe(func() (engine.State, error) {
		var st engine.State

		settings, err := s.loadSettings(ctx)
		if err != nil {
			return engine.State{}, err
		}
		st.Settings = settings

		rows, err := s.db.Query(ctx, `
			SELECT account, deposited_balance::text, amount_per_cycle::text, cycle_interval_ns,
			       last_cycle_time, converted_balance::text, paused, registered_seq
			FROM dca_participants
			ORDER BY registered_seq`)
		if err != nil {
			return engine.State{}, fmt.Errorf("failed to query participants: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanParticipant(rows)
			if err != nil {
				return engine.State{}, err
			}
			st.Participants = append(st.Participants, p)
		}
		if err := rows.Err(); err != nil {
			return engine.State{}, fmt.Errorf("failed to read participants: %w", err)
		}
		return st, nil
	})
}

func (s *Store) loadSettings(ctx context.Context) (*engine.Settings, error) {
	var (
		owner, pool, token, wrap string
		capacity, fee            int16
	)
	err := s.db.QueryRow(ctx, `
		SELECT owner, batch_capacity, fee_rate, pool_address, token_address, wrap_address
		FROM dca_settings WHERE id = 1`).Scan(&owner, &capacity, &fee, &pool, &token, &wrap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}

	settings := &engine.Settings{
		BatchCapacity: uint8(capacity),
		FeeRate:       uint8(fee),
	}
	for _, f := range []struct {
		dst *solana.PublicKey
		src string
	}{
		{&settings.Owner, owner},
		{&settings.PoolAddress, pool},
		{&settings.TokenAddress, token},
		{&settings.WrapAddress, wrap},
	} {
		if *f.dst, err = parseKey(f.src); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings engine.Settings) error {
	_, err := observe(func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `
			INSERT INTO dca_settings (id, owner, batch_capacity, fee_rate, pool_address, token_address, wrap_address, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (id) DO UPDATE SET
				owner = EXCLUDED.owner,
				batch_capacity = EXCLUDED.batch_capacity,
				fee_rate = EXCLUDED.fee_rate,
				pool_address = EXCLUDED.pool_address,
				token_address = EXCLUDED.token_address,
				wrap_address = EXCLUDED.wrap_address,
				updated_at = now()`,
			settings.Owner.String(), int16(settings.BatchCapacity), int16(settings.FeeRate),
			keyString(settings.PoolAddress), keyString(settings.TokenAddress), keyString(settings.WrapAddress),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

const upsertParticipant = `
	INSERT INTO dca_participants (account, deposited_balance, amount_per_cycle, cycle_interval_ns,
		last_cycle_time, converted_balance, paused, registered_seq, updated_at)
	VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6::numeric, $7, $8, now())
	ON CONFLICT (account) DO UPDATE SET
		deposited_balance = EXCLUDED.deposited_balance,
		amount_per_cycle = EXCLUDED.amount_per_cycle,
		cycle_interval_ns = EXCLUDED.cycle_interval_ns,
		last_cycle_time = EXCLUDED.last_cycle_time,
		converted_balance = EXCLUDED.converted_balance,
		paused = EXCLUDED.paused,
		registered_seq = EXCLUDED.registered_seq,
		updated_at = now()`

func participantArgs(p ledger.Participant) []any {
	var last *time.Time
	if !p.LastCycleTime.IsZero() {
		t := p.LastCycleTime.UTC()
		last = &t
	}
	return []any{
		p.Account.String(),
		p.DepositedBalance.String(),
		p.AmountPerCycle.String(),
		int64(p.CycleInterval),
		last,
		p.ConvertedBalance.String(),
		p.Paused,
		int64(p.RegisteredSeq),
	}
}

func (s *Store) SaveParticipant(ctx context.Context, p ledger.Participant) error {
	_, err := observe(func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, upsertParticipant, participantArgs(p)...)
	})
	if err != nil {
		return fmt.Errorf("failed to save participant %s: %w", p.Account, err)
	}
	return nil
}

func (s *Store) DeleteParticipant(ctx context.Context, account solana.PublicKey) error {
	_, err := observe(func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `DELETE FROM dca_participants WHERE account = $1`, account.String())
	})
	if err != nil {
		return fmt.Errorf("failed to delete participant %s: %w", account, err)
	}
	return nil
}

// SaveCommit writes every participant of a run and the run marker in one transaction.
func (s *Store) SaveCommit(ctx context.Context, runID uuid.UUID, participants []ledger.Participant) error {
	_, err := observe(func() (struct{}, error) {
		return struct{}{}, pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, p := range participants {
				batch.Queue(upsertParticipant, participantArgs(p)...)
			}
			batch.Queue(`INSERT INTO dca_runs (run_id, participants) VALUES ($1, $2)`, runID, len(participants))
			return tx.SendBatch(ctx, batch).Close()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save commit for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) SavePayout(ctx context.Context, p engine.Payout) error {
	_, err := observe(func() (pgconn.CommandTag, error) {
		return s.db.Exec(ctx, `
			INSERT INTO dca_payouts (id, account, asset, mint, amount, status, reference, reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				reference = EXCLUDED.reference,
				reason = EXCLUDED.reason,
				updated_at = EXCLUDED.updated_at`,
			p.ID, p.Account.String(), string(p.Asset), keyString(p.Mint), p.Amount.String(),
			string(p.Status), p.Reference, p.Reason, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to save payout %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListPayouts(ctx context.Context, account solana.PublicKey, limit int) ([]engine.Payout, error) {
	return observe(func() ([]engine.Payout, error) {
		query := `
			SELECT id, account, asset, mint, amount::text, status, reference, reason, created_at, updated_at
			FROM dca_payouts
			WHERE account = $1
			ORDER BY created_at DESC`
		args := []any{account.String()}
		if limit > 0 {
			query += ` LIMIT $2`
			args = append(args, limit)
		}
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query payouts: %w", err)
		}
		defer rows.Close()

		var out []engine.Payout
		for rows.Next() {
			var (
				p                                 engine.Payout
				acct, asset, mint, amount, status string
			)
			if err := rows.Scan(&p.ID, &acct, &asset, &mint, &amount, &status, &p.Reference, &p.Reason, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return nil, fmt.Errorf("failed to scan payout: %w", err)
			}
			if p.Account, err = parseKey(acct); err != nil {
				return nil, err
			}
			if p.Mint, err = parseKey(mint); err != nil {
				return nil, err
			}
			if p.Amount, err = decimal.NewFromString(amount); err != nil {
				return nil, fmt.Errorf("failed to parse payout amount: %w", err)
			}
			p.Asset = engine.Asset(asset)
			p.Status = engine.PayoutStatus(status)
			p.CreatedAt = p.CreatedAt.UTC()
			p.UpdatedAt = p.UpdatedAt.UTC()
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read payouts: %w", err)
		}
		return out, nil
	})
}

func scanParticipant(rows pgx.Rows) (ledger.Participant, error) {
	var (
		p                            ledger.Participant
		account, deposited, perCycle string
		converted                    string
		intervalNs, seq              int64
		last                         *time.Time
	)
	if err := rows.Scan(&account, &deposited, &perCycle, &intervalNs, &last, &converted, &p.Paused, &seq); err != nil {
		return ledger.Participant{}, fmt.Errorf("failed to scan participant: %w", err)
	}

	var err error
	if p.Account, err = parseKey(account); err != nil {
		return ledger.Participant{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.DepositedBalance, deposited},
		{&p.AmountPerCycle, perCycle},
		{&p.ConvertedBalance, converted},
	} {
		if *f.dst, err = ledger.ParseAmount(f.src); err != nil {
			return ledger.Participant{}, fmt.Errorf("participant %s: %w", account, err)
		}
	}
	p.CycleInterval = time.Duration(intervalNs)
	if last != nil {
		p.LastCycleTime = last.UTC()
	}
	p.RegisteredSeq = uint64(seq)
	return p, nil
}

func keyString(k solana.PublicKey) string {
	if k.IsZero() {
		return ""
	}
	return k.String()
}

func parseKey(s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, nil
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid stored address %q: %w", s, err)
	}
	return k, nil
}
