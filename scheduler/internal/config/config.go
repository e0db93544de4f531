package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/dca/scheduler/pkg/engine"
	"github.com/malbeclabs/dca/scheduler/pkg/events"
	"github.com/malbeclabs/dca/scheduler/pkg/history"
	"github.com/malbeclabs/dca/scheduler/pkg/snapshot"
	"github.com/malbeclabs/dca/scheduler/pkg/store/postgres"
	"github.com/shopspring/decimal"
)

// DefaultRPCURL is the default Solana RPC endpoint.
const DefaultRPCURL = solanarpc.MainNetBeta_RPC

// Config is the scheduler process configuration. Optional backends are nil when their
// connection settings are absent.
type Config struct {
	ListenAddr     string
	SettleInterval time.Duration
	RunLogDir      string

	Owner         solana.PublicKey
	FeeRate       uint8
	BatchCapacity uint8
	PoolAddress   solana.PublicKey
	TokenAddress  solana.PublicKey
	WrapAddress   solana.PublicKey

	ComputeUnits         uint32
	ComputeUnitPrice     decimal.Decimal
	AutoPauseUnderfunded bool

	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int

	Solana Solana

	Postgres              *postgres.ConnConfig
	PostgresRunMigrations bool

	ClickHouse              *history.ConnConfig
	ClickHouseRunMigrations bool

	Influx *Influx
	NATS   *NATS
	Redis  *Redis
	Slack  *Slack
	Sentry *Sentry
	S3     *S3
}

type Solana struct {
	RPCURL        string
	PayerKeypair  string
	PoolProgramID solana.PublicKey
}

type Influx struct {
	Host     string
	Token    string
	Database string
}

type NATS struct {
	Conn          events.ConnConfig
	SubjectPrefix string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
	LockKey  string
	LockTTL  time.Duration
}

type Slack struct {
	BotToken        string
	Channel         string
	NotifyCommitted bool
}

type Sentry struct {
	DSN         string
	Environment string
}

type S3 struct {
	Client snapshot.S3Config
	Bucket string
	Prefix string
}

// Load reads the configuration through getenv, normally os.Getenv.
func Load(getenv func(string) string) (*Config, error) {
	e := &env{getenv: getenv}

	cfg := &Config{
		ListenAddr:           e.str("DCA_LISTEN_ADDR", "0.0.0.0:8080"),
		SettleInterval:       e.duration("DCA_SETTLE_INTERVAL", time.Minute),
		RunLogDir:            e.str("DCA_RUN_LOG_DIR", ""),
		Owner:                e.pubkey("DCA_OWNER"),
		FeeRate:              uint8(e.intRange("DCA_FEE_RATE", 0, 0, 100)),
		BatchCapacity:        uint8(e.intRange("DCA_BATCH_CAPACITY", engine.DefaultBatchCapacity, 1, engine.MaxBatchCapacity)),
		PoolAddress:          e.pubkey("DCA_POOL_ADDRESS"),
		TokenAddress:         e.pubkey("DCA_TOKEN_ADDRESS"),
		WrapAddress:          e.pubkey("DCA_WRAP_ADDRESS"),
		ComputeUnits:         uint32(e.intRange("DCA_COMPUTE_UNITS", 200_000, 0, 1_400_000)),
		ComputeUnitPrice:     e.amount("DCA_COMPUTE_UNIT_PRICE"),
		AutoPauseUnderfunded: e.boolean("DCA_AUTO_PAUSE_UNDERFUNDED"),
		AllowedOrigins:       e.list("DCA_ALLOWED_ORIGINS"),
		RateLimit:            e.float("DCA_RATE_LIMIT", 10),
		RateBurst:            e.intRange("DCA_RATE_BURST", 20, 1, 10_000),
		Solana: Solana{
			RPCURL:        e.str("SOLANA_RPC_URL", DefaultRPCURL),
			PayerKeypair:  e.str("SOLANA_PAYER_KEYPAIR", ""),
			PoolProgramID: e.pubkey("SOLANA_POOL_PROGRAM_ID"),
		},
	}

	if e.str("DCA_OWNER", "") == "" {
		e.fail(errors.New("DCA_OWNER is required"))
	}
	if cfg.Solana.PayerKeypair == "" {
		e.fail(errors.New("SOLANA_PAYER_KEYPAIR is required"))
	}
	if cfg.Solana.PoolProgramID.IsZero() {
		e.fail(errors.New("SOLANA_POOL_PROGRAM_ID is required"))
	}
	if cfg.SettleInterval <= 0 {
		e.fail(errors.New("DCA_SETTLE_INTERVAL must be greater than 0"))
	}

	if db := e.str("POSTGRES_DB", ""); db != "" {
		pg := &postgres.ConnConfig{
			Host:     e.str("POSTGRES_HOST", "localhost"),
			Port:     e.str("POSTGRES_PORT", "5432"),
			Database: db,
			Username: e.str("POSTGRES_USER", ""),
			Password: e.str("POSTGRES_PASSWORD", ""),
			SSLMode:  e.str("POSTGRES_SSLMODE", "disable"),
		}
		if err := pg.Validate(); err != nil {
			e.fail(fmt.Errorf("invalid postgres config: %w", err))
		}
		cfg.Postgres = pg
		cfg.PostgresRunMigrations = e.boolean("POSTGRES_RUN_MIGRATIONS")
	}

	if addr := e.str("CLICKHOUSE_ADDR_TCP", ""); addr != "" {
		cfg.ClickHouse = &history.ConnConfig{
			Addr:     addr,
			Database: e.str("CLICKHOUSE_DATABASE", "default"),
			Username: e.str("CLICKHOUSE_USERNAME", "default"),
			Password: e.str("CLICKHOUSE_PASSWORD", ""),
			Secure:   e.boolean("CLICKHOUSE_SECURE"),
		}
		cfg.ClickHouseRunMigrations = e.boolean("CLICKHOUSE_RUN_MIGRATIONS")
	}

	if host := e.str("INFLUX_URL", ""); host != "" {
		cfg.Influx = &Influx{
			Host:     host,
			Token:    e.str("INFLUX_TOKEN", ""),
			Database: e.str("INFLUX_DATABASE", "dca"),
		}
	}

	if url := e.str("NATS_URL", ""); url != "" {
		cfg.NATS = &NATS{
			Conn:          events.ConnConfig{URL: url, Name: e.str("NATS_CLIENT_NAME", "dca-scheduler")},
			SubjectPrefix: e.str("NATS_SUBJECT_PREFIX", events.DefaultSubjectPrefix),
		}
	}

	if addr := e.str("REDIS_ADDR", ""); addr != "" {
		cfg.Redis = &Redis{
			Addr:     addr,
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.intRange("REDIS_DB", 0, 0, 15),
			LockKey:  e.str("REDIS_LOCK_KEY", ""),
			LockTTL:  e.duration("REDIS_LOCK_TTL", 0),
		}
	}

	if token := e.str("SLACK_BOT_TOKEN", ""); token != "" {
		cfg.Slack = &Slack{
			BotToken:        token,
			Channel:         e.str("SLACK_CHANNEL", ""),
			NotifyCommitted: e.boolean("SLACK_NOTIFY_COMMITTED"),
		}
		if cfg.Slack.Channel == "" {
			e.fail(errors.New("SLACK_CHANNEL is required when SLACK_BOT_TOKEN is set"))
		}
	}

	if dsn := e.str("SENTRY_DSN", ""); dsn != "" {
		cfg.Sentry = &Sentry{DSN: dsn, Environment: e.str("SENTRY_ENVIRONMENT", "production")}
	}

	if bucket := e.str("S3_BUCKET", ""); bucket != "" {
		cfg.S3 = &S3{
			Client: snapshot.S3Config{
				Region:         e.str("S3_REGION", ""),
				Endpoint:       e.str("S3_ENDPOINT", ""),
				ForcePathStyle: e.boolean("S3_FORCE_PATH_STYLE"),
			},
			Bucket: bucket,
			Prefix: e.str("S3_PREFIX", ""),
		}
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) fail(err error) {
	e.errs = append(e.errs, err)
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string) bool {
	v := e.str(key, "")
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("%s must be a boolean: %q", key, v))
	}
	return b
}

func (e *env) intRange(key string, def, lo, hi int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		e.fail(fmt.Errorf("%s must be an integer between %d and %d: %q", key, lo, hi, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		e.fail(fmt.Errorf("%s must be a non-negative number: %q", key, v))
		return def
	}
	return f
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%s must be a duration: %q", key, v))
		return def
	}
	return d
}

func (e *env) pubkey(key string) solana.PublicKey {
	v := e.str(key, "")
	if v == "" {
		return solana.PublicKey{}
	}
	pk, err := solana.PublicKeyFromBase58(v)
	if err != nil {
		e.fail(fmt.Errorf("%s must be a base58 public key: %w", key, err))
	}
	return pk
}

func (e *env) amount(key string) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsInteger() || d.IsNegative() {
		e.fail(fmt.Errorf("%s must be a non-negative integer: %q", key, v))
		return decimal.Zero
	}
	return d
}

func (e *env) list(key string) []string {
	v := e.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
