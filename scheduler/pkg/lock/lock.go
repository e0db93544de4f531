package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "dca:ledger:writer"
	DefaultTTL = 30 * time.Second
)

// ErrHeld is returned by Acquire when another process is the ledger writer.
var ErrHeld = errors.New("ledger writer lock is held by another process")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Client is the subset of a Redis client the lock uses. *redis.Client satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client Client
	Key    string
	// TTL bounds how long a crashed holder blocks other processes.
	TTL             time.Duration
	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("redis client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.RefreshInterval >= cfg.TTL {
		return errors.New("refresh interval must be less than ttl")
	}
	return nil
}

// Lock admits one scheduler process as the writer of a ledger. The engine keeps the
// ledger in memory and writes through to the store, so a process must hold the lease from
// before it loads state until it stops.
type Lock struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Lock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Lock{log: cfg.Logger, cfg: cfg}, nil
}

// Acquire takes the lease for holder and keeps it alive until Release. It fails with
// ErrHeld when another holder owns the key.
func (l *Lock) Acquire(ctx context.Context, holder string) (*Lease, error) {
	token := holder + ":" + uuid.NewString()
	ok, err := l.cfg.Client.SetNX(ctx, l.cfg.Key, token, l.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, l.cfg.Key)
	}

	keepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &Lease{
		lock:   l,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.keepalive(keepCtx)
	l.log.Info("lock: acquired ledger writer lease", "key", l.cfg.Key, "holder", holder)
	return lease, nil
}

// Lease is a held writer lock.
type Lease struct {
	lock   *Lock
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	lost     chan struct{}
	lostOnce sync.Once
	once     sync.Once
}

// Lost is closed when the lease can no longer be trusted: another holder owns the key, or
// it could not be refreshed within one TTL.
func (le *Lease) Lost() <-chan struct{} {
	return le.lost
}

func (le *Lease) markLost() {
	le.lostOnce.Do(func() { close(le.lost) })
}

func (le *Lease) keepalive(ctx context.Context) {
	defer close(le.done)
	clock := le.lock.cfg.Clock
	ticker := clock.NewTicker(le.lock.cfg.RefreshInterval)
	defer ticker.Stop()
	refreshed := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := refreshScript.Run(ctx, le.lock.cfg.Client, []string{le.lock.cfg.Key}, le.token, le.lock.cfg.TTL.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				le.lock.log.Warn("lock: failed to refresh", "key", le.lock.cfg.Key, "error", err)
				if clock.Since(refreshed) >= le.lock.cfg.TTL {
					le.lock.log.Error("lock: lease expired without refresh", "key", le.lock.cfg.Key)
					le.markLost()
					return
				}
				continue
			}
			if n == 0 {
				le.lock.log.Error("lock: lease lost", "key", le.lock.cfg.Key)
				le.markLost()
				return
			}
			refreshed = clock.Now()
		}
	}
}

// Release stops the keepalive and deletes the key if this lease still owns it.
func (le *Lease) Release(ctx context.Context) error {
	var err error
	le.once.Do(func() {
		le.cancel()
		<-le.done
		var n int
		n, err = releaseScript.Run(ctx, le.lock.cfg.Client, []string{le.lock.cfg.Key}, le.token).Int()
		if err != nil {
			err = fmt.Errorf("failed to release writer lock: %w", err)
			return
		}
		if n == 0 {
			le.lock.log.Warn("lock: lease expired before release", "key", le.lock.cfg.Key)
		}
	})
	return err
}
