package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	defaultKeyPrefix    = "revoledger:lock:"
	defaultTTL          = 30 * time.Second
	defaultWait         = 5 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

var (
	ErrMissingClient = errors.New("lock client not configured")
	ErrInvalidKey    = errors.New("lock key is empty")
	ErrInvalidTTL    = errors.New("lock ttl must be positive")
)

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL bounds how long a crashed holder can keep the lock.
func WithTTL(ttl time.Duration) Option {
	return func(locker *RedisLocker) {
		locker.ttl = ttl
	}
}

// WithWait sets how long Acquire polls before giving up. Zero means a single attempt.
func WithWait(wait time.Duration) Option {
	return func(locker *RedisLocker) {
		locker.wait = wait
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(locker *RedisLocker) {
		locker.prefix = prefix
	}
}

// RedisLocker implements ledger.Locker with SET NX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker wires a locker over client.
func NewRedisLocker(client *redis.Client, options ...Option) (*RedisLocker, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	locker := &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
		prefix: defaultKeyPrefix,
		ttl:    defaultTTL,
		wait:   defaultWait,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	if locker.ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return locker, nil
}

// NewRedisLockerFromURL parses a redis:// URL and wires a locker.
func NewRedisLockerFromURL(rawURL string, options ...Option) (*RedisLocker, error) {
	redisOptions, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(redisOptions), options...)
}

// Acquire blocks until the key is free, the wait elapses or ctx ends.
// It returns ledger.ErrLockNotAcquired when the wait elapses.
func (locker *RedisLocker) Acquire(ctx context.Context, key string) (ledger.Unlock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}
	fullKey := locker.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(locker.wait)
	for {
		acquired, err := locker.client.SetNX(ctx, fullKey, token, locker.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			return locker.unlockFunc(fullKey, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrLockNotAcquired, key)
		}
		timer := time.NewTimer(defaultPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Close releases the underlying client.
func (locker *RedisLocker) Close() error {
	return locker.client.Close()
}

func (locker *RedisLocker) unlockFunc(fullKey string, token string) ledger.Unlock {
	return func(ctx context.Context) error {
		if err := locker.script.Run(ctx, locker.client, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	}
}
