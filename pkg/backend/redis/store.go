package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// Store implements backend.Store on top of a go-redis client.
type Store struct {
	client redis.UniversalClient
	owned  bool
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns pool defaults suitable for lock-heavy workloads
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// NewStore connects with default config.
func NewStore(addr string) (*Store, error) {
	return NewStoreWithConfig(DefaultConfig(addr))
}

// NewStoreWithConfig connects with a custom config and verifies the connection.
func NewStoreWithConfig(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	// Ping to verify connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, backend.NewConnectionError("connect", cfg.Addr, fmt.Errorf("failed to connect to redis: %w", err))
	}

	return &Store{client: client, owned: true}, nil
}

// NewStoreFromClient shares an existing client (or cluster client). Close leaves it open.
func NewStoreFromClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// wrap maps go-redis errors onto the backend taxonomy.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "not an integer") {
		return fmt.Errorf("%w: %s: %v", backend.ErrCorruptRecord, key, err)
	}
	return backend.NewConnectionError(op, key, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, wrap("get", key, err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return wrap("set", key, s.client.Set(ctx, key, value, 0).Err())
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error) {
	absent := "0"
	if expected == nil {
		absent = "1"
		expected = []byte{}
	}

	n, err := compareAndSetScript.Run(ctx, s.client, []string{key}, absent, expected, value).Int()
	if err != nil {
		return false, wrap("cas", key, err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return wrap("delete", key, s.client.Del(ctx, key).Err())
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap("incr", key, err)
	}
	return n, nil
}

func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	n, err := acquireLeaseScript.Run(ctx, s.client, []string{key}, token, ttlMillis(ttl)).Int()
	if err != nil {
		return false, wrap("lease_acquire", key, err)
	}
	return n == 1, nil
}

func (s *Store) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	n, err := refreshLeaseScript.Run(ctx, s.client, []string{key}, token, ttlMillis(ttl)).Int()
	if err != nil {
		return false, wrap("lease_refresh", key, err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseLeaseScript.Run(ctx, s.client, []string{key}, token).Int()
	if err != nil {
		return false, wrap("lease_release", key, err)
	}
	return n == 1, nil
}

func (s *Store) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error) {
	n, err := setIfHeldScript.Run(ctx, s.client, []string{leaseKey, key}, token, value).Int()
	if err != nil {
		return false, wrap("guarded_set", key, err)
	}
	return n == 1, nil
}

func (s *Store) GetIfHeld(ctx context.Context, leaseKey, token, key string) ([]byte, bool, bool, error) {
	res, err := getIfHeldScript.Run(ctx, s.client, []string{leaseKey, key}, token).Slice()
	if err != nil {
		return nil, false, false, wrap("guarded_get", key, err)
	}
	if len(res) == 0 || res[0] != int64(1) {
		return nil, false, false, nil
	}
	if len(res) < 3 || res[1] != int64(1) {
		return nil, false, true, nil
	}
	value, ok := res[2].(string)
	if !ok {
		return nil, false, false, fmt.Errorf("%w: guarded read of %s returned %T", backend.ErrCorruptRecord, key, res[2])
	}
	return []byte(value), true, true, nil
}

// ttlMillis rounds up so sub-millisecond ttls never become "no expiry".
func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if time.Duration(ms)*time.Millisecond < ttl {
		ms++
	}
	return ms
}

var _ backend.Store = (*Store)(nil)
