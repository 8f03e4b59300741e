package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the cross-process tier. Implementations report errors; the
// Tiered cache decides they are misses.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, vals map[string][]byte, ttl time.Duration) error
	// Clear removes every key this cache owns.
	Clear(ctx context.Context) error
	Close() error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// RedisShared keeps entries in Redis under a key prefix.
type RedisShared struct {
	rdb       *redis.Client
	prefix    string
	opTimeout time.Duration
}

func NewRedisShared(cfg RedisConfig) (*RedisShared, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "schedbot:tt:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		MaxRetries:   1,
	})
	return &RedisShared{rdb: rdb, prefix: cfg.Prefix, opTimeout: cfg.OpTimeout}, nil
}

// Ping checks connectivity. Startup logs the result; it is never fatal.
func (r *RedisShared) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisShared) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.rdb.Set(ctx, r.prefix+key, val, ttl).Err()
}

func (r *RedisShared) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		switch s := v.(type) {
		case string:
			out[keys[i]] = []byte(s)
		case []byte:
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *RedisShared) SetMany(ctx context.Context, vals map[string][]byte, ttl time.Duration) error {
	if len(vals) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range vals {
			p.Set(ctx, r.prefix+k, v, ttl)
		}
		return nil
	})
	return err
}

func (r *RedisShared) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*r.opTimeout)
	defer cancel()
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisShared) Close() error { return r.rdb.Close() }
