package closure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/txproxy/internal/config"
	"github.com/vyrodovalexey/txproxy/internal/observability"
	"github.com/vyrodovalexey/txproxy/internal/retry"
)

const tracerName = "txproxy/closure"

func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError retries connection failures, never a miss or a
// cancelled context.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RedisStore keeps bindings in Redis so replicas share session affinity.
// Expiry is carried by the key TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    observability.Logger
}

// NewRedisStore connects to the configured Redis and verifies it with PING.
func NewRedisStore(cfg *config.RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, logger observability.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = config.DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, logger: logger}
}

func (s *RedisStore) key(name string) string {
	return s.keyPrefix + name
}

func (s *RedisStore) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "closure."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("closure.session", name),
		),
	)
}

func (s *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, redisRetryConfig(), func(ctx context.Context, _ int) error {
		return fn(ctx)
	}, &retry.Options{
		ShouldRetry: isRetryableRedisError,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			s.logger.Debug("retrying redis "+op,
				observability.Int("attempt", attempt),
				observability.Error(err),
			)
		},
	})
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, name string) (Binding, error) {
	ctx, span := s.startSpan(ctx, "Get", name)
	defer span.End()

	var raw []byte
	err := s.do(ctx, "get", func(ctx context.Context) error {
		val, err := s.client.Get(ctx, s.key(name)).Bytes()
		raw = val
		return err
	})
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("closure.found", false))
		return Binding{}, ErrNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Binding{}, fmt.Errorf("redis get %s: %w", name, err)
	}

	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode binding %s: %w", name, err)
	}
	span.SetAttributes(attribute.Bool("closure.found", true))
	return b, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, b Binding, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "Put", b.Name)
	defer span.End()

	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	err = s.do(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(b.Name), raw, ttl).Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("redis set %s: %w", b.Name, err)
	}
	return nil
}

// createAttempts bounds the SETNX/GET loop when the winning binding expires
// between the two commands.
const createAttempts = 3

// Create implements Store with SETNX, so replicas binding the same new
// session agree on one upstream.
func (s *RedisStore) Create(ctx context.Context, b Binding, ttl time.Duration) (Binding, bool, error) {
	ctx, span := s.startSpan(ctx, "Create", b.Name)
	defer span.End()

	raw, err := json.Marshal(b)
	if err != nil {
		return Binding{}, false, err
	}

	for range createAttempts {
		var created bool
		err := s.do(ctx, "setnx", func(ctx context.Context) error {
			ok, err := s.client.SetNX(ctx, s.key(b.Name), raw, ttl).Result()
			created = ok
			return err
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Binding{}, false, fmt.Errorf("redis setnx %s: %w", b.Name, err)
		}
		span.SetAttributes(attribute.Bool("closure.created", created))
		if created {
			return b, true, nil
		}

		winner, err := s.Get(ctx, b.Name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Binding{}, false, err
		}
		return winner, false, nil
	}
	return Binding{}, false, fmt.Errorf("redis setnx %s: binding kept expiring", b.Name)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	ctx, span := s.startSpan(ctx, "Delete", name)
	defer span.End()

	err := s.do(ctx, "del", func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(name)).Err()
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("redis del %s: %w", name, err)
	}
	return nil
}

// List implements Store. Bindings are sorted by name.
func (s *RedisStore) List(ctx context.Context) ([]Binding, error) {
	ctx, span := s.startSpan(ctx, "List", "*")
	defer span.End()

	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]Binding, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var b Binding
		if err := json.Unmarshal([]byte(str), &b); err != nil {
			s.logger.Warn("skipping undecodable closure binding",
				observability.String("key", keys[i]),
				observability.Error(err),
			)
			continue
		}
		if b.Name == "" {
			b.Name = strings.TrimPrefix(keys[i], s.keyPrefix)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
