package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/pkg/circuitbreaker"
	"eventgate/pkg/metrics"
)

type Repository interface {
	// Exists reports, per key, whether the key is present.
	Exists(ctx context.Context, keys []string) ([]bool, error)
	Mark(ctx context.Context, keys []string, ttl time.Duration) error
}

type RedisRepository struct {
	client *redis.Client
}

func NewRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) Exists(ctx context.Context, keys []string) ([]bool, error) {
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Exists(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis EXISTS failed: %w", err)
	}

	seen := make([]bool, len(keys))
	for i, cmd := range cmds {
		seen[i] = cmd.Val() > 0
	}
	return seen, nil
}

func (r *RedisRepository) Mark(ctx context.Context, keys []string, ttl time.Duration) error {
	now := time.Now().Unix()
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, now, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cb *circuitbreaker.Wrapper) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{repo: repo, cb: cb}
}

func (r *CircuitBreakerRepository) Exists(ctx context.Context, keys []string) ([]bool, error) {
	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return r.repo.Exists(ctx, keys)
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return nil, fmt.Errorf("circuit breaker is open for %s: %w", r.cb.Name(), err)
		}
		return nil, err
	}

	seen, ok := result.([]bool)
	if !ok {
		return nil, fmt.Errorf("repository returned invalid result type")
	}
	return seen, nil
}

func (r *CircuitBreakerRepository) Mark(ctx context.Context, keys []string, ttl time.Duration) error {
	_, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, r.repo.Mark(ctx, keys, ttl)
	})
	if err != nil && circuitbreaker.IsRejection(err) {
		return fmt.Errorf("circuit breaker is open for %s: %w", r.cb.Name(), err)
	}
	return err
}

func (r *CircuitBreakerRepository) State() string {
	return r.cb.State().String()
}

// Deduplicator drops events whose id was already stored. Ids are marked
// only after the batch is persisted.
type Deduplicator struct {
	repo    Repository
	ttl     time.Duration
	onError string
	logger  logger.Logger
	metrics *metrics.DedupMetrics
}

func NewDeduplicator(repo Repository, ttl time.Duration, onRedisError string, log logger.Logger, m *metrics.DedupMetrics) *Deduplicator {
	if ttl <= 0 {
		ttl = constants.DefaultTTLSeconds * time.Second
	}
	if onRedisError == "" {
		onRedisError = constants.FallbackAllow
	}
	return &Deduplicator{repo: repo, ttl: ttl, onError: onRedisError, logger: log, metrics: m}
}

func dedupKey(e Event) string {
	return constants.CacheKeyPrefixDedup + e.Source + ":" + e.EventID
}

// Unseen returns the events not marked yet. With the allow fallback a Redis
// failure lets every event through.
func (d *Deduplicator) Unseen(ctx context.Context, rows []Event) ([]Event, error) {
	if len(rows) == 0 {
		return rows, nil
	}

	keys := make([]string, len(rows))
	for i, e := range rows {
		keys[i] = dedupKey(e)
	}

	start := time.Now()
	seen, err := d.repo.Exists(ctx, keys)
	d.observe("check", time.Since(start))
	if err != nil {
		return d.fallback(ctx, rows, err)
	}

	out := rows[:0:0]
	for i, e := range rows {
		if seen[i] {
			continue
		}
		out = append(out, e)
	}
	d.count("duplicate", len(rows)-len(out))
	d.count("unique", len(out))
	return out, nil
}

func (d *Deduplicator) fallback(ctx context.Context, rows []Event, err error) ([]Event, error) {
	d.count("error", len(rows))
	if d.onError == constants.FallbackAllow {
		if d.metrics != nil {
			d.metrics.Fallback.WithLabelValues("allow_on_error").Inc()
		}
		d.logger.WarnwCtx(ctx, "Redis error during dedup check, allowing batch (fallback: allow)",
			"error", err,
			"size", len(rows),
		)
		return rows, nil
	}

	if d.metrics != nil {
		d.metrics.Fallback.WithLabelValues("deny_on_error").Inc()
	}
	return nil, fmt.Errorf("redis error during dedup check: %w", err)
}

// MarkSeen records the ids of a persisted batch. Failures are logged and
// dropped.
func (d *Deduplicator) MarkSeen(ctx context.Context, rows []Event) {
	if len(rows) == 0 {
		return
	}

	keys := make([]string, len(rows))
	for i, e := range rows {
		keys[i] = dedupKey(e)
	}

	start := time.Now()
	err := d.repo.Mark(ctx, keys, d.ttl)
	d.observe("mark", time.Since(start))
	if err != nil {
		d.logger.WarnwCtx(ctx, "Failed to mark events as seen", "error", err, "size", len(rows))
	}
}

func (d *Deduplicator) count(status string, n int) {
	if d.metrics != nil && n > 0 {
		d.metrics.Messages.WithLabelValues(status).Add(float64(n))
	}
}

func (d *Deduplicator) observe(operation string, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveDuration(operation, duration)
	}
}
