package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/kinopio-club/kinopio-sync/internal/logging"
)

// Key returns the Redis list holding queued operations.
// Pattern: kinopio:{namespace}:queue
func Key(namespace string) string {
	return fmt.Sprintf("kinopio:%s:queue", namespace)
}

// RedisQueue appends operations to a Redis list. AddToQueue only buffers in
// memory; Run moves the buffer into Redis, retrying with backoff.
type RedisQueue struct {
	rdb    *redis.Client
	key    string
	logger *log.Logger

	mu     sync.Mutex
	buffer []Operation
	wake   chan struct{}

	// MaxRetryElapsed bounds how long one flush keeps retrying before the
	// batch is put back for the next wake-up.
	MaxRetryElapsed time.Duration
	// RetryInterval is how long Run waits after a failed flush before
	// trying again.
	RetryInterval time.Duration
}

// NewRedisQueue creates a queue namespaced by namespace.
func NewRedisQueue(opts *redis.Options, namespace string, logger *log.Logger) (*RedisQueue, error) {
	if namespace == "" {
		return nil, fmt.Errorf("queue namespace cannot be empty")
	}
	return &RedisQueue{
		rdb:             redis.NewClient(opts),
		key:             Key(namespace),
		logger:          logging.Component(logger, "queue"),
		wake:            make(chan struct{}, 1),
		MaxRetryElapsed: 30 * time.Second,
		RetryInterval:   5 * time.Second,
	}, nil
}

// Close closes the Redis connection. Buffered operations that were never
// flushed are lost, so callers stop Run first.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Ping verifies Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// AddToQueue buffers op and wakes the writer. It never blocks.
func (q *RedisQueue) AddToQueue(op Operation) {
	q.mu.Lock()
	q.buffer = append(q.buffer, op)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Buffered returns the number of operations not yet written to Redis.
func (q *RedisQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Run writes buffered operations until ctx is cancelled, then makes one
// final flush attempt. A failed flush is retried after RetryInterval even if
// nothing new is queued.
func (q *RedisQueue) Run(ctx context.Context) error {
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	flush := func() {
		if err := q.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("flush failed, will retry", "buffered", q.Buffered(), "in", q.RetryInterval, "err", err)
			retry.Reset(q.RetryInterval)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := q.Flush(flushCtx); err != nil {
				q.logger.Error("final flush failed", "buffered", q.Buffered(), "err", err)
			}
			return nil
		case <-q.wake:
			flush()
		case <-retry.C:
			flush()
		}
	}
}

// Flush writes every buffered operation to Redis in one RPUSH. On failure
// the batch is returned to the front of the buffer.
func (q *RedisQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.buffer
	q.buffer = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	values := make([]any, 0, len(batch))
	for _, op := range batch {
		data, err := json.Marshal(op)
		if err != nil {
			q.logger.Error("dropping unencodable operation", "name", op.Name, "err", err)
			continue
		}
		values = append(values, data)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = q.MaxRetryElapsed

	err := backoff.Retry(func() error {
		return q.rdb.RPush(ctx, q.key, values...).Err()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		q.mu.Lock()
		q.buffer = append(batch, q.buffer...)
		q.mu.Unlock()
		return fmt.Errorf("failed to push %d operations: %w", len(batch), err)
	}

	q.logger.Debug("flushed operations", "count", len(batch))
	return nil
}

// Len returns the number of operations stored in Redis.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Pending returns up to limit stored operations without removing them.
// A limit of zero or less returns everything.
func (q *RedisQueue) Pending(ctx context.Context, limit int64) ([]Operation, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := q.rdb.LRange(ctx, q.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return decodeOperations(raw)
}

// Drain removes and returns up to n operations, oldest first.
func (q *RedisQueue) Drain(ctx context.Context, n int) ([]Operation, error) {
	raw, err := q.rdb.LPopCount(ctx, q.key, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	return decodeOperations(raw)
}

func decodeOperations(raw []string) ([]Operation, error) {
	ops := make([]Operation, 0, len(raw))
	for _, item := range raw {
		var op Operation
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			return nil, fmt.Errorf("failed to decode queued operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
