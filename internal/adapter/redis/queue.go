package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cwygoda/oneclick/internal/domain"
)

var _ domain.TaskQueue = (*Queue)(nil)

// DefaultPollInterval bounds how long Receive blocks in a single BRPOP
// before re-checking its context.
const DefaultPollInterval = time.Second

// Queue is a FIFO task queue on a Redis List: Dispatch pushes on the left,
// Receive pops from the right.
type Queue struct {
	client goredis.UniversalClient
	key    string
	poll   time.Duration
	logger *slog.Logger
	closed atomic.Bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithPollInterval sets the BRPOP timeout. Redis rounds it to whole
// seconds, with a minimum of one.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithQueueLogger sets a custom logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue named name. The caller owns the client.
func NewQueue(client goredis.UniversalClient, name string, opts ...QueueOption) *Queue {
	q := &Queue{
		client: client,
		key:    queueKey(name),
		poll:   DefaultPollInterval,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Dispatch enqueues a job ID.
func (q *Queue) Dispatch(ctx context.Context, id uuid.UUID) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	if err := q.client.LPush(ctx, q.key, id.String()).Err(); err != nil {
		return fmt.Errorf("redis queue push %s: %w", id, err)
	}
	return nil
}

// Receive blocks until an ID is available, ctx is done, or the queue is
// closed. Malformed entries are logged and dropped.
func (q *Queue) Receive(ctx context.Context) (uuid.UUID, error) {
	for {
		if q.closed.Load() {
			return uuid.Nil, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return uuid.Nil, ctx.Err()
			}
			return uuid.Nil, fmt.Errorf("redis queue pop: %w", err)
		}

		// res is [key, value].
		id, err := uuid.Parse(res[1])
		if err != nil {
			q.logger.Warn("dropping malformed queue entry", "queue", q.key, "value", res[1])
			continue
		}
		return id, nil
	}
}

// Len reports how many IDs are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close stops further Dispatch and Receive calls. Pending entries stay in
// Redis for the next consumer.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
