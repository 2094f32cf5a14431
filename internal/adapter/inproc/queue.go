// Package inproc provides a TaskQueue for running the API and the worker in
// one process.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cwygoda/oneclick/internal/domain"
)

var _ domain.TaskQueue = (*Queue)(nil)

// DefaultBuffer is the queue capacity when none is configured.
const DefaultBuffer = 256

// Queue is a buffered channel of job IDs. Dispatch never waits: a full
// buffer is reported as ErrQueueFull and the job is left for the worker's
// stalled-job sweep.
type Queue struct {
	logger *slog.Logger
	ch     chan uuid.UUID
	done   chan struct{}
	once   sync.Once
}

type Option func(*Queue)

func WithBuffer(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan uuid.UUID, n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		logger: slog.Default(),
		ch:     make(chan uuid.UUID, DefaultBuffer),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Dispatch enqueues id without blocking.
func (q *Queue) Dispatch(ctx context.Context, id uuid.UUID) error {
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case q.ch <- id:
		return nil
	default:
		q.logger.Warn("queue full", "job_id", id, "pending", q.Len())
		return fmt.Errorf("%w: %d of %d slots in use", domain.ErrQueueFull, q.Len(), cap(q.ch))
	}
}

// Receive returns the next ID, blocking until one is available.
func (q *Queue) Receive(ctx context.Context) (uuid.UUID, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		return uuid.Nil, domain.ErrQueueClosed
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// Len reports how many IDs are buffered.
func (q *Queue) Len() int { return len(q.ch) }

// Close wakes every blocked receiver with ErrQueueClosed. Buffered IDs are
// dropped; their jobs stay Processing and the next sweep re-dispatches them.
func (q *Queue) Close() error {
	q.once.Do(func() {
		close(q.done)
		if n := len(q.ch); n > 0 {
			q.logger.Warn("queue closed with pending jobs", "pending", n)
		}
	})
	return nil
}
