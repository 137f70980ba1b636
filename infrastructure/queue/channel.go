package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

var (
	// ErrQueueFull is returned when the buffer has no room for another job.
	ErrQueueFull = errors.New("side-effect queue is full")
	// ErrQueueClosed is returned by Publish after Close.
	ErrQueueClosed = errors.New("side-effect queue is closed")
)

// DefaultChannelCapacity is used when NewChannelQueue is given zero.
const DefaultChannelCapacity = 256

// ChannelQueue is an in-process queue backed by a buffered channel.
// Publish never blocks.
type ChannelQueue struct {
	jobs   chan domain.SideEffectJob
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

var _ ports.SideEffectQueue = (*ChannelQueue)(nil)

// NewChannelQueue creates a queue holding up to capacity pending jobs.
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &ChannelQueue{
		jobs:   make(chan domain.SideEffectJob, capacity),
		logger: slog.Default(),
	}
}

// Publish enqueues job or fails immediately when the buffer is full.
func (q *ChannelQueue) Publish(ctx context.Context, job domain.SideEffectJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of pending jobs.
func (q *ChannelQueue) Len() int { return len(q.jobs) }

// Close stops accepting jobs. Consume drains what is already buffered and
// then returns.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Consume feeds jobs to h until ctx is done or the queue is closed and
// drained. Handler errors are logged; the job is not requeued.
func (q *ChannelQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-q.jobs:
			if !ok {
				return nil
			}
			if err := h.Handle(ctx, job); err != nil {
				q.logger.ErrorContext(ctx, "side-effect job failed",
					"job_id", job.ID, "type", job.Type, "error", err)
			}
		}
	}
}
