package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// ErrNoHandler is returned by a Dispatcher for job types it does not know.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler processes one side-effect job.
type Handler interface {
	Handle(ctx context.Context, job domain.SideEffectJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.SideEffectJob) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job domain.SideEffectJob) error { return f(ctx, job) }

// Dispatcher routes jobs to the handler registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[domain.SideEffectType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.SideEffectType]Handler)}
}

// Register installs h for jobs of type t, replacing any earlier handler.
func (d *Dispatcher) Register(t domain.SideEffectType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Handle forwards job to its handler.
func (d *Dispatcher) Handle(ctx context.Context, job domain.SideEffectJob) error {
	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	return h.Handle(ctx, job)
}

// IdempotentHandler skips jobs whose id has already been handled within
// the TTL. A job whose handler fails is released so a redelivery can retry.
type IdempotentHandler struct {
	next   Handler
	seen   ports.IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotentHandler wraps next.
func NewIdempotentHandler(next Handler, seen ports.IdempotencyStore, ttl time.Duration) *IdempotentHandler {
	return &IdempotentHandler{next: next, seen: seen, ttl: ttl, logger: slog.Default()}
}

// Handle runs the wrapped handler at most once per job id.
func (h *IdempotentHandler) Handle(ctx context.Context, job domain.SideEffectJob) error {
	first, err := h.seen.MarkProcessed(ctx, job.ID, h.ttl)
	if err != nil {
		return fmt.Errorf("checking job %s: %w", job.ID, err)
	}
	if !first {
		h.logger.DebugContext(ctx, "skipping duplicate side-effect job", "job_id", job.ID, "type", job.Type)
		return nil
	}

	if err := h.next.Handle(ctx, job); err != nil {
		if relErr := h.seen.Release(ctx, job.ID); relErr != nil {
			h.logger.WarnContext(ctx, "failed to release job after error", "job_id", job.ID, "error", relErr)
		}
		return err
	}
	return nil
}

// LoggingHandler records jobs and acknowledges them. Reputation and
// moderation systems consume the same jobs elsewhere.
func LoggingHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(ctx context.Context, job domain.SideEffectJob) error {
		logger.InfoContext(ctx, "side-effect job handled",
			"job_id", job.ID,
			"type", job.Type,
			"user_id", job.UserID,
			"content_id", job.ContentID,
			"content_type", job.ContentType,
			"data", job.Data,
		)
		return nil
	})
}
