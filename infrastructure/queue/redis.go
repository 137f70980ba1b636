package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// DefaultStream is the stream side-effect jobs are written to.
const DefaultStream = "pipeline:side-effects"

const envelopeField = "envelope"

// StreamPublisher writes jobs to a Redis stream.
type StreamPublisher struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

var _ ports.SideEffectQueue = (*StreamPublisher)(nil)

// PublisherOption configures a StreamPublisher.
type PublisherOption func(*StreamPublisher)

// WithMaxLenApprox trims the stream to roughly n entries on every write.
func WithMaxLenApprox(n int64) PublisherOption {
	return func(p *StreamPublisher) { p.maxLen = n }
}

// NewStreamPublisher creates a publisher for stream.
func NewStreamPublisher(rdb redis.UniversalClient, stream string, opts ...PublisherOption) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	p := &StreamPublisher{rdb: rdb, stream: stream}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends job to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, job domain.SideEffectJob) error {
	env, err := NewJobEnvelope(job)
	if err != nil {
		return fmt.Errorf("invalid job envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{envelopeField: string(raw)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if _, err := p.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// StreamConsumer reads jobs from a Redis stream as a member of a consumer
// group.
type StreamConsumer struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	count    int64
	block    time.Duration
	logger   *slog.Logger
}

// ConsumerConfig configures a StreamConsumer.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// Count is the batch size per read; 10 when zero.
	Count int64
	// Block is how long a read waits for new entries; 5s when zero.
	Block time.Duration
}

// NewStreamConsumer creates a consumer. Call EnsureGroup before Run.
func NewStreamConsumer(rdb redis.UniversalClient, cfg ConsumerConfig) *StreamConsumer {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &StreamConsumer{
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		count:    cfg.Count,
		block:    cfg.Block,
		logger:   slog.Default(),
	}
}

// EnsureGroup creates the consumer group and the stream if needed.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", c.stream, c.group, err)
	}
	return nil
}

// Message is one stream entry with its decoded envelope.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read fetches new entries for this consumer. It returns an empty slice
// when the block timeout passes with nothing to read.
func (c *StreamConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			env, err := decodeMessage(m)
			if err != nil {
				// Poison entries are acked so they do not block the group.
				c.logger.ErrorContext(ctx, "dropping undecodable stream entry", "id", m.ID, "error", err)
				_ = c.Ack(ctx, m.ID)
				continue
			}
			out = append(out, Message{ID: m.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *StreamConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", c.stream, err)
	}
	return nil
}

// Run reads and handles entries until ctx is done. Entries whose handler
// fails stay pending for redelivery.
func (c *StreamConsumer) Run(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, m := range msgs {
			if err := c.handle(ctx, h, m); err != nil {
				c.logger.ErrorContext(ctx, "side-effect job failed",
					"stream_id", m.ID, "event_id", m.Envelope.EventID, "error", err)
				continue
			}
			if err := c.Ack(ctx, m.ID); err != nil {
				c.logger.ErrorContext(ctx, "ack failed", "stream_id", m.ID, "error", err)
			}
		}
	}
}

func (c *StreamConsumer) handle(ctx context.Context, h Handler, m Message) error {
	job, err := m.Envelope.Job()
	if err != nil {
		return err
	}
	return h.Handle(ctx, job)
}

func decodeMessage(m redis.XMessage) (Envelope, error) {
	raw, ok := m.Values[envelopeField]
	if !ok {
		return Envelope{}, fmt.Errorf("missing %q field", envelopeField)
	}
	switch v := raw.(type) {
	case string:
		return UnmarshalEnvelope([]byte(v))
	case []byte:
		return UnmarshalEnvelope(v)
	default:
		return Envelope{}, fmt.Errorf("unexpected %q field type %T", envelopeField, raw)
	}
}
