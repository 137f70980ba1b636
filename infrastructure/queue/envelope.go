// Package queue carries side-effect jobs from the pipeline to their
// consumers. ChannelQueue serves a single process; the Redis Streams
// publisher and consumer span processes. Handlers must be idempotent
// because both transports may redeliver.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// JobPayloadVersion is the payload version written into every envelope.
const JobPayloadVersion = "v1"

// Envelope is the wire wrapper for a job on a stream.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// Validate checks the mandatory envelope fields.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.PayloadVersion == "":
		return fmt.Errorf("payload_version is required")
	case e.Attempt < 0:
		return fmt.Errorf("attempt must be >= 0")
	case len(e.Data) == 0:
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// NewJobEnvelope wraps job. The job id doubles as the event id so that
// redelivered copies share it.
func NewJobEnvelope(job domain.SideEffectJob) (Envelope, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	occurred := job.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	env := Envelope{
		EventID:        job.ID,
		EventType:      string(job.Type),
		OccurredAt:     occurred.UTC(),
		PayloadVersion: JobPayloadVersion,
		Data:           data,
	}
	return env, env.Validate()
}

// Job decodes the wrapped job.
func (e Envelope) Job() (domain.SideEffectJob, error) {
	var job domain.SideEffectJob
	if err := json.Unmarshal(e.Data, &job); err != nil {
		return job, fmt.Errorf("unmarshal job %s: %w", e.EventID, err)
	}
	if job.ID == "" {
		job.ID = e.EventID
	}
	return job, nil
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, env.Validate()
}
