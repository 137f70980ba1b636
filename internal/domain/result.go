package domain

import (
	"time"
)

// Step names recorded in PipelineResult.StepsCompleted.
const (
	StepPrecheck      = "precheck"
	StepExtractClaims = "extract_claims"
	StepVerifyClaims  = "verify_claims"
	StepScoreValue    = "score_value"
	StepPersist       = "persist"
)

// PipelineStatus is the lifecycle state of a single run.
type PipelineStatus string

// Run states. Only completed and failed are ever persisted.
const (
	StatusPending    PipelineStatus = "pending"
	StatusProcessing PipelineStatus = "processing"
	StatusCompleted  PipelineStatus = "completed"
	StatusFailed     PipelineStatus = "failed"
)

// FactCheckStatus is the publication gate derived from the verdicts.
type FactCheckStatus string

// Publication gates.
const (
	FactCheckClean       FactCheckStatus = "clean"
	FactCheckNeedsReview FactCheckStatus = "needs_review"
	FactCheckBlocked     FactCheckStatus = "blocked"
)

// PipelineError describes why a run failed and whether re-running it may help.
type PipelineError struct {
	Step        string `json:"step"`
	Message     string `json:"message"`
	IsRetryable bool   `json:"isRetryable"`
}

// PipelineResult is the only object the pipeline persists. Success is false
// exactly when Error is set.
type PipelineResult struct {
	Success         bool            `json:"success"`
	Status          PipelineStatus  `json:"status"`
	PreCheck        *PreCheckResult `json:"preCheck,omitempty"`
	Claims          []Claim         `json:"claims"`
	FactChecks      []FactCheck     `json:"factChecks"`
	FactCheckStatus FactCheckStatus `json:"factCheckStatus"`
	ValueScore      *ValueScore     `json:"valueScore,omitempty"`
	ProcessedAt     time.Time       `json:"processedAt"`
	DurationMs      int64           `json:"durationMs"`
	StepsCompleted  []string        `json:"stepsCompleted"`
	Error           *PipelineError  `json:"error,omitempty"`
}

// PipelineOptions tunes a single run. MaxRetries and TimeoutMs are carried
// for callers that re-invoke the pipeline; no stage enforces them.
type PipelineOptions struct {
	MaxRetries       int   `json:"maxRetries" yaml:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`
	TimeoutMs        int64 `json:"timeoutMs" yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"min=0"`
	SkipPrecheck     bool  `json:"skipPrecheck" yaml:"skip_precheck" mapstructure:"skip_precheck"`
	SkipValueScoring bool  `json:"skipValueScoring" yaml:"skip_value_scoring" mapstructure:"skip_value_scoring"`
}

// DefaultTimeoutMs is the advisory pipeline timeout.
const DefaultTimeoutMs = 120_000

// WithDefaults fills zero-valued fields.
func (o PipelineOptions) WithDefaults() PipelineOptions {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = DefaultTimeoutMs
	}
	return o
}

// InsightsUpdate is a partial write against a content item's insights.
// Nil fields are left untouched by the store unless the matching Clear flag
// is set, in which case a nil field erases the stored value.
type InsightsUpdate struct {
	Status          *PipelineStatus
	FactCheckStatus *FactCheckStatus
	PreCheck        *PreCheckResult
	Claims          []Claim
	FactChecks      []FactCheck
	ValueScore      *ValueScore
	StepsCompleted  []string
	Error           *PipelineError
	Processing      *bool
	ProcessedAt     *time.Time
	DurationMs      *int64

	// Clear flags give the field replace semantics.
	ClearPreCheck   bool
	ClearValueScore bool
	ClearError      bool
}

// SuccessUpdate builds the full write issued once a run completes. Every
// result column is replaced, so nothing from an earlier run survives next to
// this one.
func SuccessUpdate(r PipelineResult) InsightsUpdate {
	processing := false
	claims := r.Claims
	if claims == nil {
		claims = []Claim{}
	}
	checks := r.FactChecks
	if checks == nil {
		checks = []FactCheck{}
	}
	return InsightsUpdate{
		Status:          &r.Status,
		FactCheckStatus: &r.FactCheckStatus,
		PreCheck:        r.PreCheck,
		Claims:          claims,
		FactChecks:      checks,
		ValueScore:      r.ValueScore,
		StepsCompleted:  append([]string{}, r.StepsCompleted...),
		Processing:      &processing,
		ProcessedAt:     &r.ProcessedAt,
		DurationMs:      &r.DurationMs,
		ClearPreCheck:   true,
		ClearValueScore: true,
		ClearError:      true,
	}
}

// FailureUpdate builds the minimal write issued when a run fails. It marks
// the run failed and clears the in-progress marker but never touches claims,
// verdicts or scores written by an earlier successful run.
func FailureUpdate(r PipelineResult) InsightsUpdate {
	processing := false
	status := StatusFailed
	return InsightsUpdate{
		Status:         &status,
		StepsCompleted: append([]string{}, r.StepsCompleted...),
		Error:          r.Error,
		Processing:     &processing,
		ProcessedAt:    &r.ProcessedAt,
		DurationMs:     &r.DurationMs,
	}
}

// SideEffectType names a downstream job.
type SideEffectType string

// Side-effect job types.
const (
	SideEffectReputationUpdate SideEffectType = "reputation_update"
	SideEffectModerationNotice SideEffectType = "moderation_notice"
)

// SideEffectJob is a fire-and-forget downstream task. ID is a deterministic
// idempotency key so that redelivered jobs can be recognized.
type SideEffectJob struct {
	ID          string         `json:"id"`
	Type        SideEffectType `json:"type"`
	UserID      string         `json:"userId"`
	ContentID   string         `json:"contentId"`
	ContentType string         `json:"contentType"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"createdAt"`
}
