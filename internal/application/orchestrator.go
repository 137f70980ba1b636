// Package application wires the pipeline together: the orchestrator that
// runs content through its stages, the side-effect dispatcher, service
// configuration and the bootstrap that builds every component from it.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

var tracer trace.Tracer = otel.Tracer("github.com/heyronith/kurral-sub012/internal/application")

// ErrInvalidContent is returned by Process when the item cannot be
// processed at all. Nothing is persisted in that case.
var ErrInvalidContent = errors.New("invalid content item")

// Prechecker decides whether an item warrants fact checking.
type Prechecker interface {
	Run(ctx context.Context, item domain.ContentItem) (domain.PreCheckResult, error)
}

// ClaimExtractor pulls verifiable claims out of an item and its optional
// quoted parent.
type ClaimExtractor interface {
	Run(ctx context.Context, item domain.ContentItem, quoted *domain.ContentItem) ([]domain.Claim, error)
}

// ClaimVerifier returns exactly one fact check per claim, in claim order.
type ClaimVerifier interface {
	Run(ctx context.Context, claims []domain.Claim) ([]domain.FactCheck, error)
}

// ValueScorer rates an item. A nil score with a nil error means scoring was
// unavailable.
type ValueScorer interface {
	Run(ctx context.Context, item domain.ContentItem, claims []domain.Claim, factChecks []domain.FactCheck) (*domain.ValueScore, error)
}

// Dependencies groups the collaborators of an Orchestrator.
type Dependencies struct {
	Precheck     Prechecker
	Extraction   ClaimExtractor
	Verification ClaimVerifier
	Scoring      ValueScorer
	// Store receives exactly one write per run.
	Store ports.InsightsStore
	// SideEffects publishes downstream jobs after a successful run. Nil
	// disables side effects.
	SideEffects *SideEffectDispatcher
	// Metrics defaults to ports.NopMetrics.
	Metrics ports.MetricsCollector
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator runs content items through precheck, claim extraction,
// claim verification and value scoring, derives the fact-check status and
// persists the outcome.
//
// Stages of one run execute sequentially. Concurrent calls for the same
// content id, quoted item and options share a single run, which is
// cancelled only once every caller sharing it has gone. Process never
// panics; a panic inside a stage becomes a failed result at the step that
// was executing.
type Orchestrator struct {
	precheck     Prechecker
	extraction   ClaimExtractor
	verification ClaimVerifier
	scoring      ValueScorer
	store        ports.InsightsStore
	sideEffects  *SideEffectDispatcher
	metrics      ports.MetricsCollector
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]*flight
	running  atomic.Int64
}

// flight is one shared run and the callers waiting on it.
type flight struct {
	done    chan struct{}
	result  domain.PipelineResult
	cancel  context.CancelFunc
	waiters int
	step    atomic.Value
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Precheck == nil:
		return nil, fmt.Errorf("precheck stage is required")
	case deps.Extraction == nil:
		return nil, fmt.Errorf("extraction stage is required")
	case deps.Verification == nil:
		return nil, fmt.Errorf("verification stage is required")
	case deps.Scoring == nil:
		return nil, fmt.Errorf("scoring stage is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("insights store is required")
	}

	o := &Orchestrator{
		precheck:     deps.Precheck,
		extraction:   deps.Extraction,
		verification: deps.Verification,
		scoring:      deps.Scoring,
		store:        deps.Store,
		sideEffects:  deps.SideEffects,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		now:          deps.Clock,
		inflight:     make(map[string]*flight),
	}
	if o.metrics == nil {
		o.metrics = ports.NopMetrics{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Process runs item through the pipeline and returns the persisted result.
// quoted is the parent or quoted item, if any, and only informs claim
// extraction.
//
// The returned error is non-nil only when item fails validation, in which
// case the returned result is a failure that was not persisted. Stage and
// persistence failures are reported in the result, whose Success field is
// false exactly when its Error is set. A caller that joins a run already in
// flight for the same inputs receives that run's result; a caller whose
// context ends first gets a failed result while the run continues for the
// others.
func (o *Orchestrator) Process(
	ctx context.Context,
	item domain.ContentItem,
	quoted *domain.ContentItem,
	opts domain.PipelineOptions,
) (domain.PipelineResult, error) {
	if err := domain.ValidateContentItem(item); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidContent, err)
		return o.rejected(err), err
	}
	opts = opts.WithDefaults()

	// An already cancelled caller has nobody to share with.
	if ctx.Err() != nil {
		return cloneResult(o.run(ctx, item, quoted, opts, nil)), nil
	}

	key := flightKey(item, quoted, opts)
	f, joined := o.join(ctx, key, item, quoted, opts)
	if joined {
		o.logger.DebugContext(ctx, "joined in-flight pipeline run", "content_id", item.ID)
	}

	select {
	case <-f.done:
		return cloneResult(f.result), nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last && o.inflight[key] == f {
		delete(o.inflight, key)
	}
	o.mu.Unlock()
	if last {
		// The run fails at its current step and persists that failure.
		f.cancel()
		<-f.done
		return cloneResult(f.result), nil
	}
	return o.abandoned(f, ctx.Err()), nil
}

// join registers the caller on the flight for key, starting it when none
// is running.
func (o *Orchestrator) join(
	ctx context.Context,
	key string,
	item domain.ContentItem,
	quoted *domain.ContentItem,
	opts domain.PipelineOptions,
) (*flight, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inflight[key]; ok {
		f.waiters++
		return f, true
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{done: make(chan struct{}), cancel: cancel, waiters: 1}
	o.inflight[key] = f
	go func() {
		defer close(f.done)
		defer cancel()
		f.result = o.run(runCtx, item, quoted, opts, func(step string) { f.step.Store(step) })

		o.mu.Lock()
		if o.inflight[key] == f {
			delete(o.inflight, key)
		}
		o.mu.Unlock()
	}()
	return f, false
}

// abandoned is the result of a caller that stopped waiting on a shared run.
// Nothing is persisted for it.
func (o *Orchestrator) abandoned(f *flight, err error) domain.PipelineResult {
	step, _ := f.step.Load().(string)
	if step == "" {
		step = domain.StepPrecheck
	}
	return domain.PipelineResult{
		Status:         domain.StatusFailed,
		Claims:         []domain.Claim{},
		FactChecks:     []domain.FactCheck{},
		StepsCompleted: []string{},
		ProcessedAt:    o.now().UTC(),
		Error:          &domain.PipelineError{Step: step, Message: err.Error(), IsRetryable: true},
	}
}

// rejected is the result returned alongside ErrInvalidContent.
func (o *Orchestrator) rejected(err error) domain.PipelineResult {
	return domain.PipelineResult{
		Status:         domain.StatusFailed,
		Claims:         []domain.Claim{},
		FactChecks:     []domain.FactCheck{},
		StepsCompleted: []string{},
		ProcessedAt:    o.now().UTC(),
		Error:          &domain.PipelineError{Step: domain.StepPrecheck, Message: err.Error()},
	}
}

// flightKey identifies runs that may be shared: same item, same quoted
// item and same options.
func flightKey(item domain.ContentItem, quoted *domain.ContentItem, opts domain.PipelineOptions) string {
	quotedID := ""
	if quoted != nil {
		quotedID = quoted.ID
	}
	return strings.Join([]string{
		item.ID,
		quotedID,
		strconv.Itoa(opts.MaxRetries),
		strconv.FormatInt(opts.TimeoutMs, 10),
		strconv.FormatBool(opts.SkipPrecheck),
		strconv.FormatBool(opts.SkipValueScoring),
	}, "\x00")
}

// run owns the lifecycle of one run: tracing, metrics, panic recovery and
// the terminal write.
func (o *Orchestrator) run(
	ctx context.Context,
	item domain.ContentItem,
	quoted *domain.ContentItem,
	opts domain.PipelineOptions,
	track func(step string),
) (result domain.PipelineResult) {
	start := o.now()
	o.metrics.RecordGauge("pipeline_inflight", float64(o.running.Add(1)), nil)
	defer func() {
		o.metrics.RecordGauge("pipeline_inflight", float64(o.running.Add(-1)), nil)
	}()

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("content.id", item.ID),
		attribute.String("content.kind", item.Kind()),
		attribute.String("content.topic", item.Topic),
	))
	defer span.End()

	logger := o.logger.With("content_id", item.ID)
	logger.InfoContext(ctx, "pipeline run started",
		"max_retries", opts.MaxRetries,
		"timeout_ms", opts.TimeoutMs,
		"skip_precheck", opts.SkipPrecheck,
		"skip_value_scoring", opts.SkipValueScoring,
	)

	r := &runState{
		result: domain.PipelineResult{
			Status:         domain.StatusProcessing,
			Claims:         []domain.Claim{},
			FactChecks:     []domain.FactCheck{},
			StepsCompleted: []string{},
		},
		start: start,
		track: track,
	}

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "pipeline stage panicked",
				"step", r.step, "panic", p, "stack", string(debug.Stack()))
			result = o.fail(ctx, logger, item, r, fmt.Errorf("panic in %s: %v", r.step, p))
		}
		span.SetAttributes(
			attribute.String("pipeline.status", string(result.Status)),
			attribute.String("pipeline.fact_check_status", string(result.FactCheckStatus)),
			attribute.StringSlice("pipeline.steps_completed", result.StepsCompleted),
		)
		if result.Error != nil {
			span.SetStatus(codes.Error, result.Error.Message)
		}
		o.metrics.RecordCounter("pipeline_runs_total", 1, map[string]string{
			"status":            string(result.Status),
			"fact_check_status": string(result.FactCheckStatus),
		})
	}()

	if err := o.execute(ctx, item, quoted, opts, r); err != nil {
		span.RecordError(err)
		return o.fail(ctx, logger, item, r, err)
	}
	return o.complete(ctx, logger, item, r)
}

// runState is the mutable state of one run. step names the stage that is
// executing so failures and panics can be attributed.
type runState struct {
	result domain.PipelineResult
	step   string
	start  time.Time
	track  func(step string)
}

func (r *runState) done(step string) {
	r.result.StepsCompleted = append(r.result.StepsCompleted, step)
}

// execute runs the stages in order. It returns nil on success and on both
// early exits, leaving r.result ready for completion.
func (o *Orchestrator) execute(
	ctx context.Context,
	item domain.ContentItem,
	quoted *domain.ContentItem,
	opts domain.PipelineOptions,
	r *runState,
) error {
	r.result.FactCheckStatus = domain.FactCheckClean

	if !opts.SkipPrecheck {
		var pre domain.PreCheckResult
		err := o.stage(ctx, r, domain.StepPrecheck, func(ctx context.Context) error {
			var err error
			pre, err = o.precheck.Run(ctx, item)
			return err
		})
		if err != nil {
			return err
		}
		r.result.PreCheck = &pre
		if !pre.NeedsFactCheck {
			return nil
		}
	}

	var claims []domain.Claim
	err := o.stage(ctx, r, domain.StepExtractClaims, func(ctx context.Context) error {
		var err error
		claims, err = o.extraction.Run(ctx, item, quoted)
		return err
	})
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}
	r.result.Claims = claims

	var checks []domain.FactCheck
	err = o.stage(ctx, r, domain.StepVerifyClaims, func(ctx context.Context) error {
		var err error
		checks, err = o.verification.Run(ctx, claims)
		if err == nil && len(checks) != len(claims) {
			err = fmt.Errorf("verification returned %d fact checks for %d claims", len(checks), len(claims))
		}
		return err
	})
	if err != nil {
		return err
	}
	r.result.FactChecks = checks
	r.result.FactCheckStatus = domain.DetermineFactCheckStatus(checks)

	if opts.SkipValueScoring {
		return nil
	}

	var score *domain.ValueScore
	err = o.stage(ctx, r, domain.StepScoreValue, func(ctx context.Context) error {
		var err error
		score, err = o.scoring.Run(ctx, item, claims, checks)
		return err
	})
	if err != nil {
		return err
	}
	r.result.ValueScore = score
	return nil
}

// stage runs fn as step, timing it and recording the step as completed
// when fn succeeds.
func (o *Orchestrator) stage(ctx context.Context, r *runState, step string, fn func(context.Context) error) error {
	r.step = step
	if r.track != nil {
		r.track(step)
	}
	start := o.now()
	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordLatency("pipeline_stage", o.now().Sub(start), map[string]string{"step": step, "status": status})
	if err != nil {
		return err
	}
	r.done(step)
	return nil
}

// complete persists a successful result and hands side effects to the
// dispatcher. A failed write turns the run into a failure at the persist
// step.
func (o *Orchestrator) complete(ctx context.Context, logger *slog.Logger, item domain.ContentItem, r *runState) domain.PipelineResult {
	res := &r.result
	res.Success = true
	res.Status = domain.StatusCompleted
	res.Error = nil
	res.ProcessedAt = o.now().UTC()
	res.DurationMs = res.ProcessedAt.Sub(r.start).Milliseconds()

	// Persistence and side effects outlive a cancelled caller.
	bg := context.WithoutCancel(ctx)
	if err := o.persist(bg, item.ID, domain.SuccessUpdate(*res)); err != nil {
		logger.ErrorContext(ctx, "persisting pipeline result failed", "error", err)
		r.step = domain.StepPersist
		return o.fail(ctx, logger, item, r, fmt.Errorf("persisting insights: %w", err))
	}

	logger.InfoContext(ctx, "pipeline run completed",
		"fact_check_status", res.FactCheckStatus,
		"claims", len(res.Claims),
		"steps", res.StepsCompleted,
		"duration_ms", res.DurationMs,
	)
	if res.ValueScore != nil {
		o.metrics.RecordHistogram("pipeline_value_score", res.ValueScore.Total, map[string]string{"domain": item.Topic})
	}

	if o.sideEffects != nil {
		o.sideEffects.Dispatch(bg, BuildSideEffectJobs(item, *res))
	}
	return *res
}

// fail records err against the executing step and issues the minimal
// failure write, which never touches claims, verdicts or scores.
func (o *Orchestrator) fail(
	ctx context.Context,
	logger *slog.Logger,
	item domain.ContentItem,
	r *runState,
	err error,
) domain.PipelineResult {
	res := &r.result
	step := r.step
	if step == "" {
		step = domain.StepPrecheck
	}

	res.Success = false
	res.Status = domain.StatusFailed
	res.Error = &domain.PipelineError{
		Step:        step,
		Message:     err.Error(),
		IsRetryable: ports.IsRetryable(err),
	}
	res.ProcessedAt = o.now().UTC()
	res.DurationMs = res.ProcessedAt.Sub(r.start).Milliseconds()

	logger.ErrorContext(ctx, "pipeline run failed",
		"step", step,
		"retryable", res.Error.IsRetryable,
		"steps", res.StepsCompleted,
		"error", err,
	)

	if werr := o.persist(context.WithoutCancel(ctx), item.ID, domain.FailureUpdate(*res)); werr != nil {
		logger.ErrorContext(ctx, "persisting pipeline failure failed", "error", werr)
	}
	return *res
}

// persist issues one store write, converting a panicking store into an
// error.
func (o *Orchestrator) persist(ctx context.Context, contentID string, update domain.InsightsUpdate) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("insights store panicked: %v", p)
		}
	}()
	return o.store.UpdateContentInsights(ctx, contentID, update)
}

// cloneResult gives each caller sharing a run its own slices.
func cloneResult(r domain.PipelineResult) domain.PipelineResult {
	out := r
	out.Claims = append([]domain.Claim{}, r.Claims...)
	out.FactChecks = append([]domain.FactCheck{}, r.FactChecks...)
	out.StepsCompleted = append([]string{}, r.StepsCompleted...)
	return out
}
