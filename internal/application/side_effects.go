package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// DefaultPublishTimeout bounds a single side-effect publish.
const DefaultPublishTimeout = 5 * time.Second

// BuildSideEffectJobs derives the downstream jobs for a completed run:
// a reputation update always, and a moderation notice when the item did
// not come out clean. Job ids are deterministic so that consumers can
// recognize redeliveries. A failed run yields no jobs.
func BuildSideEffectJobs(item domain.ContentItem, result domain.PipelineResult) []domain.SideEffectJob {
	if !result.Success {
		return nil
	}

	newJob := func(t domain.SideEffectType, data map[string]any) domain.SideEffectJob {
		return domain.SideEffectJob{
			ID:          fmt.Sprintf("%s:%s:%d", t, item.ID, result.ProcessedAt.UnixMilli()),
			Type:        t,
			UserID:      item.AuthorID,
			ContentID:   item.ID,
			ContentType: item.Kind(),
			Data:        data,
			CreatedAt:   result.ProcessedAt,
		}
	}

	reputation := map[string]any{
		"factCheckStatus": string(result.FactCheckStatus),
		"claimCount":      len(result.Claims),
	}
	if result.ValueScore != nil {
		reputation["valueScore"] = result.ValueScore.Total
	}
	jobs := []domain.SideEffectJob{newJob(domain.SideEffectReputationUpdate, reputation)}

	if result.FactCheckStatus != domain.FactCheckClean {
		jobs = append(jobs, newJob(domain.SideEffectModerationNotice, map[string]any{
			"factCheckStatus": string(result.FactCheckStatus),
			"flaggedClaims":   flaggedClaims(result.FactChecks),
		}))
	}
	return jobs
}

// flaggedClaims lists the claim ids whose verdict is anything but true.
func flaggedClaims(checks []domain.FactCheck) []string {
	out := make([]string, 0, len(checks))
	for _, fc := range checks {
		if fc.Verdict != domain.VerdictTrue {
			out = append(out, fc.ClaimID)
		}
	}
	return out
}

// SideEffectDispatcher publishes jobs in the background. Publish failures
// are logged and counted but never reach the pipeline.
type SideEffectDispatcher struct {
	queue   ports.SideEffectQueue
	timeout time.Duration
	metrics ports.MetricsCollector
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewSideEffectDispatcher wraps queue. Nil metrics and logger fall back to
// no-op metrics and slog.Default.
func NewSideEffectDispatcher(queue ports.SideEffectQueue, metrics ports.MetricsCollector, logger *slog.Logger) *SideEffectDispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SideEffectDispatcher{
		queue:   queue,
		timeout: DefaultPublishTimeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Dispatch starts publishing jobs and returns immediately.
func (d *SideEffectDispatcher) Dispatch(ctx context.Context, jobs []domain.SideEffectJob) {
	if len(jobs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, job := range jobs {
			d.publish(ctx, job)
		}
	}()
}

func (d *SideEffectDispatcher) publish(ctx context.Context, job domain.SideEffectJob) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	status := "published"
	defer func() {
		if p := recover(); p != nil {
			status = "failed"
			d.logger.ErrorContext(ctx, "side-effect publisher panicked", "job_id", job.ID, "panic", p)
		}
		d.metrics.RecordCounter("side_effect_jobs_total", 1, map[string]string{
			"type":   string(job.Type),
			"status": status,
		})
	}()

	if err := d.queue.Publish(ctx, job); err != nil {
		status = "failed"
		d.logger.WarnContext(ctx, "publishing side-effect job failed",
			"job_id", job.ID,
			"type", job.Type,
			"content_id", job.ContentID,
			"error", err,
		)
	}
}

// Wait blocks until every dispatched job has been attempted.
func (d *SideEffectDispatcher) Wait() {
	d.wg.Wait()
}
