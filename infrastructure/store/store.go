// Package store persists pipeline results against content items. Every
// backend applies domain.InsightsUpdate as a partial write: nil fields leave
// the stored value untouched unless the update's matching Clear flag is set.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// ErrNotFound is returned when no insights exist for a content item.
var ErrNotFound = errors.New("insights not found")

// Record is the stored insights of one content item.
type Record struct {
	ContentID       string                 `json:"contentId"`
	Status          domain.PipelineStatus  `json:"status,omitempty"`
	FactCheckStatus domain.FactCheckStatus `json:"factCheckStatus,omitempty"`
	PreCheck        *domain.PreCheckResult `json:"preCheck,omitempty"`
	Claims          []domain.Claim         `json:"claims"`
	FactChecks      []domain.FactCheck     `json:"factChecks"`
	ValueScore      *domain.ValueScore     `json:"valueScore,omitempty"`
	StepsCompleted  []string               `json:"stepsCompleted"`
	Error           *domain.PipelineError  `json:"error,omitempty"`
	Processing      bool                   `json:"processing"`
	ProcessedAt     time.Time              `json:"processedAt"`
	DurationMs      int64                  `json:"durationMs"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// Store is an InsightsStore that can also read back what it wrote.
type Store interface {
	ports.InsightsStore
	Get(ctx context.Context, contentID string) (Record, error)
	Close() error
}

// Apply merges update into r.
func (r *Record) Apply(update domain.InsightsUpdate) {
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.FactCheckStatus != nil {
		r.FactCheckStatus = *update.FactCheckStatus
	}
	if update.ClearPreCheck {
		r.PreCheck = nil
	}
	if update.PreCheck != nil {
		pc := *update.PreCheck
		r.PreCheck = &pc
	}
	if update.Claims != nil {
		r.Claims = append([]domain.Claim{}, update.Claims...)
	}
	if update.FactChecks != nil {
		r.FactChecks = append([]domain.FactCheck{}, update.FactChecks...)
	}
	if update.ClearValueScore {
		r.ValueScore = nil
	}
	if update.ValueScore != nil {
		vs := *update.ValueScore
		r.ValueScore = &vs
	}
	if update.StepsCompleted != nil {
		r.StepsCompleted = append([]string{}, update.StepsCompleted...)
	}
	if update.ClearError {
		r.Error = nil
	}
	if update.Error != nil {
		e := *update.Error
		r.Error = &e
	}
	if update.Processing != nil {
		r.Processing = *update.Processing
	}
	if update.ProcessedAt != nil {
		r.ProcessedAt = update.ProcessedAt.UTC()
	}
	if update.DurationMs != nil {
		r.DurationMs = *update.DurationMs
	}
}
