package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// MemoryStore keeps insights in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

// UpdateContentInsights merges update into the record for contentID,
// creating it when missing.
func (s *MemoryStore) UpdateContentInsights(ctx context.Context, contentID string, update domain.InsightsUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(contentID) == "" {
		return fmt.Errorf("update insights: %w", domain.ErrEmptyContentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[contentID]
	if !ok {
		r = Record{ContentID: contentID}
	}
	r.Apply(update)
	r.UpdatedAt = s.now().UTC()
	s.records[contentID] = r
	return nil
}

// Get returns a copy of the record for contentID.
func (s *MemoryStore) Get(ctx context.Context, contentID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[contentID]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", contentID, ErrNotFound)
	}
	var out Record
	out.ContentID = r.ContentID
	out.UpdatedAt = r.UpdatedAt
	out.Apply(recordUpdate(r))
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// recordUpdate expresses r as a full update so copies share no memory.
func recordUpdate(r Record) domain.InsightsUpdate {
	return domain.InsightsUpdate{
		Status:          &r.Status,
		FactCheckStatus: &r.FactCheckStatus,
		PreCheck:        r.PreCheck,
		Claims:          r.Claims,
		FactChecks:      r.FactChecks,
		ValueScore:      r.ValueScore,
		StepsCompleted:  r.StepsCompleted,
		Error:           r.Error,
		Processing:      &r.Processing,
		ProcessedAt:     &r.ProcessedAt,
		DurationMs:      &r.DurationMs,
	}
}
