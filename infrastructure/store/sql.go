package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// placeholder returns the bind marker for the 1-based argument n.
	placeholder func(n int) string
	// timeArg converts a timestamp for binding.
	timeArg func(t time.Time) any
}

var (
	postgresDialect = dialect{
		name:        "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		timeArg:     func(t time.Time) any { return t.UTC() },
	}
	sqliteDialect = dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		timeArg:     func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
	}
)

// insightColumns lists the partially updatable columns in bind order.
var insightColumns = []string{
	"status",
	"fact_check_status",
	"pre_check",
	"claims",
	"fact_checks",
	"value_score",
	"steps_completed",
	"error",
	"processing",
	"processed_at",
	"duration_ms",
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	upsert  string
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, upsert: buildUpsert(d), now: time.Now}
}

// clearableColumns can be erased by a NULL argument when their clear flag
// is true. Flags are bound after updated_at in insightColumns order.
var clearableColumns = map[string]bool{
	"pre_check":   true,
	"value_score": true,
	"error":       true,
}

// buildUpsert renders an INSERT ... ON CONFLICT statement in which a NULL
// argument keeps the stored value, except for clearable columns whose flag
// is set.
func buildUpsert(d dialect) string {
	n := 1
	next := func() string {
		p := d.placeholder(n)
		n++
		return p
	}

	cols := append([]string{"content_id"}, insightColumns...)
	cols = append(cols, "updated_at")

	values := make([]string, len(cols))
	for i := range cols {
		values[i] = next()
	}

	sets := make([]string, 0, len(insightColumns)+1)
	for _, c := range insightColumns {
		if clearableColumns[c] {
			sets = append(sets, fmt.Sprintf(
				"%s = CASE WHEN %s THEN excluded.%s ELSE COALESCE(excluded.%s, content_insights.%s) END",
				c, next(), c, c, c))
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(excluded.%s, content_insights.%s)", c, c, c))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	return fmt.Sprintf("INSERT INTO content_insights (%s) VALUES (%s) ON CONFLICT (content_id) DO UPDATE SET %s",
		strings.Join(cols, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))
}

// UpdateContentInsights upserts the non-nil fields of update.
func (s *SQLStore) UpdateContentInsights(ctx context.Context, contentID string, update domain.InsightsUpdate) error {
	if strings.TrimSpace(contentID) == "" {
		return fmt.Errorf("update insights: %w", domain.ErrEmptyContentID)
	}

	args, err := s.updateArgs(contentID, update)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.upsert, args...); err != nil {
		return fmt.Errorf("%s: updating insights for %s: %w", s.dialect.name, contentID, err)
	}
	return nil
}

func (s *SQLStore) updateArgs(contentID string, u domain.InsightsUpdate) ([]any, error) {
	args := []any{contentID}

	args = append(args, stringArg(u.Status), stringArg(u.FactCheckStatus))

	for _, v := range []struct {
		set   bool
		value any
	}{
		{u.PreCheck != nil, u.PreCheck},
		{u.Claims != nil, u.Claims},
		{u.FactChecks != nil, u.FactChecks},
		{u.ValueScore != nil, u.ValueScore},
		{u.StepsCompleted != nil, u.StepsCompleted},
		{u.Error != nil, u.Error},
	} {
		if !v.set {
			args = append(args, nil)
			continue
		}
		encoded, err := json.Marshal(v.value)
		if err != nil {
			return nil, fmt.Errorf("encoding insights for %s: %w", contentID, err)
		}
		args = append(args, string(encoded))
	}

	if u.Processing != nil {
		args = append(args, *u.Processing)
	} else {
		args = append(args, nil)
	}
	if u.ProcessedAt != nil {
		args = append(args, s.dialect.timeArg(*u.ProcessedAt))
	} else {
		args = append(args, nil)
	}
	if u.DurationMs != nil {
		args = append(args, *u.DurationMs)
	} else {
		args = append(args, nil)
	}

	args = append(args, s.dialect.timeArg(s.now()))
	args = append(args, u.ClearPreCheck, u.ClearValueScore, u.ClearError)
	return args, nil
}

func stringArg[T ~string](v *T) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

// Get reads the stored record for contentID.
func (s *SQLStore) Get(ctx context.Context, contentID string) (Record, error) {
	query := fmt.Sprintf("SELECT %s, updated_at FROM content_insights WHERE content_id = %s",
		strings.Join(insightColumns, ", "), s.dialect.placeholder(1))

	var (
		status, factCheckStatus                  sql.NullString
		preCheck, claims, factChecks, valueScore sql.NullString
		steps, pipelineErr                       sql.NullString
		processing                               sql.NullBool
		duration                                 sql.NullInt64
		processedAt, updatedAt                   any
	)
	err := s.db.QueryRowContext(ctx, query, contentID).Scan(
		&status, &factCheckStatus, &preCheck, &claims, &factChecks, &valueScore,
		&steps, &pipelineErr, &processing, &processedAt, &duration, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", contentID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%s: reading insights for %s: %w", s.dialect.name, contentID, err)
	}

	r := Record{
		ContentID:       contentID,
		Status:          domain.PipelineStatus(status.String),
		FactCheckStatus: domain.FactCheckStatus(factCheckStatus.String),
		Processing:      processing.Bool,
		DurationMs:      duration.Int64,
	}

	for _, f := range []struct {
		col sql.NullString
		dst any
	}{
		{preCheck, &r.PreCheck},
		{claims, &r.Claims},
		{factChecks, &r.FactChecks},
		{valueScore, &r.ValueScore},
		{steps, &r.StepsCompleted},
		{pipelineErr, &r.Error},
	} {
		if !f.col.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(f.col.String), f.dst); err != nil {
			return Record{}, fmt.Errorf("decoding insights for %s: %w", contentID, err)
		}
	}

	if r.ProcessedAt, err = scanTime(processedAt); err != nil {
		return Record{}, err
	}
	if r.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// scanTime accepts the representations drivers return for timestamps.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }
