package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Scoring adjustments applied after the model's raw scores.
const (
	// falseClaimConfidence is the confidence above which a false verdict
	// penalizes the score.
	falseClaimConfidence = 0.7
	penaltyPerFalseClaim = 0.25
	maxFalseClaimPenalty = 0.8
	// insightPenaltyShare is the fraction of the epistemic penalty applied
	// to insight.
	insightPenaltyShare = 0.3
	// UnverifiedEpistemicCap bounds epistemic when nothing was fact-checked.
	UnverifiedEpistemicCap = 0.35

	defaultDimensionScore = 0.5
)

const defaultScoringPrompt = `Rate the value this post adds to a discussion on five dimensions, each
between 0 and 1:

- epistemic: accuracy and how well its claims hold up
- insight: novelty and depth of thinking
- practical: how actionable or useful it is
- relational: how constructive it is toward other people
- effort: care and work evident in the writing

Topic: {{.Topic}}
Post:
{{fence .Text}}
{{- if .Claims}}

Claims and fact-check results:
{{- range .Claims}}
- {{truncate .Text 200}}: {{.Verdict}}{{if .Confidence}} ({{pct .Confidence}} confidence){{end}}
{{- end}}
{{- else}}

No claims were fact-checked.
{{- end}}

Return the five scores under "scores", your overall confidence between 0
and 1, and up to five short "drivers" naming what most influenced the
scores.`

var scoringSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"scores": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"epistemic":  map[string]any{"type": "number"},
				"insight":    map[string]any{"type": "number"},
				"practical":  map[string]any{"type": "number"},
				"relational": map[string]any{"type": "number"},
				"effort":     map[string]any{"type": "number"},
			},
		},
		"confidence": map[string]any{"type": "number"},
		"drivers":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"scores"},
}

type scoredClaim struct {
	Text       string
	Verdict    domain.Verdict
	Confidence float64
}

// ScoringStage computes the value vector of a content item.
type ScoringStage struct {
	gen    ports.Generator
	tmpl   *template.Template
	now    func() time.Time
	logger *slog.Logger
}

// NewScoringStage builds the stage around gen.
func NewScoringStage(gen ports.Generator, cfg StageConfig) (*ScoringStage, error) {
	if gen == nil {
		return nil, fmt.Errorf("scoring stage: generator cannot be nil")
	}
	tmpl, err := compileTemplate("scoring", cfg.PromptTemplate, defaultScoringPrompt)
	if err != nil {
		return nil, err
	}
	return &ScoringStage{gen: gen, tmpl: tmpl, now: time.Now, logger: slog.Default()}, nil
}

// WithClock replaces the clock used for UpdatedAt.
func (s *ScoringStage) WithClock(now func() time.Time) *ScoringStage {
	s.now = now
	return s
}

// Run scores item. It returns nil without error when the scorer is
// unavailable. Model and parse errors are returned to the caller.
func (s *ScoringStage) Run(
	ctx context.Context,
	item domain.ContentItem,
	claims []domain.Claim,
	factChecks []domain.FactCheck,
) (*domain.ValueScore, error) {
	if !s.gen.Available() {
		s.logger.DebugContext(ctx, "value scorer unavailable", "content_id", item.ID)
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "stage.score_value")
	defer span.End()
	span.SetAttributes(attribute.String("content.id", item.ID))

	prompt, err := render(s.tmpl, struct {
		Topic  string
		Text   string
		Claims []scoredClaim
	}{item.Topic, item.Text, pairClaims(claims, factChecks)})
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := s.gen.GenerateJSON(ctx, prompt, "", scoringSchema, &raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	parsed, err := parseScoreResponse(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	score := ComputeValueScore(parsed, claims, factChecks, domain.ParseDomain(item.Topic))
	score.UpdatedAt = s.now().UTC()

	span.SetAttributes(attribute.Float64("value.total", score.Total))
	return score, nil
}

// RawScore is the scorer's answer before adjustments.
type RawScore struct {
	Vector     domain.ValueVector
	Confidence float64
	Drivers    []string
}

// ComputeValueScore applies the false-claim penalty, the unverified cap and
// the domain weights to raw. It is deterministic for equal inputs.
func ComputeValueScore(
	raw RawScore,
	claims []domain.Claim,
	factChecks []domain.FactCheck,
	topic domain.Domain,
) *domain.ValueScore {
	v := raw.Vector.Clamped()

	falseCount := 0
	for _, fc := range factChecks {
		if fc.Verdict == domain.VerdictFalse && fc.Confidence > falseClaimConfidence {
			falseCount++
		}
	}
	if falseCount > 0 {
		factor := math.Min(maxFalseClaimPenalty, penaltyPerFalseClaim*float64(falseCount))
		v.Epistemic *= 1 - factor
		v.Insight *= 1 - insightPenaltyShare*factor
	}

	if len(factChecks) == 0 {
		v.Epistemic = math.Min(v.Epistemic, UnverifiedEpistemicCap)
	}

	v = v.Clamped()
	weights := WeightsFor(DominantDomain(claims, topic))

	return &domain.ValueScore{
		ValueVector: v,
		Total:       domain.ClampUnit(weights.Total(v)),
		Confidence:  domain.ClampUnit(raw.Confidence),
		Drivers:     cleanDrivers(raw.Drivers),
	}
}

var scoreDimensions = []string{"epistemic", "insight", "practical", "relational", "effort"}

// parseScoreResponse accepts the scores nested under "scores" or flat at the
// top level, with keys in any case. A response without any dimension is a
// parse error; individual missing dimensions default to 0.5.
func parseScoreResponse(raw map[string]any) (RawScore, error) {
	top := foldKeys(raw)

	source := top
	if nested, ok := top["scores"].(map[string]any); ok {
		source = foldKeys(nested)
	}

	values := make([]float64, len(scoreDimensions))
	found := 0
	for i, dim := range scoreDimensions {
		if v, ok := toFloat(source[dim]); ok {
			values[i] = v
			found++
		} else {
			values[i] = defaultDimensionScore
		}
	}
	if found == 0 {
		return RawScore{}, &ports.JSONParseError{
			Raw: fmt.Sprint(raw),
			Err: fmt.Errorf("no score dimensions in response"),
		}
	}

	confidence, ok := toFloat(top["confidence"])
	if !ok {
		if confidence, ok = toFloat(source["confidence"]); !ok {
			confidence = defaultDimensionScore
		}
	}

	return RawScore{
		Vector: domain.ValueVector{
			Epistemic:  values[0],
			Insight:    values[1],
			Practical:  values[2],
			Relational: values[3],
			Effort:     values[4],
		},
		Confidence: confidence,
		Drivers:    toStrings(top["drivers"]),
	}, nil
}

// foldKeys returns m with case-folded keys. When two keys fold to the same
// value the lowercase spelling wins.
func foldKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		folded := foldCase(strings.TrimSpace(k))
		if _, exists := out[folded]; exists && k != folded {
			continue
		}
		out[folded] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return list
	case string:
		return []string{list}
	default:
		return nil
	}
}

// cleanDrivers trims drivers and drops empties and duplicates, keeping
// first-seen order.
func cleanDrivers(drivers []string) []string {
	out := make([]string, 0, len(drivers))
	seen := make(map[string]bool, len(drivers))
	for _, d := range drivers {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func pairClaims(claims []domain.Claim, factChecks []domain.FactCheck) []scoredClaim {
	byClaim := make(map[string]domain.FactCheck, len(factChecks))
	for _, fc := range factChecks {
		byClaim[fc.ClaimID] = fc
	}
	out := make([]scoredClaim, 0, len(claims))
	for _, c := range claims {
		sc := scoredClaim{Text: c.Text, Verdict: domain.VerdictUnknown}
		if fc, ok := byClaim[c.ID]; ok {
			sc.Verdict = fc.Verdict
			sc.Confidence = fc.Confidence
		}
		out = append(out, sc)
	}
	return out
}
