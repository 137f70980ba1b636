package stages

import (
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Confidence values reported when the classifier cannot be consulted.
const (
	UnavailablePrecheckConfidence = 0.5
	FailedPrecheckConfidence      = 0.3
)

const defaultPrecheckPrompt = `You triage social posts for a fact-checking pipeline.
Decide whether the post makes checkable factual claims about the world that
are worth verifying. Personal anecdotes, jokes, questions and pure opinions
usually do not need a fact check.

Topic: {{.Topic}}
Post:
{{fence .Text}}
{{- if .HasImage}}

The post includes an attached image. Treat text visible in the image as part of the post.
{{- end}}

Return needsFactCheck, a confidence between 0 and 1, a one-sentence
reasoning, and a contentType of news, opinion, personal, question,
announcement, humor or other.`

var precheckSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"needsFactCheck": map[string]any{"type": "boolean"},
		"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"reasoning":      map[string]any{"type": "string"},
		"contentType": map[string]any{"type": "string", "enum": []string{
			"news", "opinion", "personal", "question", "announcement", "humor", "other",
		}},
	},
	"required": []string{"needsFactCheck", "confidence"},
}

type precheckResponse struct {
	NeedsFactCheck *bool   `json:"needsFactCheck" validate:"required"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	ContentType    string  `json:"contentType"`
}

// PrecheckStage decides whether a content item needs fact-checking.
type PrecheckStage struct {
	gen    ports.Generator
	tmpl   *template.Template
	logger *slog.Logger
}

// NewPrecheckStage builds the stage around gen.
func NewPrecheckStage(gen ports.Generator, cfg StageConfig) (*PrecheckStage, error) {
	if gen == nil {
		return nil, fmt.Errorf("precheck stage: generator cannot be nil")
	}
	tmpl, err := compileTemplate("precheck", cfg.PromptTemplate, defaultPrecheckPrompt)
	if err != nil {
		return nil, err
	}
	return &PrecheckStage{gen: gen, tmpl: tmpl, logger: slog.Default()}, nil
}

// Run classifies item. It never fails except on authentication errors and
// context cancellation; other classifier failures fall back to a
// conservative "needs fact check" answer.
func (s *PrecheckStage) Run(ctx context.Context, item domain.ContentItem) (domain.PreCheckResult, error) {
	if item.IsEmpty() {
		return domain.PreCheckResult{
			NeedsFactCheck: false,
			Confidence:     1.0,
			Reasoning:      "no text or image to check",
			ContentType:    domain.ContentTypeOther,
		}, nil
	}

	if !s.gen.Available() {
		return domain.PreCheckResult{
			NeedsFactCheck: true,
			Confidence:     UnavailablePrecheckConfidence,
			Reasoning:      "classifier unavailable",
			ContentType:    domain.ContentTypeOther,
		}, nil
	}

	ctx, span := tracer.Start(ctx, "stage.precheck")
	defer span.End()
	span.SetAttributes(attribute.String("content.id", item.ID), attribute.Bool("content.has_image", item.HasImage()))

	result, err := s.classify(ctx, item)
	if err == nil {
		span.SetAttributes(attribute.Bool("precheck.needs_fact_check", result.NeedsFactCheck))
		return result, nil
	}

	span.RecordError(err)
	if ports.IsAuthentication(err) || ctx.Err() != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.PreCheckResult{}, err
	}

	s.logger.WarnContext(ctx, "precheck classifier failed, assuming fact check needed",
		"content_id", item.ID, "error", err)
	return domain.PreCheckResult{
		NeedsFactCheck: true,
		Confidence:     FailedPrecheckConfidence,
		Reasoning:      "classifier failed",
		ContentType:    domain.ContentTypeOther,
	}, nil
}

func (s *PrecheckStage) classify(ctx context.Context, item domain.ContentItem) (domain.PreCheckResult, error) {
	prompt, err := render(s.tmpl, struct {
		Topic    string
		Text     string
		HasImage bool
	}{item.Topic, item.Text, item.HasImage()})
	if err != nil {
		return domain.PreCheckResult{}, err
	}

	var resp precheckResponse
	if item.HasImage() {
		err = s.gen.GenerateJSONWithVision(ctx, prompt, item.ImageURL, "", precheckSchema, &resp)
	} else {
		err = s.gen.GenerateJSON(ctx, prompt, "", precheckSchema, &resp)
	}
	if err != nil {
		return domain.PreCheckResult{}, err
	}

	if err := validate.Struct(resp); err != nil {
		return domain.PreCheckResult{}, fmt.Errorf("invalid precheck response: %w", err)
	}

	return domain.PreCheckResult{
		NeedsFactCheck: *resp.NeedsFactCheck,
		Confidence:     domain.ClampUnit(resp.Confidence),
		Reasoning:      resp.Reasoning,
		ContentType:    domain.ParseContentType(resp.ContentType),
	}, nil
}
