package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

const defaultExtractionPrompt = `Extract the atomic, independently verifiable claims made by this post.
Split compound statements into separate claims. Skip greetings, questions
and calls to action. Keep each claim under 240 characters and phrase it so
it can be understood without the post.

Topic: {{.Topic}}
Post:
{{fence .Text}}
{{- if .Quoted}}

The post quotes this content. Only extract claims from it that the post
itself asserts or endorses:
{{fence .Quoted}}
{{- end}}
{{- if .HasImage}}

An image is attached. Treat text or data visible in the image as part of the post.
{{- end}}

For each claim return an id, the text, a type (fact, opinion or
experience), a domain (health, politics, finance, technology, startups,
productivity, design, science or other), a riskLevel (low, medium or high)
describing how harmful the claim would be if false, and your confidence
between 0 and 1 that it is a genuine claim of the post.`

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"claims": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":         map[string]any{"type": "string"},
					"text":       map[string]any{"type": "string"},
					"type":       map[string]any{"type": "string", "enum": []string{"fact", "opinion", "experience"}},
					"domain":     map[string]any{"type": "string"},
					"riskLevel":  map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
				"required": []string{"text", "type", "riskLevel", "confidence"},
			},
		},
	},
	"required": []string{"claims"},
}

// claimCandidate is one entry of the extractor's response before it is
// turned into a domain.Claim.
type claimCandidate struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Type       string   `json:"type" validate:"omitempty,oneof=fact opinion experience"`
	Domain     string   `json:"domain"`
	RiskLevel  string   `json:"riskLevel" validate:"omitempty,oneof=low medium high"`
	Confidence *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
}

// ExtractionStage turns a content item into atomic claims.
type ExtractionStage struct {
	gen    ports.Generator
	tmpl   *template.Template
	logger *slog.Logger
}

// NewExtractionStage builds the stage around gen.
func NewExtractionStage(gen ports.Generator, cfg StageConfig) (*ExtractionStage, error) {
	if gen == nil {
		return nil, fmt.Errorf("extraction stage: generator cannot be nil")
	}
	tmpl, err := compileTemplate("extraction", cfg.PromptTemplate, defaultExtractionPrompt)
	if err != nil {
		return nil, err
	}
	return &ExtractionStage{gen: gen, tmpl: tmpl, logger: slog.Default()}, nil
}

// Run extracts claims from item. quoted is the content item refers to, if
// any. The sentence heuristic takes over when the extractor is unavailable
// or its output is unusable; transport and authentication errors propagate.
func (s *ExtractionStage) Run(ctx context.Context, item domain.ContentItem, quoted *domain.ContentItem) ([]domain.Claim, error) {
	ctx, span := tracer.Start(ctx, "stage.extract_claims")
	defer span.End()
	span.SetAttributes(attribute.String("content.id", item.ID))

	candidates, err := s.extract(ctx, item, quoted)
	if err != nil && !isUnusableOutput(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err != nil {
		s.logger.WarnContext(ctx, "claim extractor output unusable, using heuristic",
			"content_id", item.ID, "error", err)
	}

	claims := make([]domain.Claim, 0, len(candidates))
	for i, raw := range candidates {
		claim, err := toClaim(item, i, raw)
		if err != nil {
			s.logger.DebugContext(ctx, "dropping malformed claim candidate",
				"content_id", item.ID, "index", i, "error", err)
			continue
		}
		if claim.Text == "" {
			continue
		}
		claims = append(claims, claim)
	}

	if len(claims) == 0 {
		span.SetAttributes(attribute.Bool("extraction.heuristic", true))
		claims = heuristicClaims(item)
	}

	claims = finalizeClaims(item.ID, claims)
	span.SetAttributes(attribute.Int("extraction.claims", len(claims)))
	return claims, nil
}

// isUnusableOutput reports whether err means the extractor could not help,
// as opposed to a failure worth surfacing.
func isUnusableOutput(err error) bool {
	return errors.Is(err, ports.ErrServiceUnavailable) || errors.Is(err, ports.ErrInvalidResponse)
}

func (s *ExtractionStage) extract(ctx context.Context, item domain.ContentItem, quoted *domain.ContentItem) ([]json.RawMessage, error) {
	if !s.gen.Available() {
		return nil, ports.ErrServiceUnavailable
	}

	data := struct {
		Topic    string
		Text     string
		Quoted   string
		HasImage bool
	}{Topic: item.Topic, Text: item.Text}

	imageURL := ""
	if item.HasImage() {
		imageURL = item.ImageURL
	}
	if quoted != nil {
		data.Quoted = quoted.Text
		if imageURL == "" && quoted.HasImage() {
			imageURL = quoted.ImageURL
		}
	}
	data.HasImage = imageURL != ""

	prompt, err := render(s.tmpl, data)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if imageURL != "" {
		err = s.gen.GenerateJSONWithVision(ctx, prompt, imageURL, "", extractionSchema, &raw)
	} else {
		err = s.gen.GenerateJSON(ctx, prompt, "", extractionSchema, &raw)
	}
	if err != nil {
		return nil, err
	}

	return decodeCandidates(raw)
}

// decodeCandidates accepts either {"claims": [...]} or a bare array.
func decodeCandidates(raw json.RawMessage) ([]json.RawMessage, error) {
	var wrapped struct {
		Claims []json.RawMessage `json:"claims"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Claims, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &ports.JSONParseError{Raw: string(raw), Err: err}
	}
	return list, nil
}

// toClaim validates one candidate. A malformed candidate yields a
// *domain.ValidationError.
func toClaim(item domain.ContentItem, index int, raw json.RawMessage) (domain.Claim, error) {
	var c claimCandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		verr := domain.NewValidationError("claim")
		verr.AddError(err.Error())
		return domain.Claim{}, verr
	}

	if err := validate.Struct(c); err != nil {
		verr := domain.NewValidationError("claim")
		verr.AddError(err.Error())
		return domain.Claim{}, verr
	}

	confidence := 0.5
	if c.Confidence != nil && !math.IsNaN(*c.Confidence) {
		confidence = *c.Confidence
	}

	claimDomain := domain.ParseDomain(c.Domain)
	if strings.TrimSpace(c.Domain) == "" {
		claimDomain = domain.ParseDomain(item.Topic)
	}

	id := fmt.Sprintf("%s-claim-%d", item.ID, index+1)
	if candidateID := strings.TrimSpace(c.ID); candidateID != "" {
		id = item.ID + "-" + candidateID
	}

	return domain.Claim{
		ID:         id,
		Text:       domain.TruncateClaimText(c.Text),
		Type:       domain.ParseClaimType(c.Type),
		Domain:     claimDomain,
		RiskLevel:  domain.ParseRiskLevel(c.RiskLevel),
		Confidence: domain.ClampUnit(confidence),
	}, nil
}

// finalizeClaims drops blanks and near-duplicates and assigns ids to
// claims that have none. Ids are unique within the run.
func finalizeClaims(contentID string, claims []domain.Claim) []domain.Claim {
	claims = dedupeClaims(claims)
	seen := make(map[string]bool, len(claims))
	for i := range claims {
		if claims[i].ID == "" || seen[claims[i].ID] {
			claims[i].ID = fmt.Sprintf("%s-claim-%d", contentID, i+1)
		}
		seen[claims[i].ID] = true
	}
	return claims
}
