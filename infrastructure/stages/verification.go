package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Caveats attached to fact checks that could not be completed.
const (
	CaveatVerifierUnavailable = "verification unavailable: no model configured"
	CaveatVerifierFailed      = "verification failed: model did not return a usable verdict"
	CaveatEvidenceFailed      = "evidence search failed; verdict based on model knowledge only"
)

const defaultVerificationPrompt = `You are a careful fact-checker. Judge whether the claim below is true.

Claim ({{.Claim.Type}}, domain {{.Claim.Domain}}):
{{fence .Claim.Text}}
{{- if .Evidence}}

Evidence retrieved for this claim:
{{- range $i, $e := .Evidence}}
[{{add $i 1}}] {{$e.Source}}{{if $e.URL}} ({{$e.URL}}){{end}}: {{truncate $e.Snippet 500}}
{{- end}}
{{- else}}

No evidence was retrieved. Rely on well-established knowledge only.
{{- end}}

Answer with a verdict of true, false, mixed or unknown. Use unknown when
the evidence and your knowledge do not settle the question; never guess
false. Give your confidence between 0 and 1, any evidence you relied on
(source, url, snippet, quality between 0 and 1) and caveats a reader
should know about.`

var verificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"verdict":    map[string]any{"type": "string", "enum": []string{"true", "false", "mixed", "unknown"}},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"evidence": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source":  map[string]any{"type": "string"},
					"url":     map[string]any{"type": "string"},
					"snippet": map[string]any{"type": "string"},
					"quality": map[string]any{"type": "number"},
				},
			},
		},
		"caveats": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"verdict", "confidence"},
}

type verificationResponse struct {
	Verdict    string            `json:"verdict" validate:"required"`
	Confidence float64           `json:"confidence"`
	Evidence   []domain.Evidence `json:"evidence"`
	Caveats    []string          `json:"caveats"`
}

// VerificationStage produces one fact check per claim.
type VerificationStage struct {
	gen           ports.Generator
	searcher      ports.EvidenceSearcher
	tmpl          *template.Template
	concurrency   int
	evidenceLimit int
	logger        *slog.Logger
}

// NewVerificationStage builds the stage. searcher may be nil, in which case
// claims are judged without retrieved evidence.
func NewVerificationStage(gen ports.Generator, searcher ports.EvidenceSearcher, cfg VerificationConfig) (*VerificationStage, error) {
	if gen == nil {
		return nil, fmt.Errorf("verification stage: generator cannot be nil")
	}
	tmpl, err := compileTemplate("verification", cfg.PromptTemplate, defaultVerificationPrompt)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultVerificationConcurrency
	}
	limit := cfg.EvidenceLimit
	if limit <= 0 {
		limit = DefaultEvidenceLimit
	}

	return &VerificationStage{
		gen:           gen,
		searcher:      searcher,
		tmpl:          tmpl,
		concurrency:   concurrency,
		evidenceLimit: limit,
		logger:        slog.Default(),
	}, nil
}

// Run verifies claims concurrently and returns their fact checks in input
// order. A claim that cannot be verified gets an unknown verdict with a
// caveat; only authentication failures and cancellation abort the stage.
func (s *VerificationStage) Run(ctx context.Context, claims []domain.Claim) ([]domain.FactCheck, error) {
	ctx, span := tracer.Start(ctx, "stage.verify_claims")
	defer span.End()
	span.SetAttributes(attribute.Int("verification.claims", len(claims)))

	results := make([]domain.FactCheck, len(claims))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, claim := range claims {
		g.Go(func() error {
			check, err := s.verify(gctx, claim)
			if err != nil {
				return err
			}
			results[i] = check
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return results, nil
}

func (s *VerificationStage) verify(ctx context.Context, claim domain.Claim) (domain.FactCheck, error) {
	check := domain.FactCheck{
		ID:       uuid.NewString(),
		ClaimID:  claim.ID,
		Verdict:  domain.VerdictUnknown,
		Evidence: []domain.Evidence{},
	}

	evidence, err := s.retrieve(ctx, claim)
	if err != nil {
		if isFatal(ctx, err) {
			return domain.FactCheck{}, err
		}
		s.logger.WarnContext(ctx, "evidence search failed", "claim_id", claim.ID, "error", err)
		check.Caveats = append(check.Caveats, CaveatEvidenceFailed)
	}
	check.Evidence = mergeEvidence(check.Evidence, evidence)

	if !s.gen.Available() {
		check.Caveats = append(check.Caveats, CaveatVerifierUnavailable)
		return check, nil
	}

	prompt, err := render(s.tmpl, struct {
		Claim    domain.Claim
		Evidence []domain.Evidence
	}{claim, evidence})
	if err != nil {
		return domain.FactCheck{}, err
	}

	var resp verificationResponse
	err = s.gen.GenerateJSON(ctx, prompt, "", verificationSchema, &resp)
	if err == nil {
		err = validate.Struct(resp)
	}
	if err != nil {
		if isFatal(ctx, err) {
			return domain.FactCheck{}, err
		}
		s.logger.WarnContext(ctx, "claim verification failed", "claim_id", claim.ID, "error", err)
		check.Caveats = append(check.Caveats, CaveatVerifierFailed)
		return check, nil
	}

	check.Verdict = domain.ParseVerdict(resp.Verdict)
	check.Confidence = domain.ClampUnit(resp.Confidence)
	check.Evidence = mergeEvidence(check.Evidence, resp.Evidence)
	for _, caveat := range resp.Caveats {
		if caveat = strings.TrimSpace(caveat); caveat != "" {
			check.Caveats = append(check.Caveats, caveat)
		}
	}
	return check, nil
}

func (s *VerificationStage) retrieve(ctx context.Context, claim domain.Claim) ([]domain.Evidence, error) {
	if s.searcher == nil {
		return nil, nil
	}
	return s.searcher.Search(ctx, claim.Text, s.evidenceLimit)
}

// isFatal reports whether err must abort the whole stage.
func isFatal(ctx context.Context, err error) bool {
	return ports.IsAuthentication(err) || ctx.Err() != nil
}

// mergeEvidence appends add to base, skipping entries already present by
// URL, or by snippet when there is no URL. Quality is clamped.
func mergeEvidence(base, add []domain.Evidence) []domain.Evidence {
	seen := make(map[string]bool, len(base)+len(add))
	key := func(e domain.Evidence) string {
		if e.URL != "" {
			return "url:" + strings.TrimSpace(e.URL)
		}
		return "snippet:" + normalizeClaimText(e.Snippet)
	}
	for _, e := range base {
		seen[key(e)] = true
	}
	for _, e := range add {
		if strings.TrimSpace(e.Snippet) == "" && e.URL == "" {
			continue
		}
		k := key(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		e.Quality = domain.ClampUnit(e.Quality)
		base = append(base, e)
	}
	return base
}
