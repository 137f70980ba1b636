package stages

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// Heuristic extraction limits.
const (
	heuristicMaxClaims       = 3
	heuristicMinLength       = 8
	HeuristicClaimConfidence = 0.35

	// duplicateThreshold is the largest normalized edit distance at which
	// two claims are considered the same.
	duplicateThreshold = 0.1
)

var (
	sentenceBoundary = regexp.MustCompile(`[.!?]+(\s+|$)|\n+`)
	firstPerson      = regexp.MustCompile(`(?i)\b(i|i'm|i've|i'd|i'll|me|my|mine|myself|we|we're|we've|our|ours|us)\b`)
	riskyTopics      = regexp.MustCompile(`(?i)\b(health|medical|medicine|doctor|vaccines?|disease|cancer|covid|drugs?|diet|cure|treatment|symptoms?|finance|financial|money|stocks?|invest(ing|ment|ments)?|crypto|bitcoin|bank|loans?|tax(es)?|inflation|election|vote|voting|government|president|congress|senate|politics|political|policy|law)\b`)
)

// splitSentences breaks text on terminal punctuation and newlines, dropping
// blank fragments.
func splitSentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		// Keep the punctuation with the sentence, drop the trailing space.
		end := loc[0] + len(strings.TrimRightFunc(text[loc[0]:loc[1]], isSpace))
		if s := strings.TrimSpace(text[last:end]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

// heuristicClaims turns the first few substantive sentences of item into
// low-confidence claims. It is used when no extractor model can help.
func heuristicClaims(item domain.ContentItem) []domain.Claim {
	claims := make([]domain.Claim, 0, heuristicMaxClaims)
	for _, sentence := range splitSentences(item.Text) {
		if len(claims) == heuristicMaxClaims {
			break
		}
		if utf8.RuneCountInString(sentence) < heuristicMinLength {
			continue
		}

		claimType := domain.ClaimTypeFact
		if firstPerson.MatchString(sentence) {
			claimType = domain.ClaimTypeExperience
		}

		risk := domain.RiskLow
		if riskyTopics.MatchString(sentence) {
			risk = domain.RiskMedium
		}

		claims = append(claims, domain.Claim{
			Text:       domain.TruncateClaimText(sentence),
			Type:       claimType,
			Domain:     domain.ParseDomain(item.Topic),
			RiskLevel:  risk,
			Confidence: HeuristicClaimConfidence,
		})
	}
	return claims
}

// normalizeClaimText folds case and composes Unicode so that visually equal
// claims compare equal.
func normalizeClaimText(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = foldCase(s)
	return strings.Join(strings.Fields(s), " ")
}

// isNearDuplicate reports whether a and b are within duplicateThreshold
// normalized edit distance of each other.
func isNearDuplicate(a, b string) bool {
	if a == b {
		return true
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return true
	}
	return float64(levenshtein.ComputeDistance(a, b))/float64(longest) <= duplicateThreshold
}

// dedupeClaims drops blank claims and near-duplicates, keeping the first
// occurrence.
func dedupeClaims(claims []domain.Claim) []domain.Claim {
	out := make([]domain.Claim, 0, len(claims))
	seen := make([]string, 0, len(claims))
	for _, c := range claims {
		key := normalizeClaimText(c.Text)
		if key == "" {
			continue
		}
		duplicate := false
		for _, s := range seen {
			if isNearDuplicate(key, s) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		seen = append(seen, key)
		out = append(out, c)
	}
	return out
}

// foldCase applies Unicode case folding. Casers keep state, so a fresh one
// is used per call.
func foldCase(s string) string { return cases.Fold().String(s) }
