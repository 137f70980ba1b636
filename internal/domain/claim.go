package domain

import (
	"strings"
	"unicode/utf8"
)

// MaxClaimLength is the maximum number of runes kept in a claim's text.
const MaxClaimLength = 240

// ClaimType distinguishes verifiable facts from opinions and first-person
// experiences.
type ClaimType string

// Claim types.
const (
	ClaimTypeFact       ClaimType = "fact"
	ClaimTypeOpinion    ClaimType = "opinion"
	ClaimTypeExperience ClaimType = "experience"
)

// RiskLevel expresses how harmful a false claim would be.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Weight returns the risk multiplier used when picking a dominant domain.
func (r RiskLevel) Weight() float64 {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1.5
	default:
		return 1
	}
}

// Domain is the subject area a claim belongs to.
type Domain string

// Known domains.
const (
	DomainHealth       Domain = "health"
	DomainPolitics     Domain = "politics"
	DomainFinance      Domain = "finance"
	DomainTechnology   Domain = "technology"
	DomainStartups     Domain = "startups"
	DomainProductivity Domain = "productivity"
	DomainDesign       Domain = "design"
	DomainScience      Domain = "science"
	DomainOther        Domain = "other"
)

// ParseDomain normalizes a free-text domain. Unknown values map to
// DomainOther.
func ParseDomain(s string) Domain {
	switch d := Domain(strings.ToLower(strings.TrimSpace(s))); d {
	case DomainHealth, DomainPolitics, DomainFinance, DomainTechnology, DomainStartups,
		DomainProductivity, DomainDesign, DomainScience:
		return d
	default:
		return DomainOther
	}
}

// ParseClaimType normalizes a free-text claim type, defaulting to fact.
func ParseClaimType(s string) ClaimType {
	switch t := ClaimType(strings.ToLower(strings.TrimSpace(s))); t {
	case ClaimTypeOpinion, ClaimTypeExperience:
		return t
	default:
		return ClaimTypeFact
	}
}

// ParseRiskLevel normalizes a free-text risk level, defaulting to low.
func ParseRiskLevel(s string) RiskLevel {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskMedium, RiskHigh:
		return r
	default:
		return RiskLow
	}
}

// Evidence is a single piece of supporting or refuting material.
type Evidence struct {
	Source  string  `json:"source"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet"`
	Quality float64 `json:"quality"`
}

// Claim is an atomic, independently verifiable assertion extracted from a
// content item. Claims are immutable once extraction returns them.
type Claim struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Type       ClaimType  `json:"type"`
	Domain     Domain     `json:"domain"`
	RiskLevel  RiskLevel  `json:"riskLevel"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence,omitempty"`
}

// TruncateClaimText trims whitespace and cuts text to MaxClaimLength runes.
func TruncateClaimText(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxClaimLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:MaxClaimLength]))
}

// Verdict is a claim's truthfulness classification.
type Verdict string

// Verdicts.
const (
	VerdictTrue    Verdict = "true"
	VerdictFalse   Verdict = "false"
	VerdictMixed   Verdict = "mixed"
	VerdictUnknown Verdict = "unknown"
)

// ParseVerdict normalizes a free-text verdict. Anything unrecognized is
// treated as unknown so that a confused model can never produce a false
// verdict by accident.
func ParseVerdict(s string) Verdict {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictTrue, VerdictFalse, VerdictMixed:
		return v
	default:
		return VerdictUnknown
	}
}

// FactCheck is the verification outcome for exactly one claim.
type FactCheck struct {
	ID         string     `json:"id"`
	ClaimID    string     `json:"claimId"`
	Verdict    Verdict    `json:"verdict"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
	Caveats    []string   `json:"caveats,omitempty"`
}
