package stages

import (
	"sort"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// WeightProfile is a set of dimension weights summing to 1.
type WeightProfile struct {
	Epistemic  float64
	Insight    float64
	Practical  float64
	Relational float64
	Effort     float64
}

// Weight profiles keyed by the kind of content being scored.
var (
	HighStakesWeights = WeightProfile{Epistemic: 0.35, Insight: 0.25, Practical: 0.20, Relational: 0.10, Effort: 0.10}
	TechnologyWeights = WeightProfile{Epistemic: 0.20, Insight: 0.35, Practical: 0.25, Relational: 0.10, Effort: 0.10}
	CraftWeights      = WeightProfile{Epistemic: 0.20, Insight: 0.20, Practical: 0.35, Relational: 0.10, Effort: 0.15}
	DefaultWeights    = WeightProfile{Epistemic: 0.25, Insight: 0.25, Practical: 0.20, Relational: 0.15, Effort: 0.15}
)

// WeightsFor returns the profile used for content dominated by d.
func WeightsFor(d domain.Domain) WeightProfile {
	switch d {
	case domain.DomainHealth, domain.DomainPolitics:
		return HighStakesWeights
	case domain.DomainTechnology, domain.DomainStartups:
		return TechnologyWeights
	case domain.DomainProductivity, domain.DomainDesign:
		return CraftWeights
	default:
		return DefaultWeights
	}
}

// Total returns the weighted sum of v.
func (w WeightProfile) Total(v domain.ValueVector) float64 {
	return w.Epistemic*v.Epistemic +
		w.Insight*v.Insight +
		w.Practical*v.Practical +
		w.Relational*v.Relational +
		w.Effort*v.Effort
}

// DominantDomain picks the domain carrying the most risk-weighted claims.
// Ties go to topic when it is among the leaders and to the alphabetically
// first domain otherwise. Without claims the topic wins.
func DominantDomain(claims []domain.Claim, topic domain.Domain) domain.Domain {
	if len(claims) == 0 {
		return topic
	}

	weights := make(map[domain.Domain]float64)
	for _, c := range claims {
		weights[c.Domain] += c.RiskLevel.Weight()
	}

	best := 0.0
	for _, w := range weights {
		if w > best {
			best = w
		}
	}

	leaders := make([]domain.Domain, 0, len(weights))
	for d, w := range weights {
		if best-w < 1e-9 {
			leaders = append(leaders, d)
		}
	}
	for _, d := range leaders {
		if d == topic {
			return topic
		}
	}

	sort.Slice(leaders, func(i, j int) bool { return leaders[i] < leaders[j] })
	return leaders[0]
}
