package domain

import (
	"math"
	"time"
)

// ValueVector is the five-dimension quality description of a content item.
type ValueVector struct {
	Epistemic  float64 `json:"epistemic"`
	Insight    float64 `json:"insight"`
	Practical  float64 `json:"practical"`
	Relational float64 `json:"relational"`
	Effort     float64 `json:"effort"`
}

// Clamped returns a copy with every dimension limited to [0,1]. Non-finite
// values become 0.5.
func (v ValueVector) Clamped() ValueVector {
	return ValueVector{
		Epistemic:  ClampUnit(v.Epistemic),
		Insight:    ClampUnit(v.Insight),
		Practical:  ClampUnit(v.Practical),
		Relational: ClampUnit(v.Relational),
		Effort:     ClampUnit(v.Effort),
	}
}

// ValueScore is a ValueVector plus the weighted total and the scorer's
// confidence.
type ValueScore struct {
	ValueVector
	Total      float64   `json:"total"`
	Confidence float64   `json:"confidence"`
	Drivers    []string  `json:"drivers,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ClampUnit limits v to [0,1] and maps NaN and ±Inf to 0.5.
func ClampUnit(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
