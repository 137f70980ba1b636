package domain

// Fixed safety-policy constants. They are part of the publication contract
// and are intentionally not configurable.
const (
	// BlockConfidence is the minimum confidence at which a single false
	// verdict vetoes publication.
	BlockConfidence = 0.85
	// ReviewUnknownCount is the number of unknown verdicts that forces review.
	ReviewUnknownCount = 2
	// ReviewMixedCount is the number of mixed verdicts that forces review.
	ReviewMixedCount = 2
)

// DetermineFactCheckStatus maps a set of verdicts to a publication gate.
//
// The single-claim veto is evaluated before any aggregate counting: one
// false verdict at or above BlockConfidence blocks regardless of how many
// other claims hold. Only then is the permissive review threshold applied.
func DetermineFactCheckStatus(factChecks []FactCheck) FactCheckStatus {
	if len(factChecks) == 0 {
		return FactCheckClean
	}

	for _, fc := range factChecks {
		if fc.Verdict == VerdictFalse && fc.Confidence >= BlockConfidence {
			return FactCheckBlocked
		}
	}

	var falseCount, unknownCount, mixedCount int
	for _, fc := range factChecks {
		switch fc.Verdict {
		case VerdictFalse:
			falseCount++
		case VerdictUnknown:
			unknownCount++
		case VerdictMixed:
			mixedCount++
		}
	}

	if falseCount > 0 || unknownCount >= ReviewUnknownCount || mixedCount >= ReviewMixedCount {
		return FactCheckNeedsReview
	}
	return FactCheckClean
}
