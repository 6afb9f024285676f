package audit

// Risk levels derived from the numeric score.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// actionWeights orders actions by how much damage a misuse could do.
// Reads sit at the bottom, bulk export at the top. A denied attempt
// scores above any read because it signals probing.
var actionWeights = map[string]int{
	ActionAccess: 10,
	ActionCreate: 25,
	ActionUpdate: 30,
	ActionDenied: 35,
	ActionDelete: 45,
	ActionExport: 60,
}

const (
	crossPracticeWeight = 25
	failureWeight       = 20
	maxRiskScore        = 100
)

// Score computes the risk score for an audit entry. crossPractice marks an
// access that reached across practice boundaries; failed marks operations
// that did not complete.
func Score(action string, crossPractice, failed bool) int {
	score := actionWeights[action]
	if crossPractice {
		score += crossPracticeWeight
	}
	if failed {
		score += failureWeight
	}
	if score > maxRiskScore {
		score = maxRiskScore
	}
	return score
}

// Level buckets a score into a named risk level.
func Level(score int) string {
	switch {
	case score < 30:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}
