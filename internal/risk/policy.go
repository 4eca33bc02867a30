package risk

import "github.com/marlonbarreto-git/boom-payment-core/internal/model"

// Decision is the action taken on a transaction given its risk level.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionHold    Decision = "hold"
)

// Policy maps a risk level to a decision. High risk needs manual approval,
// very high risk is held.
func Policy(level model.RiskLevel) Decision {
	switch level {
	case model.RiskVeryHigh:
		return DecisionHold
	case model.RiskHigh:
		return DecisionReview
	default:
		return DecisionApprove
	}
}

// RefundRequiresApproval reports whether refunding a transaction scored at
// level needs an operator sign-off.
func RefundRequiresApproval(level model.RiskLevel) bool {
	return level == model.RiskHigh || level == model.RiskVeryHigh
}
