package action

// Policy decides whether a proposal at the given risk skips human approval.
type Policy func(RiskLevel) bool

var autoApprove = map[RiskLevel]bool{
	RiskLow:    true,
	RiskMedium: false,
	RiskHigh:   false,
}

// DefaultPolicy auto-approves low risk only.
func DefaultPolicy(r RiskLevel) bool {
	return autoApprove[r]
}

// AutoApprover is recorded as ApprovedBy for policy approvals.
const AutoApprover = "policy:auto"
