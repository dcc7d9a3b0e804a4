package workflow

import (
	"context"
	"strings"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// ApprovalPolicy decides whether a hitl_approval step actually requires a
// human decision or can auto-approve. Grounded on
// orchestration/hitl_policy.go's InterruptPolicy, narrowed from that
// interface's four interrupt points (plan/before-step/after-step/error)
// to the single point the spec's one hitl_approval step type has.
type ApprovalPolicy interface {
	RequiresApproval(ctx context.Context, step *gmcore.StepDefinition, riskAssessment string) (bool, error)
}

// AlwaysApprove never requires a human decision; every hitl_approval step
// auto-approves. Equivalent to orchestration/hitl_policy.go's NoOpPolicy.
type AlwaysApprove struct{}

func (AlwaysApprove) RequiresApproval(context.Context, *gmcore.StepDefinition, string) (bool, error) {
	return false, nil
}

// RuleBasedPolicy requires approval when the step's agent or the
// rendered risk assessment mentions a configured sensitive term,
// generalizing orchestration/hitl_policy.go's RuleBasedPolicy
// (SensitiveAgents/SensitiveCapabilities matching) down to the fields
// this engine's StepDefinition actually carries.
type RuleBasedPolicy struct {
	SensitiveAgents []string
	RiskKeywords    []string
}

var _ ApprovalPolicy = (*RuleBasedPolicy)(nil)

// NewRuleBasedPolicy builds a policy that flags a configured set of
// agents as always requiring approval, plus any risk assessment
// mentioning one of riskKeywords (case-insensitive substring match).
func NewRuleBasedPolicy(sensitiveAgents, riskKeywords []string) *RuleBasedPolicy {
	return &RuleBasedPolicy{SensitiveAgents: sensitiveAgents, RiskKeywords: riskKeywords}
}

func (p *RuleBasedPolicy) RequiresApproval(ctx context.Context, step *gmcore.StepDefinition, riskAssessment string) (bool, error) {
	for _, agent := range p.SensitiveAgents {
		if step.Agent != "" && strings.EqualFold(step.Agent, agent) {
			return true, nil
		}
	}
	lower := strings.ToLower(riskAssessment)
	for _, keyword := range p.RiskKeywords {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			return true, nil
		}
	}
	return false, nil
}
