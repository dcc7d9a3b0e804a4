package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func TestAlwaysApprove_NeverRequiresApproval(t *testing.T) {
	p := AlwaysApprove{}
	needed, err := p.RequiresApproval(context.Background(), &gmcore.StepDefinition{Agent: "billing-agent"}, "transfer $1,000,000")
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestRuleBasedPolicy_FlagsSensitiveAgent(t *testing.T) {
	p := NewRuleBasedPolicy([]string{"billing-agent"}, nil)
	needed, err := p.RequiresApproval(context.Background(), &gmcore.StepDefinition{Agent: "billing-agent"}, "")
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestRuleBasedPolicy_FlagsRiskKeyword(t *testing.T) {
	p := NewRuleBasedPolicy(nil, []string{"irreversible"})
	needed, err := p.RequiresApproval(context.Background(), &gmcore.StepDefinition{Agent: "shipping-agent"}, "this action is IRREVERSIBLE")
	require.NoError(t, err)
	assert.True(t, needed)
}

func TestRuleBasedPolicy_NoMatchDoesNotRequireApproval(t *testing.T) {
	p := NewRuleBasedPolicy([]string{"billing-agent"}, []string{"irreversible"})
	needed, err := p.RequiresApproval(context.Background(), &gmcore.StepDefinition{Agent: "shipping-agent"}, "routine restock")
	require.NoError(t, err)
	assert.False(t, needed)
}
