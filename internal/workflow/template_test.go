package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func TestParseTemplateYAML_Valid(t *testing.T) {
	doc := []byte(`
name: refund-flow
version: "1"
steps:
  - id: charge
    type: agent_call
    agent: billing-agent
    request_type: charge
    on_success: notify
    on_failure: notify
  - id: notify
    type: noop
`)
	tpl, err := ParseTemplateYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, "refund-flow", tpl.Name)
	assert.Len(t, tpl.Steps, 2)
}

func TestParseTemplateYAML_RejectsDuplicateStepIDs(t *testing.T) {
	doc := []byte(`
name: broken
steps:
  - id: a
    type: noop
  - id: a
    type: noop
`)
	_, err := ParseTemplateYAML(doc)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindValidation, gmcore.ErrorKind(err))
}

func TestParseTemplateYAML_RejectsUnknownSuccessor(t *testing.T) {
	doc := []byte(`
name: broken
steps:
  - id: a
    type: noop
    on_success: ghost
`)
	_, err := ParseTemplateYAML(doc)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindValidation, gmcore.ErrorKind(err))
}

func TestParseTemplateYAML_EmptyStepsIsValid(t *testing.T) {
	tpl, err := ParseTemplateYAML([]byte(`name: empty`))
	require.NoError(t, err)
	assert.Empty(t, tpl.Steps)
}

func TestParseTemplateYAML_RejectsMissingName(t *testing.T) {
	_, err := ParseTemplateYAML([]byte(`steps: []`))
	require.Error(t, err)
	assert.Equal(t, gmcore.KindValidation, gmcore.ErrorKind(err))
}

func TestTemplates_RegisterAndGet(t *testing.T) {
	reg := NewTemplates()
	tpl := &gmcore.Template{Name: "t1", Steps: []gmcore.StepDefinition{{ID: "a", Type: gmcore.StepNoop}}}
	reg.Register(tpl)

	got, ok := reg.Get("t1")
	require.True(t, ok)
	assert.Same(t, tpl, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Len(t, reg.List(), 1)
}
