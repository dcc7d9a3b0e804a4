package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func TestResolveStringValue_ExactMatchPreservesType(t *testing.T) {
	context := map[string]interface{}{"amount": 42}
	v, err := resolveValue("{{ context.amount }}", context, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestResolveStringValue_EmbeddedStringifies(t *testing.T) {
	context := map[string]interface{}{"name": "acme"}
	v, err := resolveValue("hello {{ context.name }}!", context, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello acme!", v)
}

func TestResolveStringValue_OutputsNestedPath(t *testing.T) {
	outputs := map[string]interface{}{
		"charge": map[string]interface{}{"transaction_id": "tx-1"},
	}
	v, err := resolveValue("{{ outputs.charge.transaction_id }}", nil, outputs)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", v)
}

func TestResolveStringValue_UnresolvedPlaceholderIsTemplateError(t *testing.T) {
	_, err := resolveValue("{{ outputs.ghost.field }}", nil, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindTemplateError, gmcore.ErrorKind(err))
}

func TestResolveStringValue_BadRootIsTemplateError(t *testing.T) {
	_, err := resolveValue("{{ secrets.key }}", map[string]interface{}{}, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindTemplateError, gmcore.ErrorKind(err))
}

func TestResolvePayload_RecursesIntoNestedStructures(t *testing.T) {
	context := map[string]interface{}{"id": "acct-9"}
	payload := map[string]interface{}{
		"account": map[string]interface{}{
			"ref": "{{ context.id }}",
		},
		"tags": []interface{}{"{{ context.id }}", "static"},
	}
	resolved, err := resolvePayload(payload, context, nil)
	require.NoError(t, err)

	account := resolved["account"].(map[string]interface{})
	assert.Equal(t, "acct-9", account["ref"])

	tags := resolved["tags"].([]interface{})
	assert.Equal(t, "acct-9", tags[0])
	assert.Equal(t, "static", tags[1])
}

func TestResolvePayload_NilPayloadReturnsEmptyMap(t *testing.T) {
	resolved, err := resolvePayload(nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestResolveString_PlainTextPassesThrough(t *testing.T) {
	s, err := resolveString("no placeholders here", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "no placeholders here", s)
}
