package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// placeholderPattern matches the mandatory `{{ context.x }}` /
// `{{ outputs.step.path }}` grammar (§6): two braces, a dotted
// identifier path, two braces, arbitrary internal whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// resolvePayload renders every placeholder in payload against context
// and outputs, recursing into nested maps and slices. It is a small pure
// evaluator, not a general template engine: the only operation is
// dotted-path lookup and string substitution, nothing else resolveValue
// does is specific to the workflow domain, which is the design notes'
// explicit boundary for this piece.
func resolvePayload(payload map[string]interface{}, context, outputs map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return map[string]interface{}{}, nil
	}
	resolved := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		rv, err := resolveValue(v, context, outputs)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

// resolveString renders a single string field (an LLM prompt, a risk
// assessment blurb) to its fully-substituted form.
func resolveString(s string, context, outputs map[string]interface{}) (string, error) {
	v, err := resolveValue(s, context, outputs)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

func resolveValue(value interface{}, context, outputs map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveStringValue(v, context, outputs)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			rv, err := resolveValue(inner, context, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			rv, err := resolveValue(inner, context, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveStringValue substitutes every placeholder occurrence in s. A
// string that is entirely one placeholder returns the referenced value
// verbatim (preserving its type, e.g. a number or nested map pulled from
// outputs); a string with a placeholder embedded in surrounding text
// substitutes the stringified value in place, the same two-mode
// behavior orchestration/workflow_engine.go's resolveValue offers for its
// narrower `${...}` exact-match-only syntax.
func resolveStringValue(s string, context, outputs map[string]interface{}) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		return lookupPath(path, context, outputs)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		v, err := lookupPath(path, context, outputs)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprint(v))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// lookupPath resolves a dotted path whose first segment must be
// "context" or "outputs", per the mandatory placeholder grammar.
// Anything unresolvable is a template_error: unresolved placeholders
// fail the workflow immediately with a diagnostic rather than silently
// passing through a literal "{{ ... }}" string to a downstream agent.
func lookupPath(path string, context, outputs map[string]interface{}) (interface{}, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, templateErrorf(path, "placeholder %q must reference context.<key> or outputs.<step>.<path>", path)
	}

	var cur interface{}
	switch parts[0] {
	case "context":
		cur = context
	case "outputs":
		cur = outputs
	default:
		return nil, templateErrorf(path, "placeholder root %q must be context or outputs", parts[0])
	}

	for _, p := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, templateErrorf(path, "unresolved placeholder %q", path)
		}
		v, ok := m[p]
		if !ok {
			return nil, templateErrorf(path, "unresolved placeholder %q", path)
		}
		cur = v
	}
	return cur, nil
}

func templateErrorf(id, format string, args ...interface{}) error {
	return gmcore.NewError("workflow.resolve_placeholder", gmcore.KindTemplateError, id, fmt.Sprintf(format, args...))
}
