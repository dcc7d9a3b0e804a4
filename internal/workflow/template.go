// Package workflow implements the C10 Workflow Engine: it interprets a
// gmcore.Template as a directed graph of typed steps and advances a
// gmcore.Workflow through it one step at a time, persisting every
// advance through C1 under optimistic concurrency. Grounded on
// orchestration/workflow_engine.go's ExecuteWorkflow/executeDAG/executeStep
// loop and orchestration/workflow_dag.go's template validation, narrowed
// from the teacher's general dependency DAG (parallel branches, DependsOn
// edges) to the linear, explicitly-wired successor graph the step types
// actually name (on_success/on_failure/on_proceed/on_block/on_approved/
// on_rejected): every step here has at most a handful of named exits
// rather than an arbitrary fan-in/fan-out shape, so there is no separate
// topological-sort pass, only a per-step successor lookup.
// ParseTemplateYAML checks every named successor up front; a template
// passed straight to Register is not checked, and the engine fails the
// workflow when it reaches an unknown step.
package workflow

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Templates is a process-local registry of named workflow templates,
// the declarative documents Execute looks up by name. Grounded on
// orchestration/workflow_engine.go's ParseWorkflowYAML, generalized from
// a single parse-and-run call into a registry so /workflow/templates (C11)
// has something to list.
type Templates struct {
	mu     sync.RWMutex
	byName map[string]*gmcore.Template
}

// NewTemplates returns an empty registry.
func NewTemplates() *Templates {
	return &Templates{byName: make(map[string]*gmcore.Template)}
}

// Register adds or replaces a template under its own Name.
func (t *Templates) Register(tpl *gmcore.Template) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[tpl.Name] = tpl
}

// Get returns the template registered under name, or false if absent.
func (t *Templates) Get(name string) (*gmcore.Template, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tpl, ok := t.byName[name]
	return tpl, ok
}

// List returns every registered template, in no particular order.
func (t *Templates) List() []*gmcore.Template {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*gmcore.Template, 0, len(t.byName))
	for _, tpl := range t.byName {
		out = append(out, tpl)
	}
	return out
}

// ParseTemplateYAML decodes a template document (name/version/steps, per
// the declarative file format) the same way
// orchestration/workflow_engine.go's ParseWorkflowYAML does, substituting
// gmcore.Template/gmcore.StepDefinition for the teacher's richer
// WorkflowDefinition/WorkflowStepDefinition shape.
func ParseTemplateYAML(data []byte) (*gmcore.Template, error) {
	var tpl gmcore.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, gmcore.Wrap("workflow.parse_template", gmcore.KindValidation, "", err)
	}
	if err := validateTemplate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// validateTemplate checks the structural invariants Execute relies on
// without evaluating a single workflow instance against it: unique step
// ids and every named successor resolving to a real step.
func validateTemplate(tpl *gmcore.Template) error {
	if tpl.Name == "" {
		return gmcore.NewError("workflow.validate_template", gmcore.KindValidation, "", "template name required")
	}
	// An empty steps list is valid: §8's boundary behavior requires that
	// executing it completes the workflow immediately, not that
	// registering it fails.
	seen := make(map[string]bool, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if step.ID == "" {
			return gmcore.NewError("workflow.validate_template", gmcore.KindValidation, tpl.Name, "step missing id")
		}
		if seen[step.ID] {
			return gmcore.NewError("workflow.validate_template", gmcore.KindValidation, tpl.Name, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
	}
	for _, step := range tpl.Steps {
		for _, successor := range []string{step.OnSuccess, step.OnFailure, step.OnProceed, step.OnBlock, step.OnApproved, step.OnRejected} {
			if successor != "" && !seen[successor] {
				return gmcore.NewError("workflow.validate_template", gmcore.KindValidation, tpl.Name,
					fmt.Sprintf("step %q names unknown successor %q", step.ID, successor))
			}
		}
	}
	return nil
}
