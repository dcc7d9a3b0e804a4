package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/llm"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/store"
)

// stepOutcome is everything one step execution needs to persist, kept
// separate from the step logic itself so a version_conflict retry can
// re-apply the same outcome to a freshly-loaded workflow without paying
// for (or repeating the side effects of) a second specialist/LLM call.
type stepOutcome struct {
	stepStatus      gmcore.StepStatus
	output          interface{}
	hasOutput       bool
	nextStep        string
	workflowStatus  gmcore.WorkflowStatus
	pendingApproval *gmcore.ApprovalRequest
}

func (o *stepOutcome) apply(stepID string) store.Mutation {
	return func(wf *gmcore.Workflow) error {
		wf.StepStatuses[stepID] = o.stepStatus
		if o.hasOutput {
			wf.Outputs[stepID] = o.output
		}
		wf.CurrentStep = o.nextStep
		wf.Status = o.workflowStatus
		wf.PendingApproval = o.pendingApproval
		if terminal(o.workflowStatus) {
			now := time.Now().UTC()
			wf.CompletedAt = &now
		}
		return nil
	}
}

// terminalOutcome builds the outcome for a step that either completes or
// fails the whole workflow outright: empty successor -> workflow
// terminates (completed on the positive edge, failed on the negative
// one); non-empty successor -> workflow keeps running at that step.
func terminalOutcome(status gmcore.StepStatus, output interface{}, hasOutput bool, successor string, positive bool) stepOutcome {
	o := stepOutcome{stepStatus: status, output: output, hasOutput: hasOutput, nextStep: successor}
	switch {
	case successor != "":
		o.workflowStatus = gmcore.WorkflowRunning
	case positive:
		o.workflowStatus = gmcore.WorkflowCompleted
	default:
		o.workflowStatus = gmcore.WorkflowFailed
	}
	return o
}

func terminal(status gmcore.WorkflowStatus) bool {
	switch status {
	case gmcore.WorkflowCompleted, gmcore.WorkflowFailed, gmcore.WorkflowCanceled:
		return true
	default:
		return false
	}
}

// runAgentCall executes §4.9 C9 against the step's agent, holding every
// one of step.ResourceLocks for the duration of the call in globally
// deterministic (lexicographic) order. Grounded on
// orchestration/executor.go's executeStep agent branch, replacing its
// DependsOn-resolved parameter map with placeholder-resolved payload and
// its single retry layer with internal/specialist's own.
func (e *Engine) runAgentCall(ctx context.Context, step *gmcore.StepDefinition, wf *gmcore.Workflow) (stepOutcome, error) {
	payload, err := resolvePayload(step.Payload, wf.Context, wf.Outputs)
	if err != nil {
		return stepOutcome{}, err
	}

	locks := lock.SortResourceIDs(step.ResourceLocks)
	held, lockErr := e.acquireAll(ctx, locks)
	defer e.releaseAll(held)
	if lockErr != nil {
		return terminalOutcome(gmcore.StepFailed, nil, false, step.OnFailure, false), nil
	}

	stepCtx, cancel := withStepTimeout(ctx, step)
	defer cancel()

	result, err := e.specialists.Run(stepCtx, specialist.Request{
		AgentID:     step.Agent,
		RequestType: step.RequestType,
		Payload:     payload,
	})
	if err != nil {
		return terminalOutcome(gmcore.StepFailed, nil, false, step.OnFailure, false), nil
	}

	var output interface{}
	if len(result.Output) > 0 {
		if jsonErr := json.Unmarshal(result.Output, &output); jsonErr != nil {
			output = string(result.Output)
		}
	}
	return terminalOutcome(gmcore.StepCompleted, output, true, step.OnSuccess, true), nil
}

// acquireAll acquires resourceIDs (already sorted) in order, rolling
// back anything already held the moment one acquisition fails.
func (e *Engine) acquireAll(ctx context.Context, resourceIDs []string) ([]string, error) {
	held := make([]string, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		if _, err := e.locks.AcquireWithWait(ctx, id, e.callerID, e.lockLease, e.lockWaitTimeout, 0); err != nil {
			return held, err
		}
		held = append(held, id)
	}
	return held, nil
}

func (e *Engine) releaseAll(resourceIDs []string) {
	for _, id := range resourceIDs {
		if err := e.locks.Release(context.Background(), id, e.callerID); err != nil {
			e.logger.Warn("workflow step lock release failed", map[string]interface{}{
				"resource_id": id,
				"error":       err.Error(),
			})
		}
	}
}

// decisionVerdict is the mandatory JSON shape a decision_gate prompt's
// completion must parse as.
type decisionVerdict struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// runDecisionGate calls C5 with a rendered prompt and routes on the
// verdict it returns. A verdict that fails to parse, or whose decision
// field is neither "proceed" nor "block", is malformed and routes to
// on_block per §4.10.
func (e *Engine) runDecisionGate(ctx context.Context, step *gmcore.StepDefinition, wf *gmcore.Workflow) (stepOutcome, error) {
	prompt, err := renderPrompt(step, wf)
	if err != nil {
		return stepOutcome{}, err
	}

	stepCtx, cancel := withStepTimeout(ctx, step)
	defer cancel()

	completion, err := e.llmClient.Complete(stepCtx, prompt, decisionGateOptions(e.primary))
	if err != nil {
		return terminalOutcome(gmcore.StepFailed, nil, false, step.OnFailure, false), nil
	}

	var verdict decisionVerdict
	malformed := json.Unmarshal([]byte(completion.Content), &verdict) != nil
	if !malformed && verdict.Decision != "proceed" && verdict.Decision != "block" {
		malformed = true
	}

	output := map[string]interface{}{"decision": verdict.Decision, "reasoning": verdict.Reasoning}
	if malformed {
		output["reasoning"] = "malformed verdict"
		return terminalOutcome(gmcore.StepCompleted, output, true, step.OnBlock, false), nil
	}
	if verdict.Decision == "proceed" {
		return terminalOutcome(gmcore.StepCompleted, output, true, step.OnProceed, true), nil
	}
	return terminalOutcome(gmcore.StepCompleted, output, true, step.OnBlock, false), nil
}

// runHITLApproval evaluates the approval policy and either auto-approves
// or suspends the workflow pending resume_workflow. Grounded on
// orchestration/hitl_controller.go's CheckBeforeStep (policy check,
// create+persist checkpoint, notify), collapsed to the spec's single
// interrupt point and single persisted ApprovalRequest rather than a
// checkpoint store keyed by interrupt point.
func (e *Engine) runHITLApproval(ctx context.Context, step *gmcore.StepDefinition, wf *gmcore.Workflow) (stepOutcome, error) {
	risk, err := riskAssessment(step, wf)
	if err != nil {
		return stepOutcome{}, err
	}

	require, err := e.policy.RequiresApproval(ctx, step, risk)
	if err != nil {
		return terminalOutcome(gmcore.StepFailed, nil, false, step.OnFailure, false), nil
	}
	if !require {
		output := map[string]interface{}{"decision": string(gmcore.DecisionApproved), "auto_approved": true}
		return terminalOutcome(gmcore.StepCompleted, output, true, step.OnApproved, true), nil
	}

	approval := &gmcore.ApprovalRequest{
		ApprovalID:     uuid.NewString(),
		WorkflowID:     wf.WorkflowID,
		StepID:         step.ID,
		RiskAssessment: risk,
		Decision:       gmcore.DecisionPending,
	}

	if e.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"workflow_id": wf.WorkflowID,
			"step_id":     step.ID,
			"approval_id": approval.ApprovalID,
			"risk":        risk,
		})
		_ = e.bus.Emit(ctx, gmcore.Event{
			Type:      "workflow.awaiting_approval",
			Payload:   payload,
			EmittedAt: time.Now().UTC(),
		})
	}

	return stepOutcome{
		stepStatus:      gmcore.StepRunning,
		nextStep:        step.ID,
		workflowStatus:  gmcore.WorkflowPaused,
		pendingApproval: approval,
	}, nil
}

// runNoop performs no work: bookkeeping only, always proceeds via
// on_success.
func (e *Engine) runNoop(step *gmcore.StepDefinition) stepOutcome {
	return terminalOutcome(gmcore.StepCompleted, nil, false, step.OnSuccess, true)
}

func withStepTimeout(ctx context.Context, step *gmcore.StepDefinition) (context.Context, context.CancelFunc) {
	if step.Timeout == nil || *step.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, *step.Timeout)
}

func renderPrompt(step *gmcore.StepDefinition, wf *gmcore.Workflow) (string, error) {
	raw, _ := step.Payload["prompt"].(string)
	return resolveString(raw, wf.Context, wf.Outputs)
}

func riskAssessment(step *gmcore.StepDefinition, wf *gmcore.Workflow) (string, error) {
	raw, _ := step.Payload["risk_assessment"].(string)
	return resolveString(raw, wf.Context, wf.Outputs)
}

// decisionGateOptions asks for a terse, deterministic verdict: low
// temperature, no tools, the engine's configured primary model with no
// fallback chain (a decision gate that needs a fallback belongs to C5's
// own chain configuration, not a one-off override here).
func decisionGateOptions(primary llm.ProviderModel) *llm.Options {
	return &llm.Options{
		Model:       primary.Model,
		Temperature: 0,
		MaxTokens:   256,
	}
}
