package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/llm"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/store"
)

const (
	defaultLockLease       = 5 * time.Minute
	defaultLockWaitTimeout = 300 * time.Second
)

// Engine is the C10 Workflow Engine: it advances one gmcore.Workflow at a
// time through its gmcore.Template, persisting every step through C1.
// Grounded on orchestration/workflow_engine.go's WorkflowEngine, which
// bundles the same set of collaborators (discovery, a step executor, a
// state store, metrics, a logger, an optional interrupt controller)
// behind one struct.
type Engine struct {
	store       store.Store
	templates   *Templates
	specialists *specialist.Runner
	locks       *lock.Manager
	llmClient   llm.Client
	primary     llm.ProviderModel
	bus         eventbus.Bus
	policy      ApprovalPolicy
	logger      gmcore.Logger
	telemetry   gmcore.Telemetry

	callerID        string
	lockLease       time.Duration
	lockWaitTimeout time.Duration

	// approvalIndex maps an ApprovalRequest.ApprovalID to the workflow it
	// belongs to, so POST /approvals/{id} (C11) can resolve an external
	// HITL confirmation addressed by approval id rather than workflow id.
	// Grounded on orchestration/hitl_api.go's store.LoadCheckpoint(id),
	// which resolves a checkpoint id directly against its own store;
	// this core's Store (§4.1) keys workflows only by workflow id, so the
	// engine keeps this process-local index alongside it instead of
	// adding a second store lookup path. Lost on restart: an approval
	// issued before a restart is no longer resolvable by approval id
	// (ResumeApproval returns not_found), although PendingApproval still
	// lives on the workflow row and Resume by workflow id still applies.
	approvalIndex sync.Map
}

// New builds an Engine. policy may be nil, in which case every
// hitl_approval step auto-approves (AlwaysApprove).
func New(st store.Store, templates *Templates, specialists *specialist.Runner, locks *lock.Manager, llmClient llm.Client, primary llm.ProviderModel, bus eventbus.Bus, policy ApprovalPolicy, logger gmcore.Logger, telemetry gmcore.Telemetry) *Engine {
	if policy == nil {
		policy = AlwaysApprove{}
	}
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = gmcore.NoOpTelemetry{}
	}
	return &Engine{
		store:           st,
		templates:       templates,
		specialists:     specialists,
		locks:           locks,
		llmClient:       llmClient,
		primary:         primary,
		bus:             bus,
		policy:          policy,
		logger:          logger,
		telemetry:       telemetry,
		callerID:        "workflow-engine",
		lockLease:       defaultLockLease,
		lockWaitTimeout: defaultLockWaitTimeout,
	}
}

// Execute creates a new workflow from templateName and drives it to its
// first suspending or terminal state, the create-and-run behavior
// POST /workflow/execute (C11) exposes directly.
func (e *Engine) Execute(ctx context.Context, templateName string, workflowContext map[string]interface{}) (*gmcore.Workflow, error) {
	tpl, ok := e.templates.Get(templateName)
	if !ok {
		return nil, gmcore.NewError("workflow.execute", gmcore.KindValidation, templateName, "unknown template")
	}
	wf, err := e.store.CreateWorkflow(ctx, tpl, workflowContext)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, wf.WorkflowID, tpl)
}

// Status returns the current snapshot without advancing anything.
func (e *Engine) Status(ctx context.Context, workflowID string) (*gmcore.Workflow, error) {
	return e.store.LoadWorkflow(ctx, workflowID)
}

// Templates exposes the registry GET /workflow/templates (C11) lists.
func (e *Engine) Templates() *Templates {
	return e.templates
}

// Resume applies an external decision to the workflow's paused
// hitl_approval step and continues execution. It is idempotent per
// (id, step.id, decision): once a decision has been applied the
// workflow is no longer paused, so a duplicate resume call with the
// same decision observes a non-paused status and returns the current
// snapshot unchanged rather than erroring.
func (e *Engine) Resume(ctx context.Context, workflowID string, decision gmcore.ApprovalDecision) (*gmcore.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != gmcore.WorkflowPaused || wf.PendingApproval == nil {
		return wf, nil
	}
	tpl, ok := e.templates.Get(wf.TemplateName)
	if !ok {
		return nil, gmcore.NewError("workflow.resume", gmcore.KindTemplateError, wf.TemplateName, "template no longer registered")
	}
	step := tpl.StepByID(wf.CurrentStep)
	if step == nil {
		return nil, gmcore.NewError("workflow.resume", gmcore.KindTemplateError, wf.CurrentStep, "unknown step")
	}

	var next string
	if decision == gmcore.DecisionApproved {
		next = step.OnApproved
	} else {
		next = step.OnRejected
	}
	outcome := terminalOutcome(gmcore.StepCompleted, map[string]interface{}{"decision": string(decision)}, true, next, decision == gmcore.DecisionApproved)

	if _, err := e.persist(ctx, workflowID, int(wf.Version), step.ID, outcome); err != nil {
		return nil, err
	}
	return e.run(ctx, workflowID, tpl)
}

// run repeatedly advances workflowID through tpl until it reaches a
// suspending (paused) or terminal (completed/failed/canceled) state,
// per §4.10's execution loop.
func (e *Engine) run(ctx context.Context, workflowID string, tpl *gmcore.Template) (*gmcore.Workflow, error) {
	for {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if terminal(wf.Status) || wf.Status == gmcore.WorkflowPaused {
			return wf, nil
		}

		stepID := wf.CurrentStep
		if stepID == "" {
			if len(tpl.Steps) == 0 {
				if _, err := e.persistMutation(ctx, workflowID, int(wf.Version), "empty template", completeEmptyWorkflow()); err != nil {
					return nil, err
				}
				continue
			}
			stepID = tpl.Steps[0].ID
		}
		step := tpl.StepByID(stepID)
		if step == nil {
			if _, err := e.persistMutation(ctx, workflowID, int(wf.Version), "unknown step "+stepID, failWorkflow("unknown step "+stepID)); err != nil {
				return nil, err
			}
			continue
		}

		if err := e.markRunning(ctx, workflowID, wf, step); err != nil {
			if gmcore.ErrorKind(err) == gmcore.KindVersionConflict {
				continue
			}
			return nil, err
		}
		e.emitStepEvent(ctx, "workflow.step_started", workflowID, step.ID, "")

		outcome, err := e.executeStep(ctx, step, wf)
		if err != nil {
			if gmcore.ErrorKind(err) == gmcore.KindTemplateError {
				fail := failWorkflow(err.Error())
				if _, perr := e.persistMutation(ctx, workflowID, int(wf.Version)+1, "step "+step.ID, func(w *gmcore.Workflow) error {
					w.StepStatuses[step.ID] = gmcore.StepFailed
					return fail(w)
				}); perr != nil {
					return nil, perr
				}
			}
			return nil, err
		}

		updated, err := e.persist(ctx, workflowID, int(wf.Version)+1, step.ID, outcome)
		if err != nil {
			return nil, err
		}
		e.emitStepEvent(ctx, "workflow.step_completed", workflowID, step.ID, string(outcome.stepStatus))
		if updated.PendingApproval != nil {
			e.approvalIndex.Store(updated.PendingApproval.ApprovalID, workflowID)
		}
	}
}

// emitStepEvent publishes step-lifecycle progress on the bus so
// internal/api's /chat/stream and /execute/stream handlers (C11) can
// relay step_started/step_completed SSE frames without polling the
// store. Best-effort: a nil bus or a failed Emit never fails the step.
func (e *Engine) emitStepEvent(ctx context.Context, eventType, workflowID, stepID, status string) {
	if e.bus == nil {
		return
	}
	fields := map[string]interface{}{"workflow_id": workflowID, "step_id": stepID}
	if status != "" {
		fields["status"] = status
	}
	payload, _ := json.Marshal(fields)
	_ = e.bus.Emit(ctx, gmcore.Event{
		Type:      eventType,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	})
}

// ResumeApproval applies decision to the workflow paused awaiting
// approvalID, resolving approvalID to a workflow id via approvalIndex.
// Returns a not_found error if approvalID is unknown to this process
// (either never issued here, or the process restarted since).
func (e *Engine) ResumeApproval(ctx context.Context, approvalID string, decision gmcore.ApprovalDecision) (*gmcore.Workflow, error) {
	v, ok := e.approvalIndex.Load(approvalID)
	if !ok {
		return nil, gmcore.NewError("workflow.resume_approval", gmcore.KindNotFound, approvalID, "unknown approval id")
	}
	wf, err := e.Resume(ctx, v.(string), decision)
	if err == nil {
		e.approvalIndex.Delete(approvalID)
	}
	return wf, err
}

// markRunning stamps the step running before executing it, so a crash
// mid-step is observable in the persisted snapshot. It is its own
// optimistic write (not folded into the post-execution persist) because
// the step body itself may take arbitrarily long.
func (e *Engine) markRunning(ctx context.Context, workflowID string, wf *gmcore.Workflow, step *gmcore.StepDefinition) error {
	_, err := e.store.UpdateWorkflow(ctx, workflowID, int(wf.Version), func(w *gmcore.Workflow) error {
		w.StepStatuses[step.ID] = gmcore.StepRunning
		w.CurrentStep = step.ID
		return nil
	})
	return err
}

// executeStep dispatches on step.Type. It does not touch the store:
// callers persist the returned outcome.
func (e *Engine) executeStep(ctx context.Context, step *gmcore.StepDefinition, wf *gmcore.Workflow) (stepOutcome, error) {
	switch step.Type {
	case gmcore.StepAgentCall:
		return e.runAgentCall(ctx, step, wf)
	case gmcore.StepDecisionGate:
		return e.runDecisionGate(ctx, step, wf)
	case gmcore.StepHITLApproval:
		return e.runHITLApproval(ctx, step, wf)
	case gmcore.StepNoop:
		return e.runNoop(step), nil
	default:
		return stepOutcome{}, gmcore.NewError("workflow.execute_step", gmcore.KindTemplateError, step.ID, "unknown step type "+string(step.Type))
	}
}

// persist applies a step outcome via UpdateWorkflow, reloading and
// retrying exactly once on version_conflict before surfacing
// concurrent_update, per §4.10 step 6.
func (e *Engine) persist(ctx context.Context, workflowID string, expectedVersion int, stepID string, outcome stepOutcome) (*gmcore.Workflow, error) {
	return e.persistMutation(ctx, workflowID, expectedVersion, "step "+stepID, outcome.apply(stepID))
}

// persistMutation is persist's underlying retry-once-on-version_conflict
// logic, also used by the manufactured-failure paths (unknown step,
// empty template) that have no stepOutcome to build from.
func (e *Engine) persistMutation(ctx context.Context, workflowID string, expectedVersion int, what string, mutate store.Mutation) (*gmcore.Workflow, error) {
	wf, err := e.store.UpdateWorkflow(ctx, workflowID, expectedVersion, mutate)
	if err == nil {
		return wf, nil
	}
	if gmcore.ErrorKind(err) != gmcore.KindVersionConflict {
		return nil, err
	}

	fresh, loadErr := e.store.LoadWorkflow(ctx, workflowID)
	if loadErr != nil {
		return nil, loadErr
	}
	wf, err = e.store.UpdateWorkflow(ctx, workflowID, int(fresh.Version), mutate)
	if err != nil {
		if gmcore.ErrorKind(err) == gmcore.KindVersionConflict {
			return nil, gmcore.NewError("workflow.persist", gmcore.KindConcurrentUpdate, workflowID, "second version conflict persisting "+what)
		}
		return nil, err
	}
	return wf, nil
}

// Cancel sets status=canceled unconditionally; it does not attempt to
// interrupt an in-flight step (the caller's ctx cancellation does that).
func (e *Engine) Cancel(ctx context.Context, workflowID string) (*gmcore.Workflow, error) {
	wf, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if terminal(wf.Status) {
		return wf, nil
	}
	return e.persist(ctx, workflowID, int(wf.Version), wf.CurrentStep, stepOutcome{
		stepStatus:     wf.StepStatuses[wf.CurrentStep],
		nextStep:       wf.CurrentStep,
		workflowStatus: gmcore.WorkflowCanceled,
	})
}

func completeEmptyWorkflow() store.Mutation {
	return func(wf *gmcore.Workflow) error {
		wf.Status = gmcore.WorkflowCompleted
		now := time.Now().UTC()
		wf.CompletedAt = &now
		return nil
	}
}

func failWorkflow(reason string) store.Mutation {
	return func(wf *gmcore.Workflow) error {
		wf.Status = gmcore.WorkflowFailed
		wf.FailureReason = reason
		now := time.Now().UTC()
		wf.CompletedAt = &now
		return nil
	}
}
