package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/llm"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/registry"
	"github.com/flowmesh-dev/conductor/internal/specialist"
	"github.com/flowmesh-dev/conductor/internal/store"
)

// fakeBus scripts eventbus.Bus.Request the way internal/specialist's own
// test double does; Emit records every event it sees for assertions.
type fakeBus struct {
	responses []error
	calls     int
	payload   []byte
	emitted   []gmcore.Event
}

var _ eventbus.Bus = (*fakeBus)(nil)

func (b *fakeBus) Subscribe(string, eventbus.Handler) func() { return func() {} }

func (b *fakeBus) Emit(ctx context.Context, event gmcore.Event) error {
	b.emitted = append(b.emitted, event)
	return nil
}

func (b *fakeBus) Request(ctx context.Context, targetAgent, requestType string, payload []byte, timeout time.Duration) ([]byte, error) {
	var err error
	if b.calls < len(b.responses) {
		err = b.responses[b.calls]
	}
	b.calls++
	if err != nil {
		return nil, err
	}
	return b.payload, nil
}

func (b *fakeBus) ServeRequests(context.Context, string, eventbus.RequestHandler) error { return nil }

// fakeLLM scripts llm.Client.Complete with a canned completion body.
type fakeLLM struct {
	content string
	err     error
}

var _ llm.Client = (*fakeLLM)(nil)

func (f *fakeLLM) Complete(ctx context.Context, prompt string, options *llm.Options) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.content}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, prompt string, options *llm.Options) (*llm.Completion, error) {
	return f.Complete(ctx, prompt, options)
}

func testLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return lock.New(client, "test", gmcore.NoOpLogger{})
}

func newTestEngine(t *testing.T, bus *fakeBus, llmClient llm.Client, policy ApprovalPolicy) (*Engine, *store.MemoryStore, *Templates) {
	t.Helper()
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	require.NoError(t, reg.Register(context.Background(), &gmcore.AgentProfile{ID: "billing-agent"}))

	runner := specialist.New(reg, testLockManager(t), bus, nil, gmcore.NoOpLogger{}, nil)
	st := store.NewMemoryStore()
	templates := NewTemplates()
	eng := New(st, templates, runner, testLockManager(t), llmClient, llm.ProviderModel{Provider: "primary", Model: "m1"}, bus, policy, gmcore.NoOpLogger{}, nil)
	return eng, st, templates
}

func TestExecute_AgentCallThenNoop_Completes(t *testing.T) {
	bus := &fakeBus{payload: []byte(`{"ok":true}`)}
	eng, _, templates := newTestEngine(t, bus, nil, nil)
	templates.Register(&gmcore.Template{
		Name: "charge-and-finish",
		Steps: []gmcore.StepDefinition{
			{ID: "charge", Type: gmcore.StepAgentCall, Agent: "billing-agent", RequestType: "charge", OnSuccess: "done", OnFailure: "done"},
			{ID: "done", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "charge-and-finish", map[string]interface{}{"amount": 10})
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["charge"])
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["done"])
	assert.NotNil(t, wf.Outputs["charge"])
}

func TestExecute_AgentCallFailure_RoutesToOnFailure(t *testing.T) {
	bus := &fakeBus{responses: []error{
		gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
		gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
		gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
	}}
	eng, _, templates := newTestEngine(t, bus, nil, nil)
	templates.Register(&gmcore.Template{
		Name: "charge-with-cleanup",
		Steps: []gmcore.StepDefinition{
			{ID: "charge", Type: gmcore.StepAgentCall, Agent: "billing-agent", RequestType: "charge", OnSuccess: "done", OnFailure: "cleanup"},
			{ID: "cleanup", Type: gmcore.StepNoop},
			{ID: "done", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "charge-with-cleanup", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, gmcore.StepFailed, wf.StepStatuses["charge"])
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["cleanup"])
}

func TestExecute_UnknownTemplate_ReturnsValidationError(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeBus{}, nil, nil)
	_, err := eng.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindValidation, gmcore.ErrorKind(err))
}

func TestExecute_DecisionGate_ProceedRoutesOnProceed(t *testing.T) {
	llmClient := &fakeLLM{content: `{"decision":"proceed","reasoning":"looks fine"}`}
	eng, _, templates := newTestEngine(t, &fakeBus{}, llmClient, nil)
	templates.Register(&gmcore.Template{
		Name: "gate",
		Steps: []gmcore.StepDefinition{
			{ID: "check", Type: gmcore.StepDecisionGate, Payload: map[string]interface{}{"prompt": "should we proceed?"}, OnProceed: "go", OnBlock: "stop"},
			{ID: "go", Type: gmcore.StepNoop},
			{ID: "stop", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "gate", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["go"])
	assert.Equal(t, gmcore.StepPending, wf.StepStatuses["stop"])
}

func TestExecute_DecisionGate_MalformedVerdictRoutesOnBlock(t *testing.T) {
	llmClient := &fakeLLM{content: `not json`}
	eng, _, templates := newTestEngine(t, &fakeBus{}, llmClient, nil)
	templates.Register(&gmcore.Template{
		Name: "gate",
		Steps: []gmcore.StepDefinition{
			{ID: "check", Type: gmcore.StepDecisionGate, Payload: map[string]interface{}{"prompt": "should we proceed?"}, OnProceed: "go", OnBlock: "stop"},
			{ID: "go", Type: gmcore.StepNoop},
			{ID: "stop", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "gate", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["stop"])
	output := wf.Outputs["check"].(map[string]interface{})
	assert.Equal(t, "malformed verdict", output["reasoning"])
}

func TestExecute_HITLApproval_AutoApprovesUnderAlwaysApprove(t *testing.T) {
	eng, _, templates := newTestEngine(t, &fakeBus{}, nil, AlwaysApprove{})
	templates.Register(&gmcore.Template{
		Name: "risky",
		Steps: []gmcore.StepDefinition{
			{ID: "approve", Type: gmcore.StepHITLApproval, Payload: map[string]interface{}{"risk_assessment": "low risk"}, OnApproved: "done", OnRejected: "halt"},
			{ID: "done", Type: gmcore.StepNoop},
			{ID: "halt", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "risky", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, wf.Status)
	assert.Equal(t, gmcore.StepCompleted, wf.StepStatuses["done"])
}

func TestExecute_HITLApproval_PausesAndEmitsEvent(t *testing.T) {
	bus := &fakeBus{}
	policy := NewRuleBasedPolicy([]string{"billing-agent"}, nil)
	eng, _, templates := newTestEngine(t, bus, nil, policy)
	templates.Register(&gmcore.Template{
		Name: "sensitive",
		Steps: []gmcore.StepDefinition{
			{ID: "approve", Type: gmcore.StepHITLApproval, Agent: "billing-agent", Payload: map[string]interface{}{"risk_assessment": "large transfer"}, OnApproved: "done", OnRejected: "halt"},
			{ID: "done", Type: gmcore.StepNoop},
			{ID: "halt", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "sensitive", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowPaused, wf.Status)
	assert.Equal(t, gmcore.StepRunning, wf.StepStatuses["approve"])
	require.NotNil(t, wf.PendingApproval)
	assert.Equal(t, gmcore.DecisionPending, wf.PendingApproval.Decision)
	require.Len(t, bus.emitted, 1)
	assert.Equal(t, "workflow.awaiting_approval", bus.emitted[0].Type)
}

func TestResume_ApprovedContinuesToOnApproved(t *testing.T) {
	bus := &fakeBus{}
	policy := NewRuleBasedPolicy([]string{"billing-agent"}, nil)
	eng, _, templates := newTestEngine(t, bus, nil, policy)
	templates.Register(&gmcore.Template{
		Name: "sensitive",
		Steps: []gmcore.StepDefinition{
			{ID: "approve", Type: gmcore.StepHITLApproval, Agent: "billing-agent", Payload: map[string]interface{}{"risk_assessment": "large transfer"}, OnApproved: "done", OnRejected: "halt"},
			{ID: "done", Type: gmcore.StepNoop},
			{ID: "halt", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "sensitive", nil)
	require.NoError(t, err)
	require.Equal(t, gmcore.WorkflowPaused, wf.Status)

	resumed, err := eng.Resume(context.Background(), wf.WorkflowID, gmcore.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, resumed.Status)
	assert.Equal(t, gmcore.StepCompleted, resumed.StepStatuses["done"])
	assert.Nil(t, resumed.PendingApproval)
}

func TestResume_RejectedRoutesToOnRejected(t *testing.T) {
	bus := &fakeBus{}
	policy := NewRuleBasedPolicy([]string{"billing-agent"}, nil)
	eng, _, templates := newTestEngine(t, bus, nil, policy)
	templates.Register(&gmcore.Template{
		Name: "sensitive",
		Steps: []gmcore.StepDefinition{
			{ID: "approve", Type: gmcore.StepHITLApproval, Agent: "billing-agent", Payload: map[string]interface{}{"risk_assessment": "large transfer"}, OnApproved: "done", OnRejected: "halt"},
			{ID: "done", Type: gmcore.StepNoop},
			{ID: "halt", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "sensitive", nil)
	require.NoError(t, err)

	resumed, err := eng.Resume(context.Background(), wf.WorkflowID, gmcore.DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, resumed.Status)
	assert.Equal(t, gmcore.StepCompleted, resumed.StepStatuses["halt"])
}

func TestResume_NonPausedWorkflowIsIdempotentNoOp(t *testing.T) {
	bus := &fakeBus{payload: []byte(`{"ok":true}`)}
	eng, _, templates := newTestEngine(t, bus, nil, nil)
	templates.Register(&gmcore.Template{
		Name: "simple",
		Steps: []gmcore.StepDefinition{
			{ID: "charge", Type: gmcore.StepAgentCall, Agent: "billing-agent", RequestType: "charge"},
		},
	})

	wf, err := eng.Execute(context.Background(), "simple", nil)
	require.NoError(t, err)
	require.Equal(t, gmcore.WorkflowCompleted, wf.Status)

	again, err := eng.Resume(context.Background(), wf.WorkflowID, gmcore.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, again.Status)
}

func TestCancel_SetsCanceledStatus(t *testing.T) {
	bus := &fakeBus{}
	policy := NewRuleBasedPolicy([]string{"billing-agent"}, nil)
	eng, _, templates := newTestEngine(t, bus, nil, policy)
	templates.Register(&gmcore.Template{
		Name: "sensitive",
		Steps: []gmcore.StepDefinition{
			{ID: "approve", Type: gmcore.StepHITLApproval, Agent: "billing-agent", Payload: map[string]interface{}{"risk_assessment": "large transfer"}, OnApproved: "done"},
			{ID: "done", Type: gmcore.StepNoop},
		},
	})

	wf, err := eng.Execute(context.Background(), "sensitive", nil)
	require.NoError(t, err)
	require.Equal(t, gmcore.WorkflowPaused, wf.Status)

	canceled, err := eng.Cancel(context.Background(), wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCanceled, canceled.Status)
}

func TestExecute_EmptyTemplateCompletesImmediately(t *testing.T) {
	eng, _, templates := newTestEngine(t, &fakeBus{}, nil, nil)
	templates.Register(&gmcore.Template{Name: "empty"})

	wf, err := eng.Execute(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, gmcore.WorkflowCompleted, wf.Status)
}

func TestExecute_UnresolvedPlaceholderFailsWorkflow(t *testing.T) {
	eng, _, templates := newTestEngine(t, &fakeBus{payload: []byte(`{}`)}, nil, nil)
	templates.Register(&gmcore.Template{
		Name: "bad-placeholder",
		Steps: []gmcore.StepDefinition{
			{ID: "charge", Type: gmcore.StepAgentCall, Agent: "billing-agent", RequestType: "charge",
				Payload: map[string]interface{}{"ref": "{{ outputs.ghost.id }}"}},
		},
	})

	_, err := eng.Execute(context.Background(), "bad-placeholder", nil)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindTemplateError, gmcore.ErrorKind(err))
}
