package gmcore

import (
	"encoding/json"
	"time"
)

// AgentStatus is the health lifecycle of a registered agent profile:
// registered -> healthy <-> unhealthy -> gone.
type AgentStatus string

const (
	AgentRegistering AgentStatus = "registering"
	AgentHealthy     AgentStatus = "healthy"
	AgentUnhealthy   AgentStatus = "unhealthy"
	AgentGone        AgentStatus = "gone"
)

// Capability is a single declared function of an agent, addressable by
// exact name or by matching a requested tag set.
type Capability struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	CostEstimate *float64        `json:"cost_estimate,omitempty"`
}

// AgentProfile is the registry's unit of record: exactly one profile per
// ID, health state driven purely by elapsed time since LastHeartbeatAt.
type AgentProfile struct {
	ID              string       `json:"id"`
	BaseURL         string       `json:"base_url"`
	Port            int          `json:"port"`
	Capabilities    []Capability `json:"capabilities"`
	Status          AgentStatus  `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

// HasCapability reports whether the profile declares a capability with
// the given exact name.
func (p *AgentProfile) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// HasTags reports whether the profile has at least one capability
// carrying every tag in want.
func (p *AgentProfile) HasTags(want []string) bool {
	for _, c := range p.Capabilities {
		if containsAll(c.Tags, want) {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// WorkflowStatus is the top-level lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCanceled  WorkflowStatus = "canceled"
)

// StepStatus is the per-step lifecycle state tracked in Workflow.StepStatuses.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Workflow is a running instance of a declarative DAG template with
// persisted, optimistically-versioned state. Version increments by
// exactly one on every successful UpdateWorkflow.
type Workflow struct {
	WorkflowID     string                    `json:"workflow_id"`
	TemplateName   string                    `json:"template_name"`
	Context        map[string]interface{}    `json:"context"`
	Outputs        map[string]interface{}    `json:"outputs"`
	Status         WorkflowStatus            `json:"status"`
	CurrentStep    string                    `json:"current_step"`
	StepStatuses   map[string]StepStatus     `json:"step_statuses"`
	StartedAt      time.Time                 `json:"started_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
	Version        int64                     `json:"version"`

	// FailureReason carries the diagnostic for a template_error or
	// agent_failure that drove Status to failed; empty otherwise.
	FailureReason string `json:"failure_reason,omitempty"`

	// PendingApproval is set while the workflow is paused at a
	// hitl_approval step awaiting resume_workflow(id, decision); nil at
	// every other time. Persisted alongside the rest of the workflow
	// snapshot rather than in a separate table, so the same optimistic
	// UpdateWorkflow call that sets status=paused also records it.
	PendingApproval *ApprovalRequest `json:"pending_approval,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by a caller that
// does not hold the store's lock (map fields are copied one level deep).
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Context = cloneMap(w.Context)
	cp.Outputs = cloneMap(w.Outputs)
	cp.StepStatuses = make(map[string]StepStatus, len(w.StepStatuses))
	for k, v := range w.StepStatuses {
		cp.StepStatuses[k] = v
	}
	if w.PendingApproval != nil {
		approvalCopy := *w.PendingApproval
		cp.PendingApproval = &approvalCopy
	}
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// StepType enumerates the node kinds the workflow engine knows how to run.
type StepType string

const (
	StepAgentCall    StepType = "agent_call"
	StepDecisionGate StepType = "decision_gate"
	StepHITLApproval StepType = "hitl_approval"
	StepNoop         StepType = "noop"
)

// StepDefinition is one node of a Template. Payload and ResourceLocks
// values may contain `{{ context.x }}` / `{{ outputs.step.path }}`
// placeholders, resolved lazily by internal/workflow on entry to the step.
type StepDefinition struct {
	ID            string                 `json:"id" yaml:"id"`
	Type          StepType               `json:"type" yaml:"type"`
	Agent         string                 `json:"agent,omitempty" yaml:"agent,omitempty"`
	RequestType   string                 `json:"request_type,omitempty" yaml:"request_type,omitempty"`
	ResourceLocks []string               `json:"resource_locks,omitempty" yaml:"resource_locks,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	Timeout       *time.Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnSuccess     string                 `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure     string                 `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	OnProceed     string                 `json:"on_proceed,omitempty" yaml:"on_proceed,omitempty"`
	OnBlock       string                 `json:"on_block,omitempty" yaml:"on_block,omitempty"`
	OnApproved    string                 `json:"on_approved,omitempty" yaml:"on_approved,omitempty"`
	OnRejected    string                 `json:"on_rejected,omitempty" yaml:"on_rejected,omitempty"`
}

// Template is an ordered, named list of steps: the declarative DAG the
// workflow engine interprets.
type Template struct {
	Name    string           `json:"name" yaml:"name"`
	Version string           `json:"version" yaml:"version"`
	Steps   []StepDefinition `json:"steps" yaml:"steps"`
}

// StepByID returns the step with the given id, or nil.
func (t *Template) StepByID(id string) *StepDefinition {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// ApprovalDecision is the outcome of a HITL gate.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalRequest records a pending or decided HITL gate.
type ApprovalRequest struct {
	ApprovalID     string           `json:"approval_id"`
	WorkflowID     string           `json:"workflow_id"`
	StepID         string           `json:"step_id"`
	RiskAssessment string           `json:"risk_assessment"`
	Decision       ApprovalDecision `json:"decision"`
	DecidedBy      string           `json:"decided_by,omitempty"`
	DecidedAt      *time.Time       `json:"decided_at,omitempty"`
}

// LockRecord is the current holder of a resource, or absent/expired.
type LockRecord struct {
	ResourceID string                 `json:"resource_id"`
	HolderID   string                 `json:"holder_agent_id"`
	AcquiredAt time.Time              `json:"acquired_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Expired reports whether the lock record is logically released as of now.
func (l *LockRecord) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// WaitQueueEntry is one agent's pending claim on a contended resource,
// ordered by priority DESC then RequestedAt ASC.
type WaitQueueEntry struct {
	ResourceID string    `json:"resource_id"`
	AgentID    string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
	TimeoutAt  time.Time `json:"timeout_at"`
	Priority   int       `json:"priority"`
}

// LockOp enumerates the append-only lock history operations.
type LockOp string

const (
	LockOpAcquire      LockOp = "acquire"
	LockOpRelease      LockOp = "release"
	LockOpTimeout      LockOp = "timeout"
	LockOpForceRelease LockOp = "force_release"
)

// LockHistoryRecord is one append-only row in the lock history.
type LockHistoryRecord struct {
	ResourceID string     `json:"resource_id"`
	AgentID    string     `json:"agent_id"`
	Op         LockOp     `json:"op"`
	OccurredAt time.Time  `json:"occurred_at"`
	WaitMs     int64      `json:"wait_ms"`
	HeldMs     int64      `json:"held_ms"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

// Event is the envelope carried by the event bus for both pub/sub
// broadcasts (CorrelationID empty) and request/response pairs
// (CorrelationID required, equal on request and response).
type Event struct {
	Type          string          `json:"type"`
	SourceAgent   string          `json:"source_agent"`
	TargetAgent   string          `json:"target_agent,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EmittedAt     time.Time       `json:"emitted_at"`
}
