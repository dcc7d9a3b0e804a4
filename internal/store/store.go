// Package store persists workflows (a workflow row is also its HITL
// checkpoint), append-only history records, and task-to-issue mappings
// behind the Store interface. Lock records, lock history and wait-queue
// entries are not kept here: internal/lock stores them in Redis itself.
// The production implementation is Postgres (github.com/jackc/pgx/v5),
// chosen because the optimistic-concurrency guarantee update_workflow
// requires is a serializable-transaction property a relational engine
// gives for free; Redis and in-memory implementations exist alongside it
// the way orchestration/workflow_state.go ships Redis and in-memory
// StateStore implementations side by side.
package store

import (
	"context"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Mutation transforms a workflow snapshot; update_workflow applies it
// inside the same transaction that checks expected_version, so the
// mutation function never needs its own locking.
type Mutation func(*gmcore.Workflow) error

// HistoryRecord is an append-only row against a resource (a lock, a
// workflow step) for audit and replay.
type HistoryRecord struct {
	ResourceID string
	Op         string
	ActorID    string
	Detail     map[string]interface{}
	RecordedAt int64 // unix millis, stamped by the caller
}

// Store is the C1 State Store contract: create/load/update workflows
// under optimistic concurrency, append-only history, and the
// task_id -> issue_ref mapping table used by workflow steps that file
// or reference external tickets.
type Store interface {
	CreateWorkflow(ctx context.Context, tpl *gmcore.Template, workflowContext map[string]interface{}) (*gmcore.Workflow, error)
	LoadWorkflow(ctx context.Context, id string) (*gmcore.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, expectedVersion int, mutate Mutation) (*gmcore.Workflow, error)
	AppendHistory(ctx context.Context, record HistoryRecord) error
	PutMapping(ctx context.Context, taskID, issueRef string) error
	GetMapping(ctx context.Context, taskID string) (string, error)
}
