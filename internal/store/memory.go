package store

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// MemoryStore is an in-process Store for tests, ported from
// orchestration/workflow_state.go's InMemoryStateStore: a single mutex
// guarding a map, update_workflow's version check done under the lock in
// place of a serializable transaction.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*gmcore.Workflow
	history   []HistoryRecord
	mappings  map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*gmcore.Workflow),
		mappings:  make(map[string]string),
	}
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, tpl *gmcore.Template, workflowContext map[string]interface{}) (*gmcore.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	statuses := make(map[string]gmcore.StepStatus, len(tpl.Steps))
	for _, step := range tpl.Steps {
		statuses[step.ID] = gmcore.StepPending
	}
	wf := &gmcore.Workflow{
		WorkflowID:   newID(),
		TemplateName: tpl.Name,
		Context:      workflowContext,
		Outputs:      map[string]interface{}{},
		Status:       gmcore.WorkflowRunning,
		StepStatuses: statuses,
		StartedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
	s.workflows[wf.WorkflowID] = wf
	return wf.Clone(), nil
}

func (s *MemoryStore) LoadWorkflow(ctx context.Context, id string) (*gmcore.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, gmcore.NewError("store.load_workflow", gmcore.KindNotFound, id, "workflow not found")
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, id string, expectedVersion int, mutate Mutation) (*gmcore.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, gmcore.NewError("store.update_workflow", gmcore.KindNotFound, id, "workflow not found")
	}
	if int(wf.Version) != expectedVersion {
		return nil, gmcore.NewError("store.update_workflow", gmcore.KindVersionConflict, id, "version mismatch")
	}

	working := wf.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version++
	working.UpdatedAt = time.Now().UTC()
	s.workflows[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, record HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, record)
	return nil
}

func (s *MemoryStore) PutMapping(ctx context.Context, taskID, issueRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[taskID] = issueRef
	return nil
}

func (s *MemoryStore) GetMapping(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.mappings[taskID]
	if !ok {
		return "", gmcore.NewError("store.get_mapping", gmcore.KindNotFound, taskID, "mapping not found")
	}
	return ref, nil
}
