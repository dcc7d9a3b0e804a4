package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func testTemplate() *gmcore.Template {
	return &gmcore.Template{
		Name:    "deploy",
		Version: "1",
		Steps: []gmcore.StepDefinition{
			{ID: "build", Type: gmcore.StepAgentCall},
			{ID: "deploy", Type: gmcore.StepAgentCall},
		},
	}
}

func TestMemoryStore_CreateAndLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, testTemplate(), map[string]interface{}{"repo": "conductor"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.Version)
	assert.Equal(t, gmcore.WorkflowRunning, wf.Status)
	assert.Equal(t, gmcore.StepPending, wf.StepStatuses["build"])

	loaded, err := s.LoadWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, wf.WorkflowID, loaded.WorkflowID)
	assert.Equal(t, "conductor", loaded.Context["repo"])
}

func TestMemoryStore_LoadMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.LoadWorkflow(context.Background(), "nope")
	assert.True(t, gmcore.IsNotFound(err))
}

func TestMemoryStore_UpdateWorkflow_OptimisticConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, testTemplate(), nil)
	require.NoError(t, err)

	updated, err := s.UpdateWorkflow(ctx, wf.WorkflowID, int(wf.Version), func(w *gmcore.Workflow) error {
		w.CurrentStep = "build"
		w.StepStatuses["build"] = gmcore.StepRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "build", updated.CurrentStep)

	// Stale version is rejected.
	_, err = s.UpdateWorkflow(ctx, wf.WorkflowID, int(wf.Version), func(w *gmcore.Workflow) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindVersionConflict, gmcore.ErrorKind(err))

	// Current version succeeds and increments again.
	again, err := s.UpdateWorkflow(ctx, wf.WorkflowID, int(updated.Version), func(w *gmcore.Workflow) error {
		w.Status = gmcore.WorkflowCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.Version)
	assert.Equal(t, gmcore.WorkflowCompleted, again.Status)
}

func TestMemoryStore_Mappings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetMapping(ctx, "task-1")
	assert.True(t, gmcore.IsNotFound(err))

	require.NoError(t, s.PutMapping(ctx, "task-1", "ISSUE-42"))
	ref, err := s.GetMapping(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "ISSUE-42", ref)
}

func TestMemoryStore_AppendHistory(t *testing.T) {
	s := NewMemoryStore()
	err := s.AppendHistory(context.Background(), HistoryRecord{ResourceID: "lock:repo", Op: "acquire"})
	require.NoError(t, err)
	assert.Len(t, s.history, 1)
}
