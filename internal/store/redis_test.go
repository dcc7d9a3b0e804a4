package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func setupRedisStoreTest(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, time.Hour)
}

func TestRedisStore_CreateLoadUpdate(t *testing.T) {
	s := setupRedisStoreTest(t)
	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, testTemplate(), map[string]interface{}{"branch": "main"})
	require.NoError(t, err)

	loaded, err := s.LoadWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "main", loaded.Context["branch"])

	updated, err := s.UpdateWorkflow(ctx, wf.WorkflowID, int(wf.Version), func(w *gmcore.Workflow) error {
		w.CurrentStep = "build"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestRedisStore_UpdateWorkflow_VersionConflict(t *testing.T) {
	s := setupRedisStoreTest(t)
	ctx := context.Background()
	wf, err := s.CreateWorkflow(ctx, testTemplate(), nil)
	require.NoError(t, err)

	_, err = s.UpdateWorkflow(ctx, wf.WorkflowID, int(wf.Version)+1, func(w *gmcore.Workflow) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindVersionConflict, gmcore.ErrorKind(err))
}

func TestRedisStore_Mappings(t *testing.T) {
	s := setupRedisStoreTest(t)
	ctx := context.Background()

	require.NoError(t, s.PutMapping(ctx, "task-9", "JIRA-100"))
	ref, err := s.GetMapping(ctx, "task-9")
	require.NoError(t, err)
	assert.Equal(t, "JIRA-100", ref)

	_, err = s.GetMapping(ctx, "unknown")
	assert.True(t, gmcore.IsNotFound(err))
}
