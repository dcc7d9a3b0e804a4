package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// RedisStore mirrors orchestration/workflow_state.go's RedisStateStore
// almost line for line: one client, a TTL'd blob per workflow, WATCH for
// optimistic updates. It is not the production Store (Postgres is, for
// the real serializable guarantee), and cmd/conductor does not wire it
// in; it is an alternate Store implementation exercised by its own tests.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client. ttl bounds how long a
// checkpoint blob survives without being refreshed.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func workflowKey(id string) string { return fmt.Sprintf("conductor:workflow:%s", id) }

func (s *RedisStore) CreateWorkflow(ctx context.Context, tpl *gmcore.Template, workflowContext map[string]interface{}) (*gmcore.Workflow, error) {
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
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, gmcore.NewError("store.create_workflow", gmcore.KindValidation, wf.WorkflowID, err.Error())
	}
	if err := s.client.Set(ctx, workflowKey(wf.WorkflowID), data, s.ttl).Err(); err != nil {
		return nil, gmcore.Wrap("store.create_workflow", gmcore.KindStorageUnavailable, wf.WorkflowID, err)
	}
	return wf, nil
}

func (s *RedisStore) LoadWorkflow(ctx context.Context, id string) (*gmcore.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, gmcore.NewError("store.load_workflow", gmcore.KindNotFound, id, "workflow not found")
		}
		return nil, gmcore.Wrap("store.load_workflow", gmcore.KindStorageUnavailable, id, err)
	}
	var wf gmcore.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, gmcore.Wrap("store.load_workflow", gmcore.KindValidation, id, err)
	}
	return &wf, nil
}

func (s *RedisStore) UpdateWorkflow(ctx context.Context, id string, expectedVersion int, mutate Mutation) (*gmcore.Workflow, error) {
	var result *gmcore.Workflow

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, workflowKey(id)).Bytes()
		if err != nil {
			if err == redis.Nil {
				return gmcore.NewError("store.update_workflow", gmcore.KindNotFound, id, "workflow not found")
			}
			return gmcore.Wrap("store.update_workflow", gmcore.KindStorageUnavailable, id, err)
		}
		var wf gmcore.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return gmcore.Wrap("store.update_workflow", gmcore.KindValidation, id, err)
		}
		if int(wf.Version) != expectedVersion {
			return gmcore.NewError("store.update_workflow", gmcore.KindVersionConflict, id, "version mismatch")
		}
		if err := mutate(&wf); err != nil {
			return err
		}
		wf.Version++
		wf.UpdatedAt = time.Now().UTC()

		newData, err := json.Marshal(&wf)
		if err != nil {
			return gmcore.Wrap("store.update_workflow", gmcore.KindValidation, id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, workflowKey(id), newData, s.ttl)
			return nil
		})
		if err != nil {
			return gmcore.Wrap("store.update_workflow", gmcore.KindStorageUnavailable, id, err)
		}
		result = &wf
		return nil
	}

	if err := s.client.Watch(ctx, txf, workflowKey(id)); err != nil {
		if _, ok := err.(*gmcore.FrameworkError); ok {
			return nil, err
		}
		if err == redis.TxFailedErr {
			return nil, gmcore.NewError("store.update_workflow", gmcore.KindVersionConflict, id, "concurrent update detected by redis watch")
		}
		return nil, gmcore.Wrap("store.update_workflow", gmcore.KindStorageUnavailable, id, err)
	}
	return result, nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, record HistoryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return gmcore.NewError("store.append_history", gmcore.KindValidation, record.ResourceID, err.Error())
	}
	key := fmt.Sprintf("conductor:history:%s", record.ResourceID)
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return gmcore.Wrap("store.append_history", gmcore.KindStorageUnavailable, record.ResourceID, err)
	}
	return nil
}

func (s *RedisStore) PutMapping(ctx context.Context, taskID, issueRef string) error {
	if err := s.client.Set(ctx, fmt.Sprintf("conductor:mapping:%s", taskID), issueRef, 0).Err(); err != nil {
		return gmcore.Wrap("store.put_mapping", gmcore.KindStorageUnavailable, taskID, err)
	}
	return nil
}

func (s *RedisStore) GetMapping(ctx context.Context, taskID string) (string, error) {
	val, err := s.client.Get(ctx, fmt.Sprintf("conductor:mapping:%s", taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", gmcore.NewError("store.get_mapping", gmcore.KindNotFound, taskID, "mapping not found")
		}
		return "", gmcore.Wrap("store.get_mapping", gmcore.KindStorageUnavailable, taskID, err)
	}
	return val, nil
}
