package registry

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

func TestEvaluateHealth_StateMachine(t *testing.T) {
	thresholds := HealthThresholds{Grace: 30 * time.Second, Gone: 120 * time.Second}
	now := time.Now()

	assert.Equal(t, gmcore.AgentHealthy, EvaluateHealth(now.Add(-10*time.Second), now, thresholds))
	assert.Equal(t, gmcore.AgentUnhealthy, EvaluateHealth(now.Add(-45*time.Second), now, thresholds))
	assert.Equal(t, gmcore.AgentGone, EvaluateHealth(now.Add(-200*time.Second), now, thresholds))
}

func setupRedisRegistryTest(t *testing.T) *RedisRegistry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisRegistry(client, "test", DefaultHealthThresholds())
}

func TestRedisRegistry_RegisterAndFindByCapability(t *testing.T) {
	r := setupRedisRegistryTest(t)
	ctx := context.Background()

	err := r.Register(ctx, &gmcore.AgentProfile{
		ID:      "agent-1",
		BaseURL: "http://agent-1:9000",
		Capabilities: []gmcore.Capability{
			{Name: "build", Tags: []string{"ci"}},
		},
	})
	require.NoError(t, err)

	matches, err := r.FindByCapability(ctx, "build", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "agent-1", matches[0].ID)
}

func TestRedisRegistry_FindByCapability_ExcludesUnhealthy(t *testing.T) {
	r := setupRedisRegistryTest(t)
	r.thresholds = HealthThresholds{Grace: 10 * time.Millisecond, Gone: time.Hour}
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &gmcore.AgentProfile{
		ID:           "agent-2",
		Capabilities: []gmcore.Capability{{Name: "deploy"}},
	}))

	time.Sleep(30 * time.Millisecond)

	matches, err := r.FindByCapability(ctx, "deploy", nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRedisRegistry_HeartbeatRestoresHealthy(t *testing.T) {
	r := setupRedisRegistryTest(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &gmcore.AgentProfile{ID: "agent-3"}))

	require.NoError(t, r.Heartbeat(ctx, "agent-3", time.Now()))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, gmcore.AgentHealthy, list[0].Status)
}

func TestRedisRegistry_Deregister(t *testing.T) {
	r := setupRedisRegistryTest(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &gmcore.AgentProfile{ID: "agent-4"}))
	require.NoError(t, r.Deregister(ctx, "agent-4"))

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMockRegistry_RegisterAndHeartbeat(t *testing.T) {
	m := NewMockRegistry(DefaultHealthThresholds())
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, &gmcore.AgentProfile{ID: "a"}))
	err := m.Heartbeat(ctx, "missing", time.Now())
	assert.True(t, gmcore.IsNotFound(err))
}
