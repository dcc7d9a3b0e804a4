// Package registry implements the C3 Agent Registry: one profile per
// agent id, health state driven purely by elapsed time since the last
// heartbeat. Grounded on core/redis_discovery.go and
// core/redis_registry.go's Redis-index-per-capability idiom, generalized
// from "service" to the spec's "agent profile" vocabulary.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Registry is the C3 contract.
type Registry interface {
	Register(ctx context.Context, profile *gmcore.AgentProfile) error
	Deregister(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string, now time.Time) error
	List(ctx context.Context) ([]*gmcore.AgentProfile, error)
	FindByCapability(ctx context.Context, name string, tags []string) ([]*gmcore.AgentProfile, error)
	// Get resolves a single profile by its exact agent id, returning a
	// gmcore.KindNotFound error when unregistered. internal/specialist
	// uses this for C9's discover-by-agent_id step rather than scanning
	// List or matching FindByCapability's tag-based lookup.
	Get(ctx context.Context, id string) (*gmcore.AgentProfile, error)
}

// HealthThresholds configures the pure, time-driven health state machine:
// healthy -> unhealthy after Grace, unhealthy -> gone after Gone, and any
// state returns to healthy on a fresh heartbeat.
type HealthThresholds struct {
	Grace time.Duration
	Gone  time.Duration
}

// DefaultHealthThresholds matches a ten-second heartbeat interval: three
// missed beats before unhealthy, twelve before gone.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{Grace: 30 * time.Second, Gone: 120 * time.Second}
}

// EvaluateHealth is the pure function the health-state-machine
// invariant requires: status depends only on now - lastHeartbeatAt, not
// on any stored transition history.
func EvaluateHealth(lastHeartbeatAt time.Time, now time.Time, t HealthThresholds) gmcore.AgentStatus {
	elapsed := now.Sub(lastHeartbeatAt)
	switch {
	case elapsed > t.Gone:
		return gmcore.AgentGone
	case elapsed > t.Grace:
		return gmcore.AgentUnhealthy
	default:
		return gmcore.AgentHealthy
	}
}

// RedisRegistry persists agent profiles in Redis with a per-capability
// index set, the same write-data-then-index-it-atomically shape as
// core/redis_registry.go's Register.
type RedisRegistry struct {
	client     *redis.Client
	namespace  string
	thresholds HealthThresholds
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client, namespace string, thresholds HealthThresholds) *RedisRegistry {
	if namespace == "" {
		namespace = "conductor"
	}
	return &RedisRegistry{client: client, namespace: namespace, thresholds: thresholds}
}

func (r *RedisRegistry) profileKey(id string) string { return fmt.Sprintf("%s:agents:%s", r.namespace, id) }
func (r *RedisRegistry) capKey(name string) string    { return fmt.Sprintf("%s:agents:capability:%s", r.namespace, name) }
func (r *RedisRegistry) allKey() string               { return fmt.Sprintf("%s:agents:all", r.namespace) }

// Register is an upsert by id: concurrent registrations from the same id
// resolve last-writer-wins on RegisteredAt, matching the teacher's
// TxPipeline-atomic-write-plus-index pattern.
func (r *RedisRegistry) Register(ctx context.Context, profile *gmcore.AgentProfile) error {
	if profile.RegisteredAt.IsZero() {
		profile.RegisteredAt = time.Now()
	}
	profile.LastHeartbeatAt = time.Now()
	profile.Status = gmcore.AgentHealthy

	data, err := json.Marshal(profile)
	if err != nil {
		return gmcore.NewError("registry.register", gmcore.KindValidation, profile.ID, err.Error())
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.profileKey(profile.ID), data, 0)
	pipe.SAdd(ctx, r.allKey(), profile.ID)
	for _, cap := range profile.Capabilities {
		pipe.SAdd(ctx, r.capKey(cap.Name), profile.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return gmcore.Wrap("registry.register", gmcore.KindStorageUnavailable, profile.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, id string) error {
	profile, err := r.get(ctx, id)
	if err == nil && profile != nil {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.profileKey(id))
		pipe.SRem(ctx, r.allKey(), id)
		for _, cap := range profile.Capabilities {
			pipe.SRem(ctx, r.capKey(cap.Name), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return gmcore.Wrap("registry.deregister", gmcore.KindStorageUnavailable, id, err)
		}
		return nil
	}
	r.client.Del(ctx, r.profileKey(id))
	r.client.SRem(ctx, r.allKey(), id)
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, id string, now time.Time) error {
	profile, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if profile == nil {
		return gmcore.NewError("registry.heartbeat", gmcore.KindNotFound, id, "agent not registered")
	}
	profile.LastHeartbeatAt = now
	profile.Status = gmcore.AgentHealthy

	data, err := json.Marshal(profile)
	if err != nil {
		return gmcore.NewError("registry.heartbeat", gmcore.KindValidation, id, err.Error())
	}
	if err := r.client.Set(ctx, r.profileKey(id), data, 0).Err(); err != nil {
		return gmcore.Wrap("registry.heartbeat", gmcore.KindStorageUnavailable, id, err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*gmcore.AgentProfile, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, gmcore.Wrap("registry.list", gmcore.KindStorageUnavailable, "", err)
	}
	now := time.Now()
	profiles := make([]*gmcore.AgentProfile, 0, len(ids))
	for _, id := range ids {
		p, err := r.get(ctx, id)
		if err != nil || p == nil {
			continue
		}
		p.Status = EvaluateHealth(p.LastHeartbeatAt, now, r.thresholds)
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// FindByCapability returns only healthy profiles matching name (exact)
// or every tag in tags, sorted by freshness of heartbeat (most recent
// first).
func (r *RedisRegistry) FindByCapability(ctx context.Context, name string, tags []string) ([]*gmcore.AgentProfile, error) {
	var ids []string
	var err error
	if name != "" {
		ids, err = r.client.SMembers(ctx, r.capKey(name)).Result()
	} else {
		ids, err = r.client.SMembers(ctx, r.allKey()).Result()
	}
	if err != nil {
		return nil, gmcore.Wrap("registry.find_by_capability", gmcore.KindStorageUnavailable, name, err)
	}

	now := time.Now()
	var matches []*gmcore.AgentProfile
	for _, id := range ids {
		p, err := r.get(ctx, id)
		if err != nil || p == nil {
			continue
		}
		p.Status = EvaluateHealth(p.LastHeartbeatAt, now, r.thresholds)
		if p.Status != gmcore.AgentHealthy {
			continue
		}
		if len(tags) > 0 && !p.HasTags(tags) {
			continue
		}
		matches = append(matches, p)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastHeartbeatAt.After(matches[j].LastHeartbeatAt)
	})
	return matches, nil
}

func (r *RedisRegistry) get(ctx context.Context, id string) (*gmcore.AgentProfile, error) {
	data, err := r.client.Get(ctx, r.profileKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, gmcore.Wrap("registry.get", gmcore.KindStorageUnavailable, id, err)
	}
	var p gmcore.AgentProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, gmcore.Wrap("registry.get", gmcore.KindValidation, id, err)
	}
	return &p, nil
}

// Get implements Registry.Get.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*gmcore.AgentProfile, error) {
	p, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, gmcore.NewError("registry.get", gmcore.KindNotFound, id, "agent not registered")
	}
	return p, nil
}
