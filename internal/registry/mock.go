package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// MockRegistry is an in-memory Registry for tests, ported from
// core/mock_discovery.go's mutex-guarded map shape.
type MockRegistry struct {
	mu         sync.RWMutex
	profiles   map[string]*gmcore.AgentProfile
	thresholds HealthThresholds
}

var _ Registry = (*MockRegistry)(nil)

// NewMockRegistry returns an empty MockRegistry.
func NewMockRegistry(thresholds HealthThresholds) *MockRegistry {
	return &MockRegistry{profiles: make(map[string]*gmcore.AgentProfile), thresholds: thresholds}
}

func (m *MockRegistry) Register(ctx context.Context, profile *gmcore.AgentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile.RegisteredAt.IsZero() {
		profile.RegisteredAt = time.Now()
	}
	profile.LastHeartbeatAt = time.Now()
	profile.Status = gmcore.AgentHealthy
	cp := *profile
	m.profiles[profile.ID] = &cp
	return nil
}

func (m *MockRegistry) Deregister(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, id)
	return nil
}

func (m *MockRegistry) Heartbeat(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return gmcore.NewError("registry.heartbeat", gmcore.KindNotFound, id, "agent not registered")
	}
	p.LastHeartbeatAt = now
	p.Status = gmcore.AgentHealthy
	return nil
}

func (m *MockRegistry) List(ctx context.Context) ([]*gmcore.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	out := make([]*gmcore.AgentProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		cp := *p
		cp.Status = EvaluateHealth(p.LastHeartbeatAt, now, m.thresholds)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockRegistry) Get(ctx context.Context, id string) (*gmcore.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, gmcore.NewError("registry.get", gmcore.KindNotFound, id, "agent not registered")
	}
	cp := *p
	cp.Status = EvaluateHealth(p.LastHeartbeatAt, time.Now(), m.thresholds)
	return &cp, nil
}

func (m *MockRegistry) FindByCapability(ctx context.Context, name string, tags []string) ([]*gmcore.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var matches []*gmcore.AgentProfile
	for _, p := range m.profiles {
		status := EvaluateHealth(p.LastHeartbeatAt, now, m.thresholds)
		if status != gmcore.AgentHealthy {
			continue
		}
		if name != "" && !p.HasCapability(name) {
			continue
		}
		if len(tags) > 0 && !p.HasTags(tags) {
			continue
		}
		cp := *p
		cp.Status = status
		matches = append(matches, &cp)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastHeartbeatAt.After(matches[j].LastHeartbeatAt)
	})
	return matches, nil
}
