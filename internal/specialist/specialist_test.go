package specialist

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
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/registry"
)

func setupLockManager(t *testing.T) *lock.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return lock.New(client, "test", gmcore.NoOpLogger{})
}

func registerAgent(t *testing.T, reg *registry.MockRegistry, id string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &gmcore.AgentProfile{ID: id}))
}

// fakeBus is a scripted eventbus.Bus whose Request returns a canned
// sequence of errors, one per call, and the fixed payload once that
// sequence is used up, in the style of internal/llm's fakeProvider test
// double.
type fakeBus struct {
	responses []error
	calls     int
	payload   []byte
}

var _ eventbus.Bus = (*fakeBus)(nil)

func (b *fakeBus) Subscribe(topic string, handler eventbus.Handler) func() { return func() {} }

func (b *fakeBus) Emit(ctx context.Context, event gmcore.Event) error { return nil }

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

func (b *fakeBus) ServeRequests(ctx context.Context, agentID string, handler eventbus.RequestHandler) error {
	return nil
}

func TestRun_SucceedsOnFirstTry(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{payload: []byte(`{"ok":true}`)}
	r := New(reg, nil, bus, nil, gmcore.NoOpLogger{}, nil)

	result, err := r.Run(context.Background(), Request{AgentID: "billing-agent", RequestType: "charge"})
	require.NoError(t, err)
	assert.Equal(t, "billing-agent", result.AgentID)
	assert.Equal(t, 1, bus.calls)
}

func TestRun_UnknownAgent_FailsWithoutCallingBus(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	bus := &fakeBus{payload: []byte(`{}`)}
	r := New(reg, nil, bus, nil, gmcore.NoOpLogger{}, nil)

	_, err := r.Run(context.Background(), Request{AgentID: "ghost-agent", RequestType: "charge"})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindNotFound, gmcore.ErrorKind(err))
	assert.Equal(t, 0, bus.calls)
}

func TestRun_RetriesTimeoutThenSucceeds(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{
		responses: []error{gmcore.NewError("eventbus.request", gmcore.KindTimeout, "billing-agent", "timed out")},
		payload:   []byte(`{"ok":true}`),
	}
	r := New(reg, nil, bus, nil, gmcore.NoOpLogger{}, nil)
	r.retry.InitialDelay = time.Millisecond
	r.retry.MaxDelay = time.Millisecond

	result, err := r.Run(context.Background(), Request{AgentID: "billing-agent", RequestType: "charge"})
	require.NoError(t, err)
	assert.Equal(t, "billing-agent", result.AgentID)
	assert.Equal(t, 2, bus.calls)
}

func TestRun_ExhaustsRetryBudget_SurfacesAgentFailure(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{
		responses: []error{
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
		},
	}
	r := New(reg, nil, bus, nil, gmcore.NoOpLogger{}, nil)
	r.retry.InitialDelay = time.Millisecond
	r.retry.MaxDelay = time.Millisecond

	_, err := r.Run(context.Background(), Request{AgentID: "billing-agent", RequestType: "charge"})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindAgentFailure, gmcore.ErrorKind(err))
	assert.Equal(t, 3, bus.calls)
}

func TestRun_NonRetryableError_ReturnsImmediately(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{
		responses: []error{gmcore.NewError("eventbus.request", gmcore.KindValidation, "billing-agent", "bad payload")},
	}
	r := New(reg, nil, bus, nil, gmcore.NoOpLogger{}, nil)

	_, err := r.Run(context.Background(), Request{AgentID: "billing-agent", RequestType: "charge"})
	require.Error(t, err)
	assert.Equal(t, gmcore.KindValidation, gmcore.ErrorKind(err))
	assert.Equal(t, 1, bus.calls)
}

func TestRun_AcquiresAndReleasesResourceLock(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{payload: []byte(`{"ok":true}`)}
	locks := setupLockManager(t)
	r := New(reg, locks, bus, nil, gmcore.NoOpLogger{}, nil)

	_, err := r.Run(context.Background(), Request{
		AgentID:      "billing-agent",
		RequestType:  "charge",
		ResourceLock: "account:42",
	})
	require.NoError(t, err)

	check, err := locks.Check(context.Background(), "account:42")
	require.NoError(t, err)
	assert.False(t, check.Locked, "lock must be released unconditionally on exit")
}

func TestRun_ReleasesLockEvenOnAgentFailure(t *testing.T) {
	reg := registry.NewMockRegistry(registry.DefaultHealthThresholds())
	registerAgent(t, reg, "billing-agent")
	bus := &fakeBus{
		responses: []error{
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
			gmcore.NewError("eventbus.request", gmcore.KindRemoteError, "billing-agent", "boom"),
		},
	}
	locks := setupLockManager(t)
	r := New(reg, locks, bus, nil, gmcore.NoOpLogger{}, nil)
	r.retry.InitialDelay = time.Millisecond
	r.retry.MaxDelay = time.Millisecond

	_, err := r.Run(context.Background(), Request{
		AgentID:      "billing-agent",
		RequestType:  "charge",
		ResourceLock: "account:42",
	})
	require.Error(t, err)

	check, err := locks.Check(context.Background(), "account:42")
	require.NoError(t, err)
	assert.False(t, check.Locked)
}
