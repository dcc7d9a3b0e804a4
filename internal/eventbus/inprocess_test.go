package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

func TestInProcessBus_EmitDeliversToAllSubscribers(t *testing.T) {
	bus := NewInProcessBus(nil)

	var mu sync.Mutex
	var got []string

	bus.Subscribe("deploy.started", func(ctx context.Context, e gmcore.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "a")
		return nil
	})
	bus.Subscribe("deploy.started", func(ctx context.Context, e gmcore.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "b")
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), gmcore.Event{Type: "deploy.started"}))
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestInProcessBus_SubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := NewInProcessBus(nil)
	var secondRan bool

	bus.Subscribe("topic", func(ctx context.Context, e gmcore.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("topic", func(ctx context.Context, e gmcore.Event) error {
		secondRan = true
		return nil
	})

	require.NoError(t, bus.Emit(context.Background(), gmcore.Event{Type: "topic"}))
	assert.True(t, secondRan)
}

func TestInProcessBus_Unsubscribe(t *testing.T) {
	bus := NewInProcessBus(nil)
	called := 0
	unsub := bus.Subscribe("topic", func(ctx context.Context, e gmcore.Event) error {
		called++
		return nil
	})
	unsub()
	require.NoError(t, bus.Emit(context.Background(), gmcore.Event{Type: "topic"}))
	assert.Equal(t, 0, called)
}

func TestInProcessBus_RequestResponse(t *testing.T) {
	bus := NewInProcessBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.ServeRequests(ctx, "agent-1", func(ctx context.Context, requestType string, payload []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	time.Sleep(10 * time.Millisecond)

	resp, err := bus.Request(context.Background(), "agent-1", "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestInProcessBus_RequestTimeout(t *testing.T) {
	bus := NewInProcessBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.ServeRequests(ctx, "agent-slow", func(ctx context.Context, requestType string, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	time.Sleep(10 * time.Millisecond)

	_, err := bus.Request(context.Background(), "agent-slow", "ping", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindTimeout, gmcore.ErrorKind(err))
}

func TestInProcessBus_RequestTargetUnreachable(t *testing.T) {
	bus := NewInProcessBus(nil)
	_, err := bus.Request(context.Background(), "ghost", "ping", nil, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, gmcore.KindTargetUnreachable, gmcore.ErrorKind(err))
}
