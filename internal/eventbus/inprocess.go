package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// InProcessBus is the EVENT_BUS_URL-unset default: a channel-free,
// mutex-protected subscriber map per the design notes' "coarse mutex for
// subscribe/unsubscribe; emission uses a snapshot of subscribers taken
// under the mutex and releases it before invoking callbacks" guidance,
// which keeps a slow or panicking subscriber from blocking Subscribe/
// Unsubscribe on every other topic.
type InProcessBus struct {
	mu          sync.Mutex
	subscribers map[string]map[int]Handler
	nextID      int

	logger gmcore.Logger

	pending   map[string]chan responseEnvelope
	pendingMu sync.Mutex

	requestHandlers   map[string]RequestHandler
	requestHandlersMu sync.RWMutex
}

var _ Bus = (*InProcessBus)(nil)

type responseEnvelope struct {
	payload []byte
	err     error
}

// NewInProcessBus returns an empty InProcessBus.
func NewInProcessBus(logger gmcore.Logger) *InProcessBus {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	return &InProcessBus{
		subscribers:     make(map[string]map[int]Handler),
		pending:         make(map[string]chan responseEnvelope),
		requestHandlers: make(map[string]RequestHandler),
		logger:          logger,
	}
}

// Subscribe registers handler for topic; every matching Emit invokes it.
func (b *InProcessBus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]Handler)
	}
	b.subscribers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[topic], id)
	}
}

// Emit fans event out to every subscriber of event.Type. Per-subscriber
// ordering within a single source agent holds because each subscriber's
// callbacks run sequentially on the calling goroutine (Emit itself is
// not invoked concurrently by the same source), matching the bus's
// in-process single-writer assumption; a request/response reply also
// flows through Emit and is routed to the waiting Request call first.
func (b *InProcessBus) Emit(ctx context.Context, event gmcore.Event) error {
	if event.Type == responseEventType && event.CorrelationID != "" {
		b.deliverResponse(event)
		return nil
	}

	b.mu.Lock()
	snapshot := make([]Handler, 0, len(b.subscribers[event.Type]))
	for _, h := range b.subscribers[event.Type] {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	gmcore.GlobalMetrics().Counter("event_bus_events_emitted_total", 1, map[string]string{"type": event.Type})

	for _, handler := range snapshot {
		if err := b.invoke(ctx, handler, event); err != nil {
			gmcore.GlobalMetrics().Counter("event_bus_subscriber_errors_total", 1, map[string]string{"type": event.Type})
			b.logger.Warn("subscriber error", map[string]interface{}{"type": event.Type, "error": err.Error()})
			continue
		}
		gmcore.GlobalMetrics().Counter("event_bus_events_delivered_total", 1, map[string]string{"type": event.Type})
	}
	return nil
}

func (b *InProcessBus) invoke(ctx context.Context, handler Handler, event gmcore.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

const (
	requestEventType  = "_request"
	responseEventType = "_response"
)

// Request emits a request event tagged with targetAgent and waits for a
// response event carrying the same correlation id, or fails timeout.
func (b *InProcessBus) Request(ctx context.Context, targetAgent, requestType string, payload []byte, timeout time.Duration) ([]byte, error) {
	correlationID := uuid.New().String()
	respCh := make(chan responseEnvelope, 1)

	b.pendingMu.Lock()
	b.pending[correlationID] = respCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, correlationID)
		b.pendingMu.Unlock()
	}()

	gmcore.GlobalMetrics().Gauge("agent_requests_active", 1, map[string]string{"source_agent": "conductor", "target_agent": targetAgent})
	defer gmcore.GlobalMetrics().Gauge("agent_requests_active", 0, map[string]string{"source_agent": "conductor", "target_agent": targetAgent})

	b.requestHandlersMu.RLock()
	handler, ok := b.requestHandlers[targetAgent]
	b.requestHandlersMu.RUnlock()
	if !ok {
		return nil, gmcore.NewError("eventbus.request", gmcore.KindTargetUnreachable, targetAgent, "no handler registered for target agent")
	}

	go func() {
		respPayload, err := handler(ctx, requestType, payload)
		if err != nil {
			respCh <- responseEnvelope{err: gmcore.Wrap("eventbus.request", gmcore.KindRemoteError, targetAgent, err)}
			return
		}
		respCh <- responseEnvelope{payload: respPayload}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		return resp.payload, resp.err
	case <-ctx.Done():
		gmcore.GlobalMetrics().Counter("agent_request_timeouts_total", 1, map[string]string{"target_agent": targetAgent})
		return nil, gmcore.NewError("eventbus.request", gmcore.KindTimeout, targetAgent, "request timed out")
	}
}

// ServeRequests registers handler as the in-process responder for
// agentID's requests. There is no network hop to simulate here, so this
// just populates the dispatch table Request consults.
func (b *InProcessBus) ServeRequests(ctx context.Context, agentID string, handler RequestHandler) error {
	b.requestHandlersMu.Lock()
	b.requestHandlers[agentID] = handler
	b.requestHandlersMu.Unlock()
	<-ctx.Done()
	b.requestHandlersMu.Lock()
	delete(b.requestHandlers, agentID)
	b.requestHandlersMu.Unlock()
	return ctx.Err()
}

func (b *InProcessBus) deliverResponse(event gmcore.Event) {
	b.pendingMu.Lock()
	ch, ok := b.pending[event.CorrelationID]
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- responseEnvelope{payload: event.Payload}
}
