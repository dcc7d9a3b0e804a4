package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// RedisBus backs EVENT_BUS_URL when set: broker-at-least-once pub/sub on
// Redis PUBLISH/SUBSCRIBE, and a request/response pattern built on
// per-agent Redis lists consumed with BRPOP, the same blocking-pop shape
// orchestration/redis_task_queue.go uses for task dispatch.
type RedisBus struct {
	client    *redis.Client
	namespace string
	logger    gmcore.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, namespace string, logger gmcore.Logger) *RedisBus {
	if namespace == "" {
		namespace = "conductor"
	}
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	return &RedisBus{client: client, namespace: namespace, logger: logger}
}

func (b *RedisBus) topicChannel(topic string) string {
	return fmt.Sprintf("%s:events:%s", b.namespace, topic)
}

func (b *RedisBus) requestQueueKey(agentID string) string {
	return fmt.Sprintf("%s:requests:%s", b.namespace, agentID)
}

func (b *RedisBus) responseChannel(correlationID string) string {
	return fmt.Sprintf("%s:responses:%s", b.namespace, correlationID)
}

// Subscribe opens a dedicated Redis subscription for topic and runs
// handler on every delivered message until unsubscribe is called.
func (b *RedisBus) Subscribe(topic string, handler Handler) func() {
	sub := b.client.Subscribe(context.Background(), b.topicChannel(topic))
	ch := sub.Channel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event gmcore.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				gmcore.GlobalMetrics().Counter("event_bus_events_delivered_total", 1, map[string]string{"type": topic})
				if err := b.invoke(handler, event); err != nil {
					gmcore.GlobalMetrics().Counter("event_bus_subscriber_errors_total", 1, map[string]string{"type": topic})
					b.logger.Warn("subscriber error", map[string]interface{}{"type": topic, "error": err.Error()})
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		sub.Close()
	}
}

func (b *RedisBus) invoke(handler Handler, event gmcore.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return handler(context.Background(), event)
}

// Emit publishes event on its Type's channel. Redis PUBLISH has no
// cross-subscriber ordering guarantee beyond publish order on a single
// connection, which is the per-source ordering the contract requires
// since one source agent's Emit calls share this bus's client.
func (b *RedisBus) Emit(ctx context.Context, event gmcore.Event) error {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return gmcore.NewError("eventbus.emit", gmcore.KindValidation, event.Type, err.Error())
	}
	if err := b.client.Publish(ctx, b.topicChannel(event.Type), data).Err(); err != nil {
		return gmcore.Wrap("eventbus.emit", gmcore.KindStorageUnavailable, event.Type, err)
	}
	gmcore.GlobalMetrics().Counter("event_bus_events_emitted_total", 1, map[string]string{"type": event.Type})
	return nil
}

type requestEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	SourceAgent   string `json:"source_agent"`
	RequestType   string `json:"request_type"`
	Payload       []byte `json:"payload"`
}

// Request pushes a request envelope onto targetAgent's queue and blocks
// on the correlation id's dedicated response channel.
func (b *RedisBus) Request(ctx context.Context, targetAgent, requestType string, payload []byte, timeout time.Duration) ([]byte, error) {
	correlationID := uuid.New().String()
	sub := b.client.Subscribe(ctx, b.responseChannel(correlationID))
	defer sub.Close()

	env := requestEnvelope{CorrelationID: correlationID, RequestType: requestType, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, gmcore.NewError("eventbus.request", gmcore.KindValidation, targetAgent, err.Error())
	}

	gmcore.GlobalMetrics().Gauge("agent_requests_active", 1, map[string]string{"target_agent": targetAgent})
	defer gmcore.GlobalMetrics().Gauge("agent_requests_active", 0, map[string]string{"target_agent": targetAgent})

	if err := b.client.LPush(ctx, b.requestQueueKey(targetAgent), data).Err(); err != nil {
		return nil, gmcore.Wrap("eventbus.request", gmcore.KindStorageUnavailable, targetAgent, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case msg := <-sub.Channel():
		var resp gmcore.Event
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			return nil, gmcore.Wrap("eventbus.request", gmcore.KindRemoteError, targetAgent, err)
		}
		return resp.Payload, nil
	case <-timeoutCtx.Done():
		gmcore.GlobalMetrics().Counter("agent_request_timeouts_total", 1, map[string]string{"target_agent": targetAgent})
		return nil, gmcore.NewError("eventbus.request", gmcore.KindTimeout, targetAgent, "request timed out")
	}
}

// ServeRequests blocks consuming agentID's request queue with BRPOP,
// running handler for each request and publishing its result on the
// requester's response channel, until ctx is done.
func (b *RedisBus) ServeRequests(ctx context.Context, agentID string, handler RequestHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := b.client.BRPop(ctx, 5*time.Second, b.requestQueueKey(agentID)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("serve_requests brpop failed", map[string]interface{}{"agent_id": agentID, "error": err.Error()})
			continue
		}
		if len(result) < 2 {
			continue
		}

		var env requestEnvelope
		if json.Unmarshal([]byte(result[1]), &env) != nil {
			continue
		}

		go func(env requestEnvelope) {
			respPayload, herr := handler(ctx, env.RequestType, env.Payload)
			respEvent := gmcore.Event{Type: responseEventType, CorrelationID: env.CorrelationID, Payload: respPayload, EmittedAt: time.Now()}
			if herr != nil {
				respEvent.Payload = []byte(fmt.Sprintf(`{"error":%q}`, herr.Error()))
			}
			data, err := json.Marshal(respEvent)
			if err != nil {
				return
			}
			b.client.Publish(context.Background(), b.responseChannel(env.CorrelationID), data)
		}(env)
	}
}
