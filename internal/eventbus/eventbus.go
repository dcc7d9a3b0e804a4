// Package eventbus implements the C4 Event Bus: pub/sub fan-out plus a
// correlation-id request/response pattern over the same transport.
// Grounded on orchestration/redis_task_queue.go's BRPOP-blocking-consumer
// shape for request/response, and on the general Redis-client idiom of
// core/redis_client.go for bare PUBLISH/SUBSCRIBE.
package eventbus

import (
	"context"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// Handler processes a matching event. A non-nil return is counted as a
// subscriber_error and does not stop delivery to other subscribers.
type Handler func(ctx context.Context, event gmcore.Event) error

// RequestHandler answers a request/response call on the receiving side.
type RequestHandler func(ctx context.Context, requestType string, payload []byte) ([]byte, error)

// Bus is the C4 contract: pub/sub plus correlated request/response on
// one transport.
type Bus interface {
	Subscribe(topic string, handler Handler) (unsubscribe func())
	Emit(ctx context.Context, event gmcore.Event) error
	Request(ctx context.Context, targetAgent, requestType string, payload []byte, timeout time.Duration) ([]byte, error)
	ServeRequests(ctx context.Context, agentID string, handler RequestHandler) error
}
