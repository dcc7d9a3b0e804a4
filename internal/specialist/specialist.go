// Package specialist implements the C9 Specialist Runner: execute a
// named agent against a sub-task, optionally under a resource lock,
// grounded on orchestration/executor.go's SmartExecutor.executeStep —
// narrowed to the steps §4.9 actually names (discover, lock, request,
// retry, release) without that file's parameter-resolution, validation-
// feedback, or semantic-retry layers, which belong to internal/workflow
// where placeholders and step dependencies exist.
package specialist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowmesh-dev/conductor/internal/catalog"
	"github.com/flowmesh-dev/conductor/internal/eventbus"
	"github.com/flowmesh-dev/conductor/internal/gmcore"
	"github.com/flowmesh-dev/conductor/internal/lock"
	"github.com/flowmesh-dev/conductor/internal/registry"
	"github.com/flowmesh-dev/conductor/internal/resilience"
)

// Request is one sub-task to execute against a named specialist agent.
type Request struct {
	AgentID      string
	RequestType  string
	Payload      map[string]interface{}
	ResourceLock string
	ToolStrategy catalog.Strategy

	// CallerID identifies the requester for lock ownership/priority;
	// defaults to "conductor" when empty.
	CallerID string
	// LockPriority orders this call among other waiters on the same
	// resource, higher runs first; matches the lock manager's queue.
	LockPriority int
}

// Result is a successful specialist call's output.
type Result struct {
	AgentID string
	Output  json.RawMessage
}

// wireRequest is what actually crosses C4 to the target agent: the
// payload plus whichever tool schemas C6 resolved for this call, so the
// specialist can make a tool-calling round without a second hop back
// through the catalog.
type wireRequest struct {
	Payload map[string]interface{} `json:"payload"`
	Tools   []catalog.ToolSchema   `json:"tools,omitempty"`
}

const (
	defaultLockLease       = 5 * time.Minute
	defaultLockWaitTimeout = 30 * time.Second
	defaultRequestTimeout  = 30 * time.Second
)

// Runner executes Requests. A nil catalog skips tool-set resolution; a
// nil lock manager is only valid for Requests that never set
// ResourceLock (Run panics loudly via the lock manager's own nil-deref
// rather than silently skip locking, since skipping it by mistake would
// be a correctness bug, not a degraded feature).
type Runner struct {
	registry registry.Registry
	locks    *lock.Manager
	bus      eventbus.Bus
	catalog  *catalog.Catalog
	retry    *resilience.RetryConfig
	logger   gmcore.Logger
	telemetry gmcore.Telemetry

	lockLease       time.Duration
	lockWaitTimeout time.Duration
	requestTimeout  time.Duration
}

// New builds a Runner with tier-1 retry defaults (resilience.DefaultRetryConfig).
func New(reg registry.Registry, locks *lock.Manager, bus eventbus.Bus, cat *catalog.Catalog, logger gmcore.Logger, telemetry gmcore.Telemetry) *Runner {
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = gmcore.NoOpTelemetry{}
	}
	return &Runner{
		registry:        reg,
		locks:           locks,
		bus:             bus,
		catalog:         cat,
		retry:           resilience.DefaultRetryConfig(),
		logger:          logger,
		telemetry:       telemetry,
		lockLease:       defaultLockLease,
		lockWaitTimeout: defaultLockWaitTimeout,
		requestTimeout:  defaultRequestTimeout,
	}
}

// Run executes req per §4.9's five steps, releasing any acquired lock
// unconditionally on every exit path.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "specialist.run")
	defer span.End()
	span.SetAttribute("agent_id", req.AgentID)

	callerID := req.CallerID
	if callerID == "" {
		callerID = "conductor"
	}

	if req.ResourceLock != "" {
		if _, err := r.locks.AcquireWithWait(ctx, req.ResourceLock, callerID, r.lockLease, r.lockWaitTimeout, req.LockPriority); err != nil {
			span.RecordError(err)
			return nil, err
		}
		defer func() {
			if err := r.locks.Release(context.Background(), req.ResourceLock, callerID); err != nil {
				r.logger.WarnContext(ctx, "specialist lock release failed", map[string]interface{}{
					"resource_id": req.ResourceLock,
					"agent_id":    req.AgentID,
					"error":       err.Error(),
				})
			}
		}()
	}

	if _, err := r.registry.Get(ctx, req.AgentID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	wire := wireRequest{Payload: req.Payload}
	if r.catalog != nil {
		strategy := req.ToolStrategy
		if strategy == "" {
			strategy = catalog.StrategyMinimal
		}
		wire.Tools = r.catalog.Select(req.RequestType, req.AgentID, strategy)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, gmcore.Wrap("specialist.run", gmcore.KindValidation, req.AgentID, err)
	}

	output, err := r.issueWithRetry(ctx, req, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Result{AgentID: req.AgentID, Output: output}, nil
}

// issueWithRetry applies the tier-1 policy (bounded exponential backoff)
// only to timeout/remote_error per §4.9 step 4 — every other failure
// kind (not_found, validation_error, ...) returns immediately with its
// own kind intact, since it is not going to resolve by trying again. The
// retry budget, once exhausted, always surfaces agent_failure regardless
// of which retryable kind it was exhausting, matching the fixed step-
// level disposition the spec names.
func (r *Runner) issueWithRetry(ctx context.Context, req Request, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		out, err := r.bus.Request(ctx, req.AgentID, req.RequestType, payload, r.requestTimeout)
		if err == nil {
			return out, nil
		}
		lastErr = err

		kind := gmcore.ErrorKind(err)
		if kind != gmcore.KindTimeout && kind != gmcore.KindRemoteError {
			return nil, err
		}
		if attempt == r.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}

	r.logger.WarnContext(ctx, "specialist call exhausted retry budget", map[string]interface{}{
		"agent_id": req.AgentID,
		"error":    lastErr.Error(),
	})
	return nil, gmcore.Wrap("specialist.run", gmcore.KindAgentFailure, req.AgentID, lastErr)
}

func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.retry.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * r.retry.BackoffFactor)
		if delay > r.retry.MaxDelay {
			return r.retry.MaxDelay
		}
	}
	return delay
}
