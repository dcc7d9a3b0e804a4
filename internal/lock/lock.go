// Package lock implements the C2 Resource Lock Manager: a Redis-backed
// exclusive lease over a resource_id, with a priority wait queue for
// blocking acquisition and a sweep that expires stale holders and
// promotes the next waiter. Grounded on core/redis_registry.go's
// TxPipeline-for-atomic-writes idiom (the lock manager has the same
// shape: one redis.Client, one namespace, atomic multi-key writes), but
// implements acquire/release semantics the registry has no equivalent
// of.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// AcquireResult is returned by a successful non-blocking acquire.
type AcquireResult struct {
	Acquired bool
	WaitMs   int64
}

// CheckResult reports the current state of a resource.
type CheckResult struct {
	Locked          bool
	Holder          string
	ExpiresAt       time.Time
	SecondsRemaining float64
	Waiters         int
}

// Manager is the C2 Resource Lock Manager contract.
type Manager struct {
	client    *redis.Client
	namespace string
	logger    gmcore.Logger
}

// New builds a Manager over an existing Redis client. namespace prefixes
// every key, the same convention core/redis_registry.go uses.
func New(client *redis.Client, namespace string, logger gmcore.Logger) *Manager {
	if namespace == "" {
		namespace = "conductor"
	}
	if logger == nil {
		logger = gmcore.NoOpLogger{}
	}
	return &Manager{client: client, namespace: namespace, logger: logger}
}

func (m *Manager) lockKey(resourceID string) string {
	return fmt.Sprintf("%s:lock:%s", m.namespace, resourceID)
}

func (m *Manager) waitKey(resourceID string) string {
	return fmt.Sprintf("%s:lock:wait:%s", m.namespace, resourceID)
}

func (m *Manager) historyKey(resourceID string) string {
	return fmt.Sprintf("%s:lock:history:%s", m.namespace, resourceID)
}

type lockValue struct {
	HolderID   string                 `json:"holder_agent_id"`
	AcquiredAt time.Time              `json:"acquired_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	Reason     string                 `json:"reason,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Acquire attempts a non-blocking acquisition: it sweeps expired state,
// then either wins the lock or reports contention (never queues).
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, lease time.Duration, reason string, metadata map[string]interface{}) (*AcquireResult, error) {
	start := time.Now()
	if err := m.SweepExpired(ctx, resourceID); err != nil {
		return nil, err
	}

	key := m.lockKey(resourceID)
	now := time.Now()

	acquired, err := m.tryAcquire(ctx, key, resourceID, agentID, now, lease, reason, metadata)
	if err != nil {
		return nil, err
	}
	if acquired {
		gmcore.GlobalMetrics().Counter("resource_lock_acquisitions_total", 1, map[string]string{"resource_id": resourceID})
		gmcore.GlobalMetrics().Gauge("resource_locks_active", 1, map[string]string{"resource_id": resourceID})
		m.appendHistory(ctx, resourceID, gmcore.LockOpAcquire, agentID, now.Sub(start).Milliseconds(), 0, true, "")
		return &AcquireResult{Acquired: true, WaitMs: now.Sub(start).Milliseconds()}, nil
	}

	current, _ := m.loadLock(ctx, key)
	gmcore.GlobalMetrics().Counter("resource_lock_contentions_total", 1, map[string]string{"resource_id": resourceID})
	m.appendHistory(ctx, resourceID, gmcore.LockOpAcquire, agentID, now.Sub(start).Milliseconds(), 0, false, "contended")
	return nil, &contendedError{resourceID: resourceID, heldBy: holderOf(current), expiresAt: expiresOf(current)}
}

// tryAcquire re-acquires idempotently for an existing holder (extends
// the lease, refreshes metadata) or claims the lock if absent/expired.
func (m *Manager) tryAcquire(ctx context.Context, key, resourceID, agentID string, now time.Time, lease time.Duration, reason string, metadata map[string]interface{}) (bool, error) {
	var won bool
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return gmcore.Wrap("lock.acquire", gmcore.KindStorageUnavailable, resourceID, err)
		}

		var current *lockValue
		if err == nil {
			var v lockValue
			if jsonErr := json.Unmarshal(data, &v); jsonErr == nil {
				current = &v
			}
		}

		if current != nil && current.ExpiresAt.After(now) && current.HolderID != agentID {
			won = false
			return nil
		}

		next := lockValue{HolderID: agentID, AcquiredAt: now, ExpiresAt: now.Add(lease), Reason: reason, Metadata: metadata}
		data2, err := json.Marshal(next)
		if err != nil {
			return gmcore.NewError("lock.acquire", gmcore.KindValidation, resourceID, err.Error())
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data2, lease)
			return nil
		})
		if err != nil {
			return gmcore.Wrap("lock.acquire", gmcore.KindStorageUnavailable, resourceID, err)
		}
		won = true
		return nil
	}

	if err := m.client.Watch(ctx, txf, key); err != nil {
		if err == redis.TxFailedErr {
			return false, nil
		}
		if fe, ok := err.(*gmcore.FrameworkError); ok {
			return false, fe
		}
		return false, gmcore.Wrap("lock.acquire", gmcore.KindStorageUnavailable, resourceID, err)
	}
	return won, nil
}

// AcquireWithWait enqueues on contention and blocks (polling on a short
// interval) until the lock is granted or waitTimeout elapses.
func (m *Manager) AcquireWithWait(ctx context.Context, resourceID, agentID string, lease, waitTimeout time.Duration, priority int) (*AcquireResult, error) {
	start := time.Now()
	timeoutAt := start.Add(waitTimeout)

	if err := m.enqueue(ctx, resourceID, agentID, start, timeoutAt, priority); err != nil {
		return nil, err
	}
	defer m.dequeue(context.Background(), resourceID, agentID)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := m.SweepExpired(ctx, resourceID); err != nil {
			return nil, err
		}
		if m.isHeadOfQueue(ctx, resourceID, agentID) {
			won, err := m.tryAcquire(ctx, m.lockKey(resourceID), resourceID, agentID, time.Now(), lease, "", nil)
			if err != nil {
				return nil, err
			}
			if won {
				waitMs := time.Since(start).Milliseconds()
				gmcore.GlobalMetrics().Histogram("resource_lock_wait_time_seconds", float64(waitMs)/1000, map[string]string{"resource_id": resourceID})
				gmcore.GlobalMetrics().Counter("resource_lock_acquisitions_total", 1, map[string]string{"resource_id": resourceID})
				m.appendHistory(ctx, resourceID, gmcore.LockOpAcquire, agentID, waitMs, 0, true, "")
				return &AcquireResult{Acquired: true, WaitMs: waitMs}, nil
			}
		}

		now := time.Now()
		if !now.Before(timeoutAt) {
			m.appendHistory(ctx, resourceID, gmcore.LockOpAcquire, agentID, time.Since(start).Milliseconds(), 0, false, "wait_timeout")
			return nil, gmcore.NewError("lock.acquire_with_wait", gmcore.KindWaitTimeout, resourceID, "wait timeout exceeded")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release is idempotent: releasing a lock you don't hold because it
// already expired succeeds silently; releasing one another live holder
// still owns fails not_holder.
func (m *Manager) Release(ctx context.Context, resourceID, agentID string) error {
	key := m.lockKey(resourceID)
	current, err := m.loadLock(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	now := time.Now()
	if current.ExpiresAt.Before(now) || current.ExpiresAt.Equal(now) {
		return nil
	}
	if current.HolderID != agentID {
		return gmcore.NewError("lock.release", gmcore.KindNotHolder, resourceID, "lock held by another agent")
	}

	if err := m.client.Del(ctx, key).Err(); err != nil {
		return gmcore.Wrap("lock.release", gmcore.KindStorageUnavailable, resourceID, err)
	}
	gmcore.GlobalMetrics().Counter("resource_lock_acquisitions_total", 0, map[string]string{"resource_id": resourceID})
	gmcore.GlobalMetrics().Gauge("resource_locks_active", 0, map[string]string{"resource_id": resourceID})
	m.appendHistory(ctx, resourceID, gmcore.LockOpRelease, agentID, 0, time.Since(current.AcquiredAt).Milliseconds(), true, "")
	return nil
}

// Check reports the current lock state without mutating anything.
func (m *Manager) Check(ctx context.Context, resourceID string) (*CheckResult, error) {
	current, err := m.loadLock(ctx, m.lockKey(resourceID))
	if err != nil {
		return nil, err
	}
	waiters, _ := m.client.ZCard(ctx, m.waitKey(resourceID)).Result()

	if current == nil || current.ExpiresAt.Before(time.Now()) {
		return &CheckResult{Locked: false, Waiters: int(waiters)}, nil
	}
	return &CheckResult{
		Locked:           true,
		Holder:           current.HolderID,
		ExpiresAt:        current.ExpiresAt,
		SecondsRemaining: time.Until(current.ExpiresAt).Seconds(),
		Waiters:          int(waiters),
	}, nil
}

// ForceRelease bypasses ownership checks; reserved for administrative
// intervention and expected to be rare.
func (m *Manager) ForceRelease(ctx context.Context, resourceID, adminID string) error {
	if err := m.client.Del(ctx, m.lockKey(resourceID)).Err(); err != nil {
		return gmcore.Wrap("lock.force_release", gmcore.KindStorageUnavailable, resourceID, err)
	}
	gmcore.GlobalMetrics().Gauge("resource_locks_active", 0, map[string]string{"resource_id": resourceID})
	m.appendHistory(ctx, resourceID, gmcore.LockOpForceRelease, adminID, 0, 0, true, "")
	return nil
}

// SweepExpired transitions an expired holder to released and prunes
// waiters whose own timeout_at has passed. It grants the lock to no one
// itself: the head-of-queue waiter takes it on its next AcquireWithWait
// poll. It runs on every mutation and can also be called from a periodic
// job.
func (m *Manager) SweepExpired(ctx context.Context, resourceID string) error {
	key := m.lockKey(resourceID)
	current, err := m.loadLock(ctx, key)
	if err != nil {
		return err
	}
	if current != nil && current.ExpiresAt.Before(time.Now()) {
		m.appendHistory(ctx, resourceID, gmcore.LockOpTimeout, current.HolderID, 0, time.Since(current.AcquiredAt).Milliseconds(), false, "lease expired")
		m.client.Del(ctx, key)
		gmcore.GlobalMetrics().Gauge("resource_locks_active", 0, map[string]string{"resource_id": resourceID})
	}
	return m.pruneExpiredWaiters(ctx, resourceID)
}

func (m *Manager) loadLock(ctx context.Context, key string) (*lockValue, error) {
	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, gmcore.Wrap("lock.load", gmcore.KindStorageUnavailable, key, err)
	}
	var v lockValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, gmcore.Wrap("lock.load", gmcore.KindValidation, key, err)
	}
	return &v, nil
}

// waitEntry is the JSON payload stored as a sorted-set member; the score
// encodes (-priority, requested_at) so ZRANGE returns the queue in
// priority DESC, requested_at ASC order directly.
type waitEntry struct {
	AgentID     string    `json:"agent_id"`
	RequestedAt time.Time `json:"requested_at"`
	TimeoutAt   time.Time `json:"timeout_at"`
	Priority    int       `json:"priority"`
}

func waitScore(priority int, requestedAt time.Time) float64 {
	return float64(-priority)*1e15 + float64(requestedAt.UnixNano())/1e6
}

func (m *Manager) enqueue(ctx context.Context, resourceID, agentID string, requestedAt, timeoutAt time.Time, priority int) error {
	entry := waitEntry{AgentID: agentID, RequestedAt: requestedAt, TimeoutAt: timeoutAt, Priority: priority}
	data, err := json.Marshal(entry)
	if err != nil {
		return gmcore.NewError("lock.enqueue", gmcore.KindValidation, resourceID, err.Error())
	}
	if err := m.client.ZAdd(ctx, m.waitKey(resourceID), &redis.Z{Score: waitScore(priority, requestedAt), Member: data}).Err(); err != nil {
		return gmcore.Wrap("lock.enqueue", gmcore.KindStorageUnavailable, resourceID, err)
	}
	return nil
}

func (m *Manager) dequeue(ctx context.Context, resourceID, agentID string) {
	members, err := m.client.ZRange(ctx, m.waitKey(resourceID), 0, -1).Result()
	if err != nil {
		return
	}
	for _, raw := range members {
		var e waitEntry
		if json.Unmarshal([]byte(raw), &e) == nil && e.AgentID == agentID {
			m.client.ZRem(ctx, m.waitKey(resourceID), raw)
			return
		}
	}
}

func (m *Manager) isHeadOfQueue(ctx context.Context, resourceID, agentID string) bool {
	members, err := m.client.ZRange(ctx, m.waitKey(resourceID), 0, 0).Result()
	if err != nil || len(members) == 0 {
		return false
	}
	var e waitEntry
	if json.Unmarshal([]byte(members[0]), &e) != nil {
		return false
	}
	return e.AgentID == agentID
}

// pruneExpiredWaiters drops queue entries whose own timeout_at has
// passed, so a stale waiter never blocks the next-in-line from being
// recognized as head of queue.
func (m *Manager) pruneExpiredWaiters(ctx context.Context, resourceID string) error {
	members, err := m.client.ZRange(ctx, m.waitKey(resourceID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return gmcore.Wrap("lock.sweep", gmcore.KindStorageUnavailable, resourceID, err)
	}
	now := time.Now()
	var stale []string
	for _, raw := range members {
		var e waitEntry
		if json.Unmarshal([]byte(raw), &e) == nil && e.TimeoutAt.Before(now) {
			stale = append(stale, raw)
		}
	}
	if len(stale) > 0 {
		m.client.ZRem(ctx, m.waitKey(resourceID), toInterfaceSlice(stale)...)
	}
	return nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (m *Manager) appendHistory(ctx context.Context, resourceID string, op gmcore.LockOp, agentID string, waitMs, heldMs int64, success bool, errMsg string) {
	rec := gmcore.LockHistoryRecord{
		ResourceID: resourceID,
		AgentID:    agentID,
		Op:         op,
		OccurredAt: time.Now(),
		WaitMs:     waitMs,
		HeldMs:     heldMs,
		Success:    success,
		Error:      errMsg,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	m.client.LPush(ctx, m.historyKey(resourceID), data)
}

func holderOf(v *lockValue) string {
	if v == nil {
		return ""
	}
	return v.HolderID
}

func expiresOf(v *lockValue) time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.ExpiresAt
}

// contendedError is the {contended, held_by, expires_at} failure shape
// for a non-blocking Acquire that loses the race.
type contendedError struct {
	resourceID string
	heldBy     string
	expiresAt  time.Time
}

func (e *contendedError) Error() string {
	return fmt.Sprintf("resource %s contended, held by %s until %s", e.resourceID, e.heldBy, e.expiresAt)
}

func (e *contendedError) Unwrap() error { return gmcore.ErrContended }

// HeldBy and ExpiresAt expose the contended-error detail fields the
// API surface reports back to callers.
func (e *contendedError) HeldBy() string       { return e.heldBy }
func (e *contendedError) ExpiresAt() time.Time { return e.expiresAt }

// SortResourceIDs returns ids in the globally deterministic
// (lexicographic) order every multi-lock acquisition must follow to
// prevent deadlock, per the design notes.
func SortResourceIDs(ids []string) []string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return sorted
}
