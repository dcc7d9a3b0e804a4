// Package resilience provides the circuit breaker and retry/backoff
// primitives shared by internal/specialist (C9's agent dispatch) and
// internal/llm (C5's provider calls).
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh-dev/conductor/internal/gmcore"
)

// CircuitState is one of closed/open/half-open.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when Execute is rejected because the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrorClassifier decides which errors count toward the breaker's error
// rate. Validation and not-found errors are caller mistakes, not
// downstream failures, and must not trip the breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except validation_error and
// not_found — those are client mistakes, not infrastructure failures.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	switch gmcore.ErrorKind(err) {
	case gmcore.KindValidation, gmcore.KindNotFound:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	ErrorThreshold   float64       // error rate (0..1) that triggers opening
	VolumeThreshold  int           // minimum requests before evaluation
	SleepWindow      time.Duration // time in open before probing half-open
	HalfOpenRequests int           // test requests allowed while half-open
	SuccessThreshold float64       // success rate needed to close from half-open
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           gmcore.Logger
}

// DefaultConfig returns production-sane defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           gmcore.NoOpLogger{},
	}
}

// CircuitBreaker protects a downstream dependency from cascading
// failure using a sliding-window error rate with a closed/open/half-open
// state machine, exactly the pattern the teacher framework ships.
type CircuitBreaker struct {
	config *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *slidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	mu sync.Mutex
}

// New builds a circuit breaker from cfg, filling unset fields with
// DefaultConfig's values.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 60 * time.Second
	}
	if cfg.BucketCount == 0 {
		cfg.BucketCount = 10
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = gmcore.NoOpLogger{}
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 0.6
	}

	cb := &CircuitBreaker{
		config: cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb
}

// Execute runs fn with circuit breaker protection, rejecting immediately
// with ErrCircuitOpen when the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with both circuit breaker protection and an
// optional timeout; a zero timeout means no deadline is imposed here
// (the caller's context may still carry one).
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.allow() {
		cb.config.Logger.Debug("circuit breaker rejected execution", map[string]interface{}{
			"name": cb.config.Name, "state": cb.GetState(),
		})
		gmcore.GlobalMetrics().Counter("conductor_circuit_breaker_rejections_total", 1, map[string]string{"name": cb.config.Name})
		return fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in circuit breaker %q: %v", cb.config.Name, r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.complete(err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.complete(err)
		}()
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) allow() bool {
	state := cb.state.Load().(CircuitState)
	switch state {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transition(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.allow()
		}
		return false
	case StateHalfOpen:
		for {
			cur := cb.halfOpenTotal.Load()
			if int(cur) >= cb.config.HalfOpenRequests {
				return false
			}
			if cb.halfOpenTotal.CompareAndSwap(cur, cur+1) {
				return true
			}
		}
	default:
		return false
	}
}

func (cb *CircuitBreaker) complete(err error) {
	isHalfOpen := cb.state.Load().(CircuitState) == StateHalfOpen

	if err == nil {
		cb.window.recordSuccess()
		if isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.recordFailure()
		if isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}
	cb.evaluate()
}

func (cb *CircuitBreaker) evaluate() {
	state := cb.state.Load().(CircuitState)

	switch state {
	case StateClosed:
		errRate := cb.window.errorRate()
		total := cb.window.total()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transition(StateOpen)
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		successes, failures := cb.halfOpenSuccesses.Load(), cb.halfOpenFailures.Load()
		total := successes + failures
		if total >= int32(cb.config.HalfOpenRequests) {
			rate := float64(successes) / float64(total)
			cb.mu.Lock()
			if rate >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			} else {
				cb.transition(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state.Load().(CircuitState)
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())
	if to == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}
	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
	gmcore.GlobalMetrics().Gauge("conductor_circuit_breaker_state", float64(to), map[string]string{"name": cb.config.Name})
}

// GetState returns the current state as a string.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// CanExecute reports whether Execute would currently be allowed, without
// running anything.
func (cb *CircuitBreaker) CanExecute() bool {
	return cb.allow()
}

// Reset manually returns the breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.window = newSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
}
