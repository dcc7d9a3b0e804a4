// Package gmcore provides the fundamental interfaces, error taxonomy, and
// domain types shared by every other internal package: loggers, telemetry,
// the agent/capability model, and the FrameworkError wrapper used across
// the state store, lock manager, registry, event bus, and workflow engine.
package gmcore

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the design's error handling
// section. Callers compare with errors.Is against the sentinel below, or
// inspect FrameworkError.Kind directly when they need the raw string (e.g.
// to pick an HTTP status code in internal/api).
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindVersionConflict    Kind = "version_conflict"
	KindContended          Kind = "contended"
	KindWaitTimeout        Kind = "wait_timeout"
	KindTimeout            Kind = "timeout"
	KindRateLimited        Kind = "rate_limited"
	KindAgentUnreachable   Kind = "agent_unreachable"
	KindSubscriberError    Kind = "subscriber_error"
	KindTemplateError      Kind = "template_error"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindConcurrentUpdate   Kind = "concurrent_update"
	KindProviderError      Kind = "provider_error"
	KindContextOverflow    Kind = "context_overflow"
	KindNotHolder          Kind = "not_holder"
	KindAgentFailure       Kind = "agent_failure"
	KindTargetUnreachable  Kind = "target_unreachable"
	KindRemoteError        Kind = "remote_error"
)

// Sentinel errors for comparison via errors.Is(). FrameworkError.Unwrap
// returns one of these so callers never need to string-match Kind.
var (
	ErrValidation         = errors.New("validation_error")
	ErrNotFound           = errors.New("not_found")
	ErrVersionConflict    = errors.New("version_conflict")
	ErrContended          = errors.New("contended")
	ErrWaitTimeout        = errors.New("wait_timeout")
	ErrTimeout             = errors.New("timeout")
	ErrRateLimited        = errors.New("rate_limited")
	ErrAgentUnreachable   = errors.New("agent_unreachable")
	ErrSubscriberError    = errors.New("subscriber_error")
	ErrTemplateError      = errors.New("template_error")
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrConcurrentUpdate   = errors.New("concurrent_update")
	ErrProviderError      = errors.New("provider_error")
	ErrContextOverflow    = errors.New("context_overflow")
	ErrNotHolder          = errors.New("not_holder")
	ErrAgentFailure       = errors.New("agent_failure")
	ErrTargetUnreachable  = errors.New("target_unreachable")
	ErrRemoteError        = errors.New("remote_error")
)

var kindSentinels = map[Kind]error{
	KindValidation:         ErrValidation,
	KindNotFound:           ErrNotFound,
	KindVersionConflict:    ErrVersionConflict,
	KindContended:          ErrContended,
	KindWaitTimeout:        ErrWaitTimeout,
	KindTimeout:            ErrTimeout,
	KindRateLimited:        ErrRateLimited,
	KindAgentUnreachable:   ErrAgentUnreachable,
	KindSubscriberError:    ErrSubscriberError,
	KindTemplateError:      ErrTemplateError,
	KindStorageUnavailable: ErrStorageUnavailable,
	KindConcurrentUpdate:   ErrConcurrentUpdate,
	KindProviderError:      ErrProviderError,
	KindContextOverflow:    ErrContextOverflow,
	KindNotHolder:          ErrNotHolder,
	KindAgentFailure:       ErrAgentFailure,
	KindTargetUnreachable:  ErrTargetUnreachable,
	KindRemoteError:        ErrRemoteError,
}

// FrameworkError carries structured context about a failure: which
// operation, which taxonomy kind, which entity id, wrapping the sentinel
// so errors.Is(err, gmcore.ErrNotFound) keeps working after Sprintf'd
// context is attached.
type FrameworkError struct {
	Op      string
	Kind    Kind
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %s (%s)", e.Op, e.ID, e.Message, e.Kind)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return kindSentinels[e.Kind]
}

// NewError builds a FrameworkError for the given taxonomy kind.
func NewError(op string, kind Kind, id, message string) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Message: message}
}

// Wrap builds a FrameworkError that also preserves an underlying cause
// (e.g. a driver error from pgx or go-redis) for errors.As chains.
func Wrap(op string, kind Kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Message: err.Error(), Err: err}
}

// ErrorKind extracts the taxonomy Kind from err if it is (or wraps) a
// *FrameworkError, or "" otherwise. internal/api uses this to pick the
// HTTP status code for non-streaming endpoints.
func ErrorKind(err error) Kind {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether the disposition for this kind is "retry
// with backoff" per the error handling design (timeout, rate_limited,
// storage_unavailable are all retryable; contention and validation are not).
func IsRetryable(err error) bool {
	switch ErrorKind(err) {
	case KindTimeout, KindRateLimited, KindStorageUnavailable, KindAgentUnreachable:
		return true
	}
	return false
}

// IsNotFound reports a not_found disposition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
