// Package fault defines the failure taxonomy the pipeline classifies every
// error into. The retry engine and the stage router dispatch on Kind, never
// on error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindInputMissing        Kind = "input_missing"
	KindTemplateMissing     Kind = "template_missing"
	KindRateLimit           Kind = "rate_limit"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTimeout             Kind = "timeout"
	KindAuthentication      Kind = "authentication"
	KindModelNotFound       Kind = "model_not_found"
	KindInvalidRequest      Kind = "invalid_request"
	KindParseFailure        Kind = "parse_failure"
	KindArtifactIO          Kind = "artifact_io"
	KindFallbackExhausted   Kind = "fallback_exhausted"
	KindCancelled           Kind = "cancelled"
	KindUnknown             Kind = "unknown"
)

// Retryable reports whether failures of this kind are worth retrying.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindProviderUnavailable, KindTimeout, KindParseFailure, KindArtifactIO:
		return true
	}
	return false
}

// Error is a classified failure. Stage and Attempts are filled in as the
// error propagates up through the retry engine and orchestrator.
type Error struct {
	Kind       Kind
	Message    string
	StageID    int
	StageName  string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: %s (after %d attempts)", e.Kind, msg, e.Attempts)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error under the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// AttemptError records one failed (provider, model) choice during fallback.
type AttemptError struct {
	Provider string
	Model    string
	Err      error
}

// ExhaustedError is returned by the stage router when every routed choice
// failed. It carries the individual attempt errors for diagnostics.
type ExhaustedError struct {
	StageID  int
	Attempts []AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err)
	}
	return fmt.Sprintf("%s: all %d choices for stage %d failed: %s",
		KindFallbackExhausted, len(e.Attempts), e.StageID, strings.Join(parts, "; "))
}

// KindOf classifies an arbitrary error. Classified errors report their own
// kind; context errors map to Cancelled/Timeout; everything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return KindFallbackExhausted
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether the error's kind is retryable.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsCancelled reports whether the error stems from cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
