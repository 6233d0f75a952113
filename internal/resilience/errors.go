package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"overloaded",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}

// ValidationError reports step output that could not be parsed or failed
// validation. The step executor retries it.
type ValidationError struct {
	Step   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	prefix := "validation failed"
	if e.Step != "" {
		prefix = e.Step + ": validation failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return prefix + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError. step may be empty when the
// caller does not know which step produced the output.
func NewValidationError(step, reason string, err error) *ValidationError {
	return &ValidationError{Step: step, Reason: reason, Err: err}
}

// TimeoutError reports an attempt that exceeded its per-attempt timeout.
type TimeoutError struct {
	Step    string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: attempt %d timed out after %s", e.Step, e.Attempt, e.Timeout)
}

// TerminalStepError is returned once a step has exhausted its attempts or
// failed permanently. It always carries the step name.
type TerminalStepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *TerminalStepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *TerminalStepError) Unwrap() error { return e.Err }

// NonFatalScoringError records a scoring failure that was replaced by the
// default score.
type NonFatalScoringError struct {
	Err error
}

func (e *NonFatalScoringError) Error() string {
	return "quality scoring failed, using default score: " + e.Err.Error()
}

func (e *NonFatalScoringError) Unwrap() error { return e.Err }

// RegenerationError records a failed regeneration pass. The previous output
// is kept.
type RegenerationError struct {
	Err error
}

func (e *RegenerationError) Error() string {
	return "regeneration failed, keeping original output: " + e.Err.Error()
}

func (e *RegenerationError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry loops stop on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsRetryable is the retry predicate used by the step executor: every
// failure is retried except permanent errors and cancellation.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsTerminal reports whether err ended a step.
func IsTerminal(err error) bool {
	var te *TerminalStepError
	return errors.As(err, &te)
}

// FailedStep returns the step name carried by err, if any.
func FailedStep(err error) string {
	var te *TerminalStepError
	if errors.As(err, &te) {
		return te.Step
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Step
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return to.Step
	}
	return ""
}
