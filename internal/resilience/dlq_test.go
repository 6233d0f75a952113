package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"one below max", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"plain error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
		{"exhausted step", &TerminalStepError{Step: "research-brand", Attempts: 3, Err: errors.New("x")}, "transient"},
		{"permanent step", &TerminalStepError{Step: "upload-artifacts", Attempts: 1, Err: Permanent(errors.New("denied"))}, "permanent"},
		{"nil", nil, "permanent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDLQEntry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cause := fmt.Errorf("stage 2: %w", &TerminalStepError{Step: "research-brand", Attempts: 3, Err: errors.New("timeout")})

	e := NewDLQEntry("inst-1", "site-1", "org-1", cause, 3, time.Minute, now)
	if e.FailedStep != "research-brand" {
		t.Errorf("expected failed step research-brand, got %q", e.FailedStep)
	}
	if e.ErrorType != "transient" {
		t.Errorf("expected transient, got %q", e.ErrorType)
	}
	if !e.NextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected next retry %v", e.NextRetryAt)
	}
	if !e.CanRetry() {
		t.Error("new entry should be retryable")
	}
}

func TestNextRetry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := NextRetry(now, time.Minute, 0); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("retry 0: got %v", got)
	}
	if got := NextRetry(now, time.Minute, 3); !got.Equal(now.Add(8 * time.Minute)) {
		t.Errorf("retry 3: got %v", got)
	}
	if got := NextRetry(now, time.Minute, -2); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("negative retry: got %v", got)
	}
}
