package resilience

import (
	"time"
)

// DLQEntry represents a failed workflow instance that can be resumed later.
type DLQEntry struct {
	InstanceID   string    `json:"instance_id"`
	SiteID       string    `json:"site_id"`
	OrgID        string    `json:"org_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	FailedStep   string    `json:"failed_step,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	DueBefore time.Time
	Limit     int `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes a workflow failure as "transient" or
// "permanent". Exhausted steps are transient unless the cause was marked
// permanent; a resume may succeed once the upstream recovers.
func ClassifyError(err error) string {
	switch {
	case err == nil, IsPermanent(err):
		return "permanent"
	case IsTransient(err), IsTerminal(err):
		return "transient"
	default:
		return "permanent"
	}
}

// NewDLQEntry builds an entry for a failed instance. The first retry is
// scheduled after backoff.
func NewDLQEntry(instanceID, siteID, orgID string, err error, maxRetries int, backoff time.Duration, now time.Time) DLQEntry {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DLQEntry{
		InstanceID:   instanceID,
		SiteID:       siteID,
		OrgID:        orgID,
		Error:        msg,
		ErrorType:    ClassifyError(err),
		FailedStep:   FailedStep(err),
		MaxRetries:   maxRetries,
		NextRetryAt:  NextRetry(now, backoff, 0),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// NextRetry returns when the entry should be retried after retryCount
// failures, doubling backoff each time.
func NextRetry(now time.Time, backoff time.Duration, retryCount int) time.Time {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return now.Add(backoff * time.Duration(1<<retryCount))
}
