// Package store persists workflow instances, durable step results, site
// status, the workflow log and the dead letter queue.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// StepRecord is one persisted step result.
type StepRecord struct {
	InstanceID string    `json:"instance_id"`
	Step       string    `json:"step"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditFilter narrows workflow log listings. InstanceID matches the
// instance_id metadata key.
type AuditFilter struct {
	EntityID   string
	InstanceID string
	Limit      int
}

// Store defines the persistence interface for the generation workflow.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, params model.Params) (*model.Instance, error)
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status model.Status, errMsg string) error
	SetInstanceResult(ctx context.Context, id string, result *model.Result) error

	// Durable step results
	GetStep(ctx context.Context, instanceID, step string) ([]byte, bool, error)
	PutStep(ctx context.Context, instanceID, step string, result []byte) error
	ListSteps(ctx context.Context, instanceID string) ([]StepRecord, error)

	// Site status
	UpdateStatus(ctx context.Context, siteID string, status model.Status) error
	GetSiteStatus(ctx context.Context, siteID string) (model.Status, error)

	// Workflow log
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	GetDLQ(ctx context.Context, instanceID string) (*resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, instanceID string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
