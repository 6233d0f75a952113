// Package audit records workflow progress events. Recording is
// fire-and-forget: it never blocks the caller and never returns an error.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/model"
)

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// Log is the workflow log used by the engine.
type Log interface {
	Record(ctx context.Context, orgID, entityID, action string, metadata map[string]any)
}

// DefaultBuffer is the number of entries Async holds before dropping.
const DefaultBuffer = 1024

const sinkTimeout = 5 * time.Second

// Async buffers entries on a channel and writes them to a Sink from a
// single background goroutine. Entries are dropped when the buffer is full.
type Async struct {
	sink Sink
	ch   chan model.AuditEntry
	done chan struct{}
	now  func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts an Async log writing to sink. A nil sink only mirrors
// entries to the zap logger.
func NewAsync(sink Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	a := &Async{
		sink: sink,
		ch:   make(chan model.AuditEntry, buffer),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go a.run()
	return a
}

// Record enqueues an entry. metadata is copied and always carries
// entity_id.
func (a *Async) Record(_ context.Context, orgID, entityID, action string, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("audit: record panicked", zap.Any("panic", r))
		}
	}()

	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["entity_id"] = entityID

	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		EntityID:  entityID,
		Action:    action,
		Metadata:  meta,
		CreatedAt: a.now().UTC(),
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case a.ch <- entry:
	default:
		metrics.AuditDropped.Inc()
		zap.L().Debug("audit: buffer full, dropping entry",
			zap.String("action", action),
			zap.String("entity_id", entityID),
		)
	}
}

// Close stops accepting entries and waits for queued ones to be written,
// or for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for entry := range a.ch {
		zap.L().Debug("audit: "+entry.Action,
			zap.String("org_id", entry.OrgID),
			zap.String("entity_id", entry.EntityID),
			zap.Any("metadata", entry.Metadata),
		)
		if a.sink == nil {
			continue
		}
		a.write(entry)
	}
}

func (a *Async) write(entry model.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditDropped.Inc()
			zap.L().Warn("audit: sink panicked", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := a.sink.AppendAudit(ctx, entry); err != nil {
		metrics.AuditDropped.Inc()
		zap.L().Warn("audit: sink write failed",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}

// Nop discards every entry.
type Nop struct{}

// Record implements Log.
func (Nop) Record(context.Context, string, string, string, map[string]any) {}
