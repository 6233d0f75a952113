package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/step"
)

var _ step.Recorder = (*Async)(nil)
var _ Log = Nop{}

type memSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
	block   chan struct{}
}

func (m *memSink) AppendAudit(_ context.Context, e model.AuditEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) snapshot() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.entries...)
}

func TestAsync_WritesEntriesWithEntityID(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	log := NewAsync(sink, 16)

	meta := map[string]any{"step": "research-profile"}
	log.Record(context.Background(), "org-1", "site-1", "step.succeeded", meta)
	log.Record(context.Background(), "org-1", "site-1", "workflow.published", nil)
	require.NoError(t, log.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "step.succeeded", got[0].Action)
	assert.Equal(t, "org-1", got[0].OrgID)
	assert.Equal(t, "site-1", got[0].Metadata["entity_id"])
	assert.Equal(t, "research-profile", got[0].Metadata["step"])
	assert.Equal(t, "site-1", got[1].Metadata["entity_id"])
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	_, mutated := meta["entity_id"]
	assert.False(t, mutated, "caller metadata must not be modified")
}

func TestAsync_NeverBlocksWhenFull(t *testing.T) {
	t.Parallel()
	sink := &memSink{block: make(chan struct{})}
	log := NewAsync(sink, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			log.Record(context.Background(), "org-1", "site-1", "step.attempt_failed", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	close(sink.block)
	require.NoError(t, log.Close(context.Background()))
	assert.LessOrEqual(t, len(sink.snapshot()), 3)
}

func TestAsync_SinkErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	sink := &memSink{err: errors.New("db down")}
	log := NewAsync(sink, 4)

	assert.NotPanics(t, func() {
		log.Record(context.Background(), "org-1", "site-1", "step.failed", map[string]any{"error": "x"})
	})
	require.NoError(t, log.Close(context.Background()))
	assert.Empty(t, sink.snapshot())
}

func TestAsync_RecordAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	log := NewAsync(sink, 4)
	require.NoError(t, log.Close(context.Background()))
	require.NoError(t, log.Close(context.Background()))

	assert.NotPanics(t, func() {
		log.Record(context.Background(), "org-1", "site-1", "late", nil)
	})
	assert.Empty(t, sink.snapshot())
}

func TestAsync_CloseHonorsContext(t *testing.T) {
	t.Parallel()
	sink := &memSink{block: make(chan struct{})}
	log := NewAsync(sink, 4)
	log.Record(context.Background(), "org-1", "site-1", "slow", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, log.Close(ctx), context.DeadlineExceeded)
	close(sink.block)
}

func TestAsync_NilSinkOnlyLogs(t *testing.T) {
	t.Parallel()
	log := NewAsync(nil, 0)
	log.Record(context.Background(), "org-1", "site-1", "step.cache_hit", nil)
	require.NoError(t, log.Close(context.Background()))
}
