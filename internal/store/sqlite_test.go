package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testParams(site string) model.Params {
	return model.Params{SiteID: site, OrgID: "org-1", BusinessName: "Acme Bakery", BusinessPhone: "555-0100"}
}

// --- Instances ---

func TestSQLite_CreateInstance_And_GetInstance(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inst, err := st.CreateInstance(ctx, testParams("site-1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollecting, inst.Status)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "Acme Bakery", got.Params.BusinessName)
	assert.Equal(t, model.StatusCollecting, got.Status)
	assert.Nil(t, got.Result)
}

func TestSQLite_GetInstance_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdateInstanceStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inst, err := st.CreateInstance(ctx, testParams("site-1"))
	require.NoError(t, err)

	require.NoError(t, st.UpdateInstanceStatus(ctx, inst.ID, model.StatusError, "step generate-html failed"))
	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "step generate-html failed", got.Error)

	err = st.UpdateInstanceStatus(ctx, "missing", model.StatusError, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_SetInstanceResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	inst, err := st.CreateInstance(ctx, testParams("site-1"))
	require.NoError(t, err)
	require.NoError(t, st.UpdateInstanceStatus(ctx, inst.ID, model.StatusError, "transient"))
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.NewDLQEntry(inst.ID, "site-1", "org-1", errors.New("x"), 3, 0, time.Now().UTC())))

	result := &model.Result{
		InstanceID: inst.ID,
		SiteID:     "site-1",
		Status:     model.StatusPublished,
		HTML:       "<html></html>",
		Quality:    0.82,
		Artifacts:  []string{"index.html", "privacy.html", "terms.html", "research.json"},
	}
	require.NoError(t, st.SetInstanceResult(ctx, inst.ID, result))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.Result)
	assert.InDelta(t, 0.82, got.Result.Quality, 1e-9)
	assert.Len(t, got.Result.Artifacts, 4)

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_ListInstances(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateInstance(ctx, testParams("site-a"))
	require.NoError(t, err)
	_, err = st.CreateInstance(ctx, testParams("site-b"))
	require.NoError(t, err)
	require.NoError(t, st.UpdateInstanceStatus(ctx, a.ID, model.StatusError, "boom"))

	all, err := st.ListInstances(ctx, model.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	errored, err := st.ListInstances(ctx, model.InstanceFilter{Status: model.StatusError})
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, a.ID, errored[0].ID)

	bySite, err := st.ListInstances(ctx, model.InstanceFilter{SiteID: "site-b"})
	require.NoError(t, err)
	require.Len(t, bySite, 1)
	assert.Equal(t, "site-b", bySite[0].Params.SiteID)

	limited, err := st.ListInstances(ctx, model.InstanceFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Step results ---

func TestSQLite_Steps_RoundTripBytes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, found, err := st.GetStep(ctx, "inst-1", "generate-html")
	require.NoError(t, err)
	assert.False(t, found)

	payload := []byte("\"<!doctype html>\\n<html></html>\"")
	require.NoError(t, st.PutStep(ctx, "inst-1", "generate-html", payload))

	got, found, err := st.GetStep(ctx, "inst-1", "generate-html")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, got)
}

func TestSQLite_Steps_WriteOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutStep(ctx, "inst-1", "score-quality", []byte(`{"overall":0.7}`)))
	require.NoError(t, st.PutStep(ctx, "inst-1", "score-quality", []byte(`{"overall":0.9}`)))

	got, _, err := st.GetStep(ctx, "inst-1", "score-quality")
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall":0.7}`, string(got))
}

func TestSQLite_Steps_IsolatedByInstance(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutStep(ctx, "inst-1", "research-brand", []byte(`{"palette":["#fff"]}`)))
	_, found, err := st.GetStep(ctx, "inst-2", "research-brand")
	require.NoError(t, err)
	assert.False(t, found)

	steps, err := st.ListSteps(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "research-brand", steps[0].Step)
	assert.Equal(t, len(`{"palette":["#fff"]}`), steps[0].Size)
}

func TestSQLite_Steps_ConcurrentPut(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range []string{"research-profile", "research-social", "research-brand", "research-selling-points", "research-images"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, st.PutStep(ctx, "inst-1", name, []byte(`{}`)))
		}(name)
	}
	wg.Wait()

	steps, err := st.ListSteps(ctx, "inst-1")
	require.NoError(t, err)
	assert.Len(t, steps, 5)
}

// --- Site status ---

func TestSQLite_SiteStatus_Upsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetSiteStatus(ctx, "site-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, st.UpdateStatus(ctx, "site-1", model.StatusGenerating))
	require.NoError(t, st.UpdateStatus(ctx, "site-1", model.StatusPublished))

	status, err := st.GetSiteStatus(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublished, status)
}

// --- Workflow log ---

func TestSQLite_Audit_AppendAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{
		OrgID: "org-1", EntityID: "site-1", Action: "step.succeeded",
		Metadata: map[string]any{"entity_id": "site-1", "instance_id": "inst-1", "step": "research-profile"},
	}))
	require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{
		OrgID: "org-1", EntityID: "site-1", Action: "step.attempt_failed",
		Metadata: map[string]any{"entity_id": "site-1", "instance_id": "inst-2", "attempt": 1},
	}))

	byInstance, err := st.ListAudit(ctx, AuditFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	require.Len(t, byInstance, 1)
	assert.Equal(t, "step.succeeded", byInstance[0].Action)
	assert.Equal(t, "research-profile", byInstance[0].Metadata["step"])
	assert.NotEmpty(t, byInstance[0].ID)

	byEntity, err := st.ListAudit(ctx, AuditFilter{EntityID: "site-1"})
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)
}

// --- Dead letter queue ---

func TestSQLite_DLQ_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := resilience.NewDLQEntry("inst-1", "site-1", "org-1", &resilience.TerminalStepError{Step: "generate-html", Attempts: 3, Err: errors.New("overloaded")}, 3, 0, now.Add(-time.Minute))
	later := resilience.NewDLQEntry("inst-2", "site-2", "org-1", errors.New("boom"), 3, time.Hour, now)
	require.NoError(t, st.EnqueueDLQ(ctx, due))
	require.NoError(t, st.EnqueueDLQ(ctx, later))

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: now})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inst-1", entries[0].InstanceID)
	assert.Equal(t, "generate-html", entries[0].FailedStep)
	assert.Equal(t, "transient", entries[0].ErrorType)

	permanentOnly, err := st.DequeueDLQ(ctx, resilience.DLQFilter{DueBefore: now.Add(2 * time.Hour), ErrorType: "permanent"})
	require.NoError(t, err)
	require.Len(t, permanentOnly, 1)
	assert.Equal(t, "inst-2", permanentOnly[0].InstanceID)

	require.NoError(t, st.RemoveDLQ(ctx, "inst-1"))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_DLQ_ReenqueueCountsRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Minute)

	entry := resilience.NewDLQEntry("inst-1", "site-1", "org-1", errors.New("boom"), 2, 0, now)
	require.NoError(t, st.EnqueueDLQ(ctx, entry))
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	require.NoError(t, st.EnqueueDLQ(ctx, entry))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "exhausted entries are not dequeued")
}

func TestSQLite_GetDLQ(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := st.GetDLQ(ctx, "inst-1")
	assert.ErrorIs(t, err, ErrNotFound)

	entry := resilience.NewDLQEntry("inst-1", "site-1", "org-1", errors.New("boom"), 3, time.Minute, now)
	require.NoError(t, st.EnqueueDLQ(ctx, entry))
	require.NoError(t, st.EnqueueDLQ(ctx, entry))

	got, err := st.GetDLQ(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextRetryAt.Equal(now.Add(time.Minute)))
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}
