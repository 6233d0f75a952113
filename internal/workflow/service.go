package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
	"github.com/sells-group/sitegen/internal/store"
)

// InstanceStore is the persistence the service needs.
type InstanceStore interface {
	CreateInstance(ctx context.Context, params model.Params) (*model.Instance, error)
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status model.Status, errMsg string) error
	SetInstanceResult(ctx context.Context, id string, result *model.Result) error
	ListAudit(ctx context.Context, filter store.AuditFilter) ([]model.AuditEntry, error)
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	GetDLQ(ctx context.Context, instanceID string) (*resilience.DLQEntry, error)
}

// ErrInvalidParams is returned by Start for incomplete requests.
var ErrInvalidParams = eris.New("workflow: invalid params")

// ErrInstanceRunning is returned by Resume while a run is in flight.
var ErrInstanceRunning = eris.New("workflow: instance is already running")

// ServiceConfig tunes the trigger surface.
type ServiceConfig struct {
	// MaxConcurrent bounds instances running at once in this process.
	MaxConcurrent int64
	// DLQMaxRetries and DLQBackoff schedule automatic retries of failed
	// instances.
	DLQMaxRetries int
	DLQBackoff    time.Duration
}

// Service starts, resumes and reports on workflow instances. Runs are
// detached from the caller's context and bounded by a semaphore.
type Service struct {
	engine *Engine
	store  InstanceStore
	cfg    ServiceConfig
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]chan struct{}
}

// NewService wires an engine to a store.
func NewService(engine *Engine, st InstanceStore, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.DLQMaxRetries <= 0 {
		cfg.DLQMaxRetries = 3
	}
	if cfg.DLQBackoff <= 0 {
		cfg.DLQBackoff = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:  engine,
		store:   st,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]chan struct{}),
	}
}

// PersistInstanceStatus returns an engine hook that writes stage
// transitions to st. The error status is left to the service, which
// records it together with the reason.
func PersistInstanceStatus(st InstanceStore) InstanceStatusFunc {
	return func(ctx context.Context, id string, status model.Status) error {
		if status == model.StatusError {
			return nil
		}
		return st.UpdateInstanceStatus(ctx, id, status, "")
	}
}

// ValidateParams checks the required request fields.
func ValidateParams(p model.Params) error {
	var missing []string
	if strings.TrimSpace(p.SiteID) == "" {
		missing = append(missing, "siteId")
	}
	if strings.TrimSpace(p.OrgID) == "" {
		missing = append(missing, "orgId")
	}
	if strings.TrimSpace(p.BusinessName) == "" {
		missing = append(missing, "businessName")
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrInvalidParams, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Start persists a new instance and runs it in the background. The
// returned id is used to poll Get.
func (s *Service) Start(ctx context.Context, params model.Params) (string, error) {
	if err := ValidateParams(params); err != nil {
		return "", err
	}
	inst, err := s.store.CreateInstance(ctx, params)
	if err != nil {
		return "", eris.Wrap(err, "workflow: create instance")
	}
	zap.L().Info("workflow: instance created",
		zap.String("instance", inst.ID),
		zap.String("site_id", params.SiteID),
	)
	done, _ := s.reserve(inst.ID)
	s.launch(*inst, done)
	return inst.ID, nil
}

// Run executes a new instance synchronously and returns its final state.
func (s *Service) Run(ctx context.Context, params model.Params) (*model.Instance, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	inst, err := s.store.CreateInstance(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: create instance")
	}
	done, _ := s.reserve(inst.ID)
	defer s.release(inst.ID, done)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "workflow: acquire slot")
	}
	defer s.sem.Release(1)
	s.execute(ctx, *inst)
	return s.store.GetInstance(context.WithoutCancel(ctx), inst.ID)
}

// Resume re-runs a persisted instance. Steps that already succeeded are
// served from the step cache. Published instances are left alone.
func (s *Service) Resume(ctx context.Context, id string) error {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "workflow: resume %s", id)
	}
	if inst.Status == model.StatusPublished {
		zap.L().Info("workflow: instance already published", zap.String("instance", id))
		return nil
	}
	done, ok := s.reserve(id)
	if !ok {
		return eris.Wrapf(ErrInstanceRunning, "workflow: resume %s", id)
	}
	if err := s.store.UpdateInstanceStatus(ctx, id, model.StatusCollecting, ""); err != nil {
		s.release(id, done)
		return eris.Wrapf(err, "workflow: reset %s", id)
	}
	inst.Status = model.StatusCollecting
	inst.Error = ""
	s.launch(*inst, done)
	return nil
}

// RetryDue resumes failed instances whose retry time has come. It returns
// how many were resumed.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	entries, err := s.store.DequeueDLQ(ctx, resilience.DLQFilter{
		ErrorType: "transient",
		DueBefore: time.Now().UTC(),
		Limit:     limit,
	})
	if err != nil {
		return 0, eris.Wrap(err, "workflow: dequeue dlq")
	}
	var n int
	for _, e := range entries {
		if err := s.Resume(ctx, e.InstanceID); err != nil {
			zap.L().Warn("workflow: dlq resume failed", zap.String("instance", e.InstanceID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Get returns the current state of an instance.
func (s *Service) Get(ctx context.Context, id string) (*model.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// List returns instances matching filter.
func (s *Service) List(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error) {
	return s.store.ListInstances(ctx, filter)
}

// Events returns the workflow log of one instance.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]model.AuditEntry, error) {
	return s.store.ListAudit(ctx, store.AuditFilter{InstanceID: id, Limit: limit})
}

// Done returns a channel closed when the instance's current run ends, or
// nil when it is not running in this process.
func (s *Service) Done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.running[id]; ok {
		return ch
	}
	return nil
}

// Wait blocks until every launched run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight runs and waits for them, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve claims the running slot for id. It reports false when another
// run already holds it.
func (s *Service) reserve(id string) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return nil, false
	}
	done := make(chan struct{})
	s.running[id] = done
	return done, true
}

func (s *Service) release(id string, done chan struct{}) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	close(done)
}

// launch runs inst in the background. The caller holds the slot from reserve.
func (s *Service) launch(inst model.Instance, done chan struct{}) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(inst.ID, done)

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.fail(context.WithoutCancel(s.ctx), inst, eris.Wrap(err, "workflow: acquire slot"))
			return
		}
		defer s.sem.Release(1)
		s.execute(s.ctx, inst)
	}()
}

// execute runs the engine and records the terminal state.
func (s *Service) execute(ctx context.Context, inst model.Instance) {
	result, err := s.engine.Run(ctx, inst)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		s.fail(bg, inst, err)
		return
	}
	if err := s.store.SetInstanceResult(bg, inst.ID, result); err != nil {
		zap.L().Error("workflow: persist result failed", zap.String("instance", inst.ID), zap.Error(err))
	}
}

func (s *Service) fail(ctx context.Context, inst model.Instance, err error) {
	if uerr := s.store.UpdateInstanceStatus(ctx, inst.ID, model.StatusError, err.Error()); uerr != nil {
		zap.L().Error("workflow: persist failure failed", zap.String("instance", inst.ID), zap.Error(uerr))
	}
	now := time.Now().UTC()
	entry := resilience.NewDLQEntry(inst.ID, inst.Params.SiteID, inst.Params.OrgID, err, s.cfg.DLQMaxRetries, s.cfg.DLQBackoff, now)
	// A repeat failure waits twice as long as the previous one.
	prev, gerr := s.store.GetDLQ(ctx, inst.ID)
	switch {
	case gerr == nil:
		entry.NextRetryAt = resilience.NextRetry(now, s.cfg.DLQBackoff, prev.RetryCount+1)
	case !errors.Is(gerr, store.ErrNotFound):
		zap.L().Warn("workflow: dlq lookup failed", zap.String("instance", inst.ID), zap.Error(gerr))
	}
	if derr := s.store.EnqueueDLQ(ctx, entry); derr != nil {
		zap.L().Warn("workflow: dlq enqueue failed", zap.String("instance", inst.ID), zap.Error(derr))
	}
}
