// Package step runs named units of work with retry, backoff, per-attempt
// timeouts and a durable result cache, so a resumed workflow never repeats
// a step that already succeeded.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/resilience"
)

// State is the lifecycle state of one step execution.
type State string

const (
	StatePending         State = "pending"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
)

// Workflow log actions emitted by the executor.
const (
	ActionCacheHit      = "step.cache_hit"
	ActionAttemptFailed = "step.attempt_failed"
	ActionSucceeded     = "step.succeeded"
	ActionFailed        = "step.failed"
)

// ErrStepInFlight is returned when a step name is re-entered while an
// execution of the same name is still running in the same instance.
var ErrStepInFlight = eris.New("step: already running in this instance")

// Cache persists successful step results keyed by instance and step name.
// A missing entry returns found=false and no error.
type Cache interface {
	GetStep(ctx context.Context, instanceID, step string) (result []byte, found bool, err error)
	PutStep(ctx context.Context, instanceID, step string, result []byte) error
}

// Recorder receives workflow log entries. Implementations must not block.
type Recorder interface {
	Record(ctx context.Context, orgID, entityID, action string, metadata map[string]any)
}

// Execution is a snapshot of one named step.
type Execution struct {
	Name        string        `json:"name"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	State       State         `json:"state"`
	Cached      bool          `json:"cached"`
	LastError   string        `json:"last_error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Executor runs steps for a single workflow instance.
type Executor struct {
	instanceID string
	orgID      string
	entityID   string
	cache      Cache
	recorder   Recorder
	log        *zap.Logger

	mu    sync.Mutex
	execs map[string]*Execution
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder reports step progress to rec under the given org and entity.
func WithRecorder(rec Recorder, orgID, entityID string) Option {
	return func(e *Executor) {
		e.recorder = rec
		e.orgID = orgID
		e.entityID = entityID
	}
}

// NewExecutor creates an executor for instanceID backed by cache.
func NewExecutor(instanceID string, cache Cache, opts ...Option) *Executor {
	e := &Executor{
		instanceID: instanceID,
		cache:      cache,
		execs:      make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.entityID == "" {
		e.entityID = instanceID
	}
	e.log = zap.L().With(zap.String("instance", instanceID))
	return e
}

// InstanceID returns the instance this executor is bound to.
func (e *Executor) InstanceID() string { return e.instanceID }

// Executions returns a snapshot of every step seen by this executor.
func (e *Executor) Executions() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.execs))
	for _, ex := range e.execs {
		out = append(out, *ex)
	}
	return out
}

// Execution returns the snapshot for one step.
func (e *Executor) Execution(name string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.execs[name]
	if !ok {
		return Execution{}, false
	}
	return *ex, true
}

// ExecuteRaw runs fn under policy unless a cached result exists for name,
// in which case the cached bytes are returned unchanged. Failures after the
// last attempt are returned as *resilience.TerminalStepError.
func (e *Executor) ExecuteRaw(ctx context.Context, name string, policy Policy, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := policy.Validate(); err != nil {
		return nil, eris.Wrapf(err, "step %s", name)
	}
	if err := e.begin(name, policy); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := metrics.StartStepSpan(ctx, e.instanceID, name, policy.MaxAttempts)

	cached, found, err := e.cache.GetStep(ctx, e.instanceID, name)
	if err != nil {
		err = &resilience.TerminalStepError{Step: name, Err: eris.Wrap(err, "step: read cache")}
		e.finish(name, StateFailedTerminal, err, start)
		metrics.StepAttempts.WithLabelValues(name, metrics.OutcomeTerminal).Inc()
		metrics.EndSpan(span, err)
		return nil, err
	}
	if found {
		e.mu.Lock()
		e.execs[name].Cached = true
		e.mu.Unlock()
		e.finish(name, StateSucceeded, nil, start)
		metrics.StepAttempts.WithLabelValues(name, metrics.OutcomeCached).Inc()
		e.record(ctx, ActionCacheHit, name, nil)
		metrics.EndSpan(span, nil)
		return cached, nil
	}

	var attempts int
	result, err := resilience.Retry(ctx, policy, func(ctx context.Context) ([]byte, error) {
		attempts++
		e.setAttempt(name, attempts)
		out, err := e.attempt(ctx, name, attempts, policy.Timeout, fn)
		if err == nil {
			if perr := e.cache.PutStep(ctx, e.instanceID, name, out); perr != nil {
				err = eris.Wrap(perr, "step: persist result")
			}
		}
		if err != nil {
			outcome := metrics.OutcomeRetry
			var te *resilience.TimeoutError
			if errors.As(err, &te) {
				outcome = metrics.OutcomeTimeout
			}
			metrics.StepAttempts.WithLabelValues(name, outcome).Inc()
			e.setState(name, StateFailedRetryable, err)
			e.record(ctx, ActionAttemptFailed, name, map[string]any{
				"attempt":      attempts,
				"max_attempts": policy.MaxAttempts,
				"error":        err.Error(),
			})
			e.log.Warn("step: attempt failed",
				zap.String("step", name),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Error(err),
			)
			return nil, err
		}
		return out, nil
	}, resilience.RetryIf(resilience.IsRetryable))
	metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		terr := &resilience.TerminalStepError{Step: name, Attempts: attempts, Err: err}
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			terr.Err = eris.Wrapf(ctx.Err(), "step: cancelled after %v", err)
		}
		e.finish(name, StateFailedTerminal, terr, start)
		metrics.StepAttempts.WithLabelValues(name, metrics.OutcomeTerminal).Inc()
		e.record(ctx, ActionFailed, name, map[string]any{
			"attempts": attempts,
			"error":    terr.Error(),
		})
		e.log.Error("step: failed terminally",
			zap.String("step", name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		metrics.EndSpan(span, terr)
		return nil, terr
	}

	e.finish(name, StateSucceeded, nil, start)
	metrics.StepAttempts.WithLabelValues(name, metrics.OutcomeSuccess).Inc()
	e.record(ctx, ActionSucceeded, name, map[string]any{
		"attempts":    attempts,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	e.log.Debug("step: succeeded", zap.String("step", name), zap.Int("attempts", attempts))
	metrics.EndSpan(span, nil)
	return result, nil
}

// Execute runs fn like ExecuteRaw, storing its result as JSON. A cached
// result is decoded without calling fn.
func Execute[T any](ctx context.Context, e *Executor, name string, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := e.ExecuteRaw(ctx, name, policy, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrapf(err, "step: encode %s result", name))
		}
		return b, nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, &resilience.TerminalStepError{Step: name, Err: eris.Wrap(err, "step: decode cached result")}
	}
	return out, nil
}

// attempt runs fn once, bounded by timeout. The work keeps running in its
// goroutine after a timeout, but its result is discarded.
func (e *Executor) attempt(ctx context.Context, name string, n int, timeout time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: eris.Errorf("step: %s panicked: %v", name, r)}
			}
		}()
		out, err := fn(actx)
		done <- result{out: out, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
	}

	select {
	case r := <-done:
		if r.err != nil && timedOut() {
			return nil, &resilience.TimeoutError{Step: name, Attempt: n, Timeout: timeout}
		}
		return r.out, r.err
	case <-actx.Done():
		if timedOut() {
			return nil, &resilience.TimeoutError{Step: name, Attempt: n, Timeout: timeout}
		}
		return nil, ctx.Err()
	}
}

func (e *Executor) begin(name string, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.execs[name]; ok && ex.State == StateRunning {
		return eris.Wrapf(ErrStepInFlight, "step %s", name)
	}
	e.execs[name] = &Execution{
		Name:        name,
		MaxAttempts: policy.MaxAttempts,
		State:       StateRunning,
		StartedAt:   time.Now().UTC(),
	}
	return nil
}

func (e *Executor) setAttempt(name string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.execs[name]; ok {
		ex.Attempt = n
		ex.State = StateRunning
	}
}

func (e *Executor) setState(name string, state State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.execs[name]; ok {
		ex.State = state
		if err != nil {
			ex.LastError = err.Error()
		}
	}
}

func (e *Executor) finish(name string, state State, err error, start time.Time) {
	e.setState(name, state, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.execs[name]; ok {
		ex.Duration = time.Since(start)
	}
}

// record forwards to the recorder. A panicking recorder never fails a step.
func (e *Executor) record(ctx context.Context, action, name string, meta map[string]any) {
	if e.recorder == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]any, 3)
	}
	meta["entity_id"] = e.entityID
	meta["instance_id"] = e.instanceID
	meta["step"] = name

	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("step: recorder panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	e.recorder.Record(ctx, e.orgID, e.entityID, action, meta)
}
