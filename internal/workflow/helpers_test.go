package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/objectstore"
	"github.com/sells-group/sitegen/internal/prompt"
	"github.com/sells-group/sitegen/internal/step"
)

const (
	pageV1 = "<!doctype html><html><body>v1</body></html>"
	pageV2 = "<html><body>v2</body></html>"
)

type handler func(ctx context.Context, vars map[string]any) (string, error)

// fakeRunner answers prompts by id and counts calls.
type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]handler
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls: make(map[string]int),
		handlers: map[string]handler{
			StepResearchProfile:       text(`{"business_name":"Acme Bakery","business_type":"bakery","services":[{"name":"bread"}],"payment_methods":["cash"]}`),
			StepResearchSocial:        text(`{"profiles":[{"platform":"instagram","url":"https://instagram.com/acme"}],"website":"https://acme.example","rating":4.7,"review_count":120}`),
			StepResearchBrand:         text(`{"palette":["#f4e1c1","#6b3e26"],"tone":"warm"}`),
			StepResearchSellingPoints: text("```json\n{\"headline\":\"Baked fresh daily\",\"category\":\"bakery\",\"differentiators\":[\"family owned\"]}\n```"),
			StepResearchImages:        text(`{"hero":[{"url":"https://stock.example/bread.jpg","origin":"stock"}]}`),
			StepGenerateHTML:          generateHandler(),
			StepGeneratePrivacy:       text("<html><body>privacy</body></html>"),
			StepGenerateTerms:         text("Here are your terms:\n<html><body>terms</body></html>"),
			StepScoreQuality:          scores(`{"overall":0.8,"issues":[],"suggestions":[]}`),
		},
	}
}

func (f *fakeRunner) set(id string, h handler) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[id] = h
	return f
}

func (f *fakeRunner) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeRunner) Run(ctx context.Context, id, _ string, vars map[string]any) (prompt.Output, error) {
	f.mu.Lock()
	f.calls[id]++
	h := f.handlers[id]
	f.mu.Unlock()
	if h == nil {
		return prompt.Output{}, errors.New("no handler for " + id)
	}
	out, err := h(ctx, vars)
	if err != nil {
		return prompt.Output{}, err
	}
	return prompt.Output{Text: out, Model: "test-model"}, nil
}

func text(s string) handler {
	return func(context.Context, map[string]any) (string, error) { return s, nil }
}

func failing(msg string) handler {
	return func(context.Context, map[string]any) (string, error) { return "", errors.New(msg) }
}

func blocking() handler {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// generateHandler returns v1 for the first generation and v2 whenever
// feedback is supplied.
func generateHandler() handler {
	return func(_ context.Context, vars map[string]any) (string, error) {
		if fb, _ := vars["feedback"].(*Feedback); fb != nil {
			return pageV2, nil
		}
		return "```html\n" + pageV1 + "\n```", nil
	}
}

// scores replays responses in order, repeating the last one.
func scores(responses ...string) handler {
	var n atomic.Int64
	return func(context.Context, map[string]any) (string, error) {
		i := int(n.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		return responses[i], nil
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []model.Status
	failOn   model.Status
}

func (s *statusLog) UpdateStatus(_ context.Context, _ string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if status == s.failOn {
		return errors.New("status backend unavailable")
	}
	return nil
}

func (s *statusLog) all() []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.statuses...)
}

func (s *statusLog) last() model.Status {
	all := s.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// flakyObjects fails the first n puts.
type flakyObjects struct {
	*objectstore.Memory
	failures atomic.Int64
}

func (f *flakyObjects) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.Memory.Put(ctx, key, content, contentType)
}

func fastPolicies() Policies {
	p := func(n int) step.Policy {
		return step.Policy{MaxAttempts: n, BaseDelay: time.Millisecond, BackoffMultiplier: 1, Timeout: 2 * time.Second}
	}
	return Policies{Research: p(3), HTML: p(3), Legal: p(3), Scoring: p(2), Upload: p(3), Publish: p(5)}
}

type fixture struct {
	runner  *fakeRunner
	cache   *step.MemoryCache
	objects *objectstore.Memory
	status  *statusLog
	engine  *Engine
}

func newFixture(t *testing.T, runner *fakeRunner, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		runner:  runner,
		cache:   step.NewMemoryCache(),
		objects: objectstore.NewMemory(),
		status:  &statusLog{},
	}
	base := []Option{
		WithPolicies(fastPolicies()),
		WithStatusSink(f.status),
		WithClock(func() time.Time { return testTime }),
	}
	e, err := NewEngine(runner, f.cache, f.objects, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	return f
}

var testTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testInstance() model.Instance {
	return model.Instance{
		ID: "inst-1",
		Params: model.Params{
			SiteID:          "site-1",
			OrgID:           "org-1",
			BusinessName:    "ACME BAKERY",
			BusinessAddress: "1 Main St, Springfield",
			BusinessPhone:   "555-0100",
		},
		Status:    model.StatusCollecting,
		CreatedAt: testTime,
	}
}
