package prompt

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/resilience"
	"github.com/sells-group/sitegen/pkg/anthropic"
)

// Output is the text a prompt produced and the model that produced it.
type Output struct {
	Text  string               `json:"text"`
	Model string               `json:"model"`
	Usage anthropic.Usage `json:"usage"`
}

// Runner executes a named, versioned prompt. An empty version selects the
// latest registered version.
type Runner interface {
	Run(ctx context.Context, promptID, version string, vars map[string]any) (Output, error)
}

// Defaults applied when a prompt definition leaves them unset.
const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = int64(8192)
)

// AnthropicRunner runs registry prompts against the Anthropic Messages API.
type AnthropicRunner struct {
	client    anthropic.Client
	registry  *Registry
	breakers  *resilience.Breakers
	limiter   *rate.Limiter
	model     string
	maxTokens int64
}

// RunnerOption configures an AnthropicRunner.
type RunnerOption func(*AnthropicRunner)

// WithDefaultModel sets the model used when a prompt does not name one.
func WithDefaultModel(model string) RunnerOption {
	return func(r *AnthropicRunner) {
		if model != "" {
			r.model = model
		}
	}
}

// WithMaxTokens sets the default output token cap.
func WithMaxTokens(n int64) RunnerOption {
	return func(r *AnthropicRunner) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithRateLimit caps requests per second across all prompts.
func WithRateLimit(perSecond float64, burst int) RunnerOption {
	return func(r *AnthropicRunner) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithBreakers sets the per-model circuit breakers.
func WithBreakers(b *resilience.Breakers) RunnerOption {
	return func(r *AnthropicRunner) {
		if b != nil {
			r.breakers = b
		}
	}
}

// NewAnthropicRunner creates a runner over client and registry.
func NewAnthropicRunner(client anthropic.Client, registry *Registry, opts ...RunnerOption) *AnthropicRunner {
	r := &AnthropicRunner{
		client:    client,
		registry:  registry,
		breakers:  resilience.NewBreakers(resilience.NewBreakerConfig(0, 0)),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run renders the prompt and sends one request. It does not retry; the
// calling step owns the retry policy. Errors the provider will never
// accept are marked permanent.
func (r *AnthropicRunner) Run(ctx context.Context, promptID, version string, vars map[string]any) (out Output, err error) {
	tmpl, err := r.registry.Lookup(promptID, version)
	if err != nil {
		return Output{}, resilience.Permanent(err)
	}
	rendered, err := tmpl.Render(vars)
	if err != nil {
		return Output{}, resilience.Permanent(err)
	}

	model := tmpl.Model
	if model == "" {
		model = r.model
	}
	maxTokens := tmpl.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}

	ctx, span := metrics.StartPromptSpan(ctx, tmpl.ID, tmpl.Version, model)
	defer func() { metrics.EndSpan(span, err) }()

	if err := r.limiter.Wait(ctx); err != nil {
		return Output{}, eris.Wrap(err, "prompt: rate limit wait")
	}

	req := anthropic.Request{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      rendered.System,
		CacheSystem: rendered.System != "",
		User:        rendered.User,
		Temperature: tmpl.Temperature,
	}

	start := time.Now()
	resp, err := resilience.Guard(ctx, r.breakers.For("anthropic:"+model), func(ctx context.Context) (*anthropic.Completion, error) {
		resp, err := r.client.Complete(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		return Output{}, eris.Wrapf(err, "prompt: run %s@%s", tmpl.ID, tmpl.Version)
	}

	metrics.PromptTokens.WithLabelValues(tmpl.ID, "input").Add(float64(resp.Usage.Input))
	metrics.PromptTokens.WithLabelValues(tmpl.ID, "output").Add(float64(resp.Usage.Output))
	zap.L().Info("prompt: completed",
		zap.String("prompt", tmpl.ID),
		zap.String("version", tmpl.Version),
		zap.String("model", model),
		zap.String("stop_reason", resp.StopReason),
		zap.Int64("input_tokens", resp.Usage.Input),
		zap.Int64("output_tokens", resp.Usage.Output),
		zap.Float64("estimated_cost_usd", resp.Usage.Cost(model)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if resp.Truncated() {
		zap.L().Warn("prompt: output hit max tokens", zap.String("prompt", tmpl.ID), zap.Int64("max_tokens", maxTokens))
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Output{}, resilience.NewValidationError("", "empty model output", nil)
	}
	if resp.Model != "" {
		model = resp.Model
	}
	return Output{Text: text, Model: model, Usage: resp.Usage}, nil
}

// classify maps provider failures onto the retry taxonomy: throttling and
// server errors are transient; other client errors are permanent.
func classify(err error) error {
	code := anthropic.StatusCode(err)
	switch {
	case code == 0:
		return err
	case resilience.IsTransientHTTPStatus(code):
		return &resilience.TransientError{Err: err, StatusCode: code}
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		return resilience.Permanent(err)
	default:
		return err
	}
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, promptID, version string, vars map[string]any) (Output, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, promptID, version string, vars map[string]any) (Output, error) {
	return f(ctx, promptID, version, vars)
}
