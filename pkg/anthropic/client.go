// Package anthropic wraps the Anthropic Messages API behind a single-turn
// completion interface the prompt runner can mock.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client sends one rendered prompt and returns the model's reply.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is a single-turn prompt.
type Request struct {
	Model     string
	MaxTokens int64
	System    string
	// CacheSystem marks the system prompt as a cache breakpoint. The
	// research context is repeated across the generation prompts of one
	// instance, so the 5-minute ephemeral TTL covers a run.
	CacheSystem bool
	User        string
	Temperature *float64
}

// Completion is the text reply and its accounting.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the reply hit the output token cap.
func (c *Completion) Truncated() bool {
	return c != nil && c.StopReason == "max_tokens"
}

// Usage counts tokens by kind.
type Usage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
}

// price is USD per million input and output tokens.
type price struct{ in, out float64 }

var prices = map[string]price{
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-1-20250805":   {15.00, 75.00},
}

// Cost estimates the USD cost of u on model. Cache writes bill at 1.25x
// input and cache reads at 0.1x. Unknown models cost 0.
func (u Usage) Cost(model string) float64 {
	p, ok := prices[model]
	if !ok {
		return 0
	}
	in := float64(u.Input) + 1.25*float64(u.CacheWrite) + 0.1*float64(u.CacheRead)
	return (in*p.in + float64(u.Output)*p.out) / 1e6
}

// Option customises the SDK client.
type Option = option.RequestOption

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return option.WithBaseURL(url)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. The SDK's own retries are
// disabled; the calling step owns the retry policy.
func NewClient(apiKey string, opts ...Option) Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &sdkClient{client: sdk.NewClient(append(base, opts...)...)}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	msg, err := c.client.Messages.New(ctx, newParams(req))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return completion(msg), nil
}

func newParams(req Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.User))},
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		params.System = []sdk.TextBlockParam{block}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params
}

func completion(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}

// StatusCode extracts the HTTP status from an SDK error, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
