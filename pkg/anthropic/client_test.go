package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageServer(t *testing.T, status int, body map[string]any, seen *map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)
	return ts
}

func okMessage(text, stop string) map[string]any {
	return map[string]any{
		"id":   "msg_001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-sonnet-4-5-20250929",
		"stop_reason": stop,
		"usage": map[string]any{
			"input_tokens":                120,
			"output_tokens":               40,
			"cache_creation_input_tokens": 2000,
			"cache_read_input_tokens":     0,
		},
	}
}

func TestComplete(t *testing.T) {
	ts := messageServer(t, http.StatusOK, okMessage("<!DOCTYPE html><html></html>", "end_turn"), nil)

	c, err := NewClient("test-key", WithBaseURL(ts.URL)).Complete(context.Background(), Request{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		User:      "Build a site for Acme.",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_001", c.ID)
	assert.Equal(t, "claude-sonnet-4-5-20250929", c.Model)
	assert.Equal(t, "<!DOCTYPE html><html></html>", c.Text)
	assert.False(t, c.Truncated())
	assert.Equal(t, Usage{Input: 120, Output: 40, CacheWrite: 2000}, c.Usage)
}

func TestComplete_SendsCachedSystemAndTemperature(t *testing.T) {
	var seen map[string]any
	ts := messageServer(t, http.StatusOK, okMessage("ok", "max_tokens"), &seen)

	temp := 0.2
	c, err := NewClient("test-key", WithBaseURL(ts.URL)).Complete(context.Background(), Request{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   64,
		System:      "You research local businesses.",
		CacheSystem: true,
		User:        "Acme Bakery",
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.True(t, c.Truncated())

	assert.InDelta(t, 0.2, seen["temperature"], 1e-9)
	system, ok := seen["system"].([]any)
	require.True(t, ok, "system should be sent as blocks")
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "You research local businesses.", block["text"])
	assert.Equal(t, "ephemeral", block["cache_control"].(map[string]any)["type"])

	msgs := seen["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestComplete_ErrorCarriesStatus(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
		})
	}))
	defer ts.Close()

	_, err := NewClient("test-key", WithBaseURL(ts.URL)).Complete(context.Background(), Request{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		User:      "Hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
	assert.Equal(t, 529, StatusCode(err))
	assert.Equal(t, 1, calls, "sdk retries are disabled")
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(assert.AnError))
	assert.Equal(t, 0, StatusCode(nil))
}

func TestNewParams(t *testing.T) {
	p := newParams(Request{Model: "m", MaxTokens: 10, User: "hi"})
	assert.Empty(t, p.System)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, sdk.MessageParamRoleUser, p.Messages[0].Role)

	p = newParams(Request{Model: "m", MaxTokens: 10, System: "sys", User: "hi"})
	require.Len(t, p.System, 1)
	assert.Equal(t, "sys", p.System[0].Text)
}

func TestUsage_Cost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage Usage
		want  float64
	}{
		{"sonnet", "claude-sonnet-4-5-20250929", Usage{Input: 1_000_000, Output: 1_000_000}, 18.00},
		{"haiku", "claude-haiku-4-5-20251001", Usage{Input: 1_000_000, Output: 1_000_000}, 6.00},
		{"cache write", "claude-sonnet-4-5-20250929", Usage{CacheWrite: 1_000_000}, 3.75},
		{"cache read", "claude-sonnet-4-5-20250929", Usage{CacheRead: 1_000_000}, 0.30},
		{"unknown model", "gpt-x", Usage{Input: 1_000_000}, 0},
		{"zero", "claude-opus-4-1-20250805", Usage{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.Cost(tt.model), 1e-9)
		})
	}
}

func TestCompletion_TruncatedNil(t *testing.T) {
	var c *Completion
	assert.False(t, c.Truncated())
}
