package prompt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sitegen/internal/resilience"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":{\"b\":2}}\nThanks!", `{"a":{"b":2}}`},
		{"no object", "no json here", "no json here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "<!doctype html><html></html>", StripFences("```html\n<!doctype html><html></html>\n```"))
	assert.Equal(t, "<html></html>", StripFences("  <html></html>  "))
}

type sample struct {
	Headline        string   `json:"headline"`
	Differentiators []string `json:"differentiators"`
}

const sampleSchema = `{
  "type": "object",
  "required": ["headline", "differentiators"],
  "properties": {
    "headline": {"type": "string", "minLength": 1},
    "differentiators": {"type": "array", "items": {"type": "string"}}
  }
}`

func TestDecode(t *testing.T) {
	got, err := Decode[sample]("research-selling-points", "```json\n{\"headline\":\"Fresh\",\"differentiators\":[\"local\"]}\n```", sampleSchema)
	require.NoError(t, err)
	assert.Equal(t, "Fresh", got.Headline)
	assert.Equal(t, []string{"local"}, got.Differentiators)
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "I could not find anything."},
		{"schema violation", `{"headline":""}`},
		{"type mismatch", `{"headline":"x","differentiators":"local"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode[sample]("research-selling-points", tt.in, sampleSchema)
			require.Error(t, err)
			var ve *resilience.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "research-selling-points", ve.Step)
			assert.False(t, resilience.IsPermanent(err))
		})
	}
}

func TestDecode_NoSchema(t *testing.T) {
	got, err := Decode[map[string]any]("x", `{"k":"v"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])
}
