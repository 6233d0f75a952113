package prompt

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/sitegen/internal/resilience"
)

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[<") {
		text = text[nl+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// ExtractJSON strips markdown fences and returns the outermost JSON object
// in text.
func ExtractJSON(text string) string {
	text = StripFences(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// Decode extracts JSON from model output, validates it against schema and
// decodes it into T. An empty schema skips validation. Any failure is a
// ValidationError for step.
func Decode[T any](step, text, schema string) (T, error) {
	var zero T
	raw := ExtractJSON(text)
	if !json.Valid([]byte(raw)) {
		return zero, resilience.NewValidationError(step, "output is not valid JSON", nil)
	}

	if schema != "" {
		result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewStringLoader(raw))
		if err != nil {
			return zero, resilience.Permanent(resilience.NewValidationError(step, "schema check failed", err))
		}
		if !result.Valid() {
			errs := make([]string, len(result.Errors()))
			for i, desc := range result.Errors() {
				errs[i] = desc.String()
			}
			return zero, resilience.NewValidationError(step, "schema: "+strings.Join(errs, "; "), nil)
		}
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, resilience.NewValidationError(step, "decode", err)
	}
	return out, nil
}
