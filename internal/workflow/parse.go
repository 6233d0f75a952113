package workflow

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/prompt"
	"github.com/sells-group/sitegen/internal/resilience"
)

// DefaultScore is substituted when quality scoring fails.
func DefaultScore() model.QualityScore {
	return model.QualityScore{Overall: 0.5, Default: true}
}

// ParseHTML strips fences and leading chatter from generated markup and
// checks that a document came back.
func ParseHTML(stepName, text string) (string, error) {
	html := prompt.StripFences(text)
	lower := strings.ToLower(html)
	idx := strings.Index(lower, "<!doctype html")
	if idx < 0 {
		idx = strings.Index(lower, "<html")
	}
	if idx < 0 {
		return "", resilience.NewValidationError(stepName, "output has no html document", nil)
	}
	html = html[idx:]
	if end := strings.LastIndex(strings.ToLower(html), "</html>"); end >= 0 {
		html = html[:end+len("</html>")]
	}
	return strings.TrimSpace(html), nil
}

var (
	overallKeys  = []string{"overall", "overall_score", "overallScore", "score", "quality"}
	categoryKeys = []string{"perCategory", "per_category", "categories", "scores"}

	overallText = regexp.MustCompile(`(?i)overall(?:\s+(?:quality|score))*\s*[:=\-]?\s*\**\s*([0-9]+(?:\.[0-9]+)?)\s*(?:(?:/|out of)\s*(10|100|1)\b)?`)
	bulletLine  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
)

// ParseScore reads a quality score from model output. JSON is tried first;
// free text is a best-effort fallback and the result is marked Degraded.
func ParseScore(stepName, text string) (model.QualityScore, error) {
	if raw := prompt.ExtractJSON(text); gjson.Valid(raw) && gjson.Parse(raw).IsObject() {
		if score, ok := scoreFromJSON(gjson.Parse(raw)); ok {
			return score, nil
		}
	}
	if score, ok := scoreFromText(text); ok {
		return score, nil
	}
	return model.QualityScore{}, resilience.NewValidationError(stepName, "no overall score in output", nil)
}

func scoreFromJSON(doc gjson.Result) (model.QualityScore, bool) {
	raw, found := math.NaN(), false
	for _, k := range overallKeys {
		v := doc.Get(k)
		switch v.Type {
		case gjson.Number:
			raw, found = v.Float(), true
		case gjson.String:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
				raw, found = f, true
			}
		}
		if found {
			break
		}
	}
	if !found {
		return model.QualityScore{}, false
	}
	o, ok := rescale(raw, 0)
	if !ok {
		return model.QualityScore{}, false
	}

	score := model.QualityScore{Overall: o}
	for _, k := range categoryKeys {
		cats := doc.Get(k)
		if !cats.IsObject() {
			continue
		}
		score.PerCategory = make(map[string]float64)
		cats.ForEach(func(key, value gjson.Result) bool {
			if v, ok := rescale(value.Float(), 0); ok && value.Type == gjson.Number {
				score.PerCategory[key.String()] = v
			}
			return true
		})
		break
	}
	score.Issues = stringList(doc.Get("issues"))
	score.Suggestions = stringList(doc.Get("suggestions"))
	return score, true
}

func stringList(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		s := item.String()
		if item.IsObject() {
			s = item.Get("description").String()
			if s == "" {
				s = item.Raw
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// scoreFromText scrapes "Overall: 7/10" style text and any bullet lists
// under Issues and Suggestions headings.
func scoreFromText(text string) (model.QualityScore, bool) {
	m := overallText.FindStringSubmatch(text)
	if m == nil {
		return model.QualityScore{}, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.QualityScore{}, false
	}
	var scale float64
	if m[2] != "" {
		scale, _ = strconv.ParseFloat(m[2], 64)
	}
	o, ok := rescale(v, scale)
	if !ok {
		return model.QualityScore{}, false
	}

	score := model.QualityScore{Overall: o, Degraded: true}
	var section *[]string
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(strings.TrimLeft(lower, "#* "), "issues"):
			section = &score.Issues
			continue
		case strings.HasPrefix(strings.TrimLeft(lower, "#* "), "suggestions"):
			section = &score.Suggestions
			continue
		}
		if section == nil {
			continue
		}
		if b := bulletLine.FindStringSubmatch(line); b != nil {
			*section = append(*section, strings.TrimSpace(b[1]))
		}
	}
	return score, true
}

// rescale maps a score onto [0,1]. Values above 1 are read as a 10 or 100
// point scale unless scale says which.
func rescale(v, scale float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	switch {
	case scale > 0:
		v /= scale
	case v <= 1:
	case v <= 10:
		v /= 10
	case v <= 100:
		v /= 100
	default:
		return 0, false
	}
	if v > 1 {
		return 0, false
	}
	return math.Round(v*100) / 100, true
}
