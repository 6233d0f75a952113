package confidence

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"
)

// DefaultOtherWeight applies to sections missing from the weight map.
const DefaultOtherWeight = 0.1

// DefaultSectionWeights favors identity and operations over media.
var DefaultSectionWeights = map[string]float64{
	"profile":        0.35,
	"identity":       0.30,
	"operations":     0.20,
	"offerings":      0.15,
	"trust":          0.10,
	"social":         0.10,
	"selling_points": 0.10,
	"brand":          0.05,
	"images":         0.05,
	"media":          0.05,
}

// AggregateConfidence computes the weighted mean confidence of every
// ConfValue-shaped node in tree, grouped by top-level key. Any object with
// a numeric "confidence" and a non-empty "sources" array is a leaf. Sections without
// leaves do not contribute. Returns 0 when the tree has no leaves or cannot
// be encoded.
func AggregateConfidence(tree any, weights map[string]float64) float64 {
	if weights == nil {
		weights = DefaultSectionWeights
	}

	raw, err := json.Marshal(tree)
	if err != nil || !gjson.ValidBytes(raw) {
		return 0
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return 0
	}

	var weighted, total float64
	root.ForEach(func(key, section gjson.Result) bool {
		var sum float64
		var n int
		collectLeaves(section, func(conf float64) {
			sum += conf
			n++
		})
		if n == 0 {
			return true
		}
		w, ok := weights[key.String()]
		if !ok {
			w = DefaultOtherWeight
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return true
		}
		weighted += w * (sum / float64(n))
		total += w
		return true
	})

	if total == 0 {
		return 0
	}
	return normalize(weighted / total)
}

func collectLeaves(node gjson.Result, visit func(float64)) {
	switch {
	case node.IsObject():
		conf := node.Get("confidence")
		sources := node.Get("sources")
		if conf.Type == gjson.Number && sources.IsArray() && len(sources.Array()) > 0 {
			visit(normalize(conf.Float()))
			return
		}
		node.ForEach(func(_, child gjson.Result) bool {
			collectLeaves(child, visit)
			return true
		})
	case node.IsArray():
		node.ForEach(func(_, child gjson.Result) bool {
			collectLeaves(child, visit)
			return true
		})
	}
}

// Level is a display tier derived from confidence.
type Level string

const (
	LevelProminent   Level = "prominent"
	LevelStandard    Level = "standard"
	LevelDeemphasize Level = "deemphasize"
	LevelHide        Level = "hide_or_placeholder"
)

// Prominence maps a confidence to the tier renderers use to decide what
// to surface.
func Prominence(conf float64) Level {
	conf = normalize(conf)
	switch {
	case conf >= 0.85:
		return LevelProminent
	case conf >= 0.70:
		return LevelStandard
	case conf >= 0.50:
		return LevelDeemphasize
	default:
		return LevelHide
	}
}
