package confidence

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"
)

// MaxConfidence is the ceiling any merged or boosted confidence may reach.
const MaxConfidence = 0.98

const (
	emptyPenalty       = 0.15
	placeholderPenalty = 0.10
	stalePenalty       = 0.10
	formatPenalty      = 0.10
	inferredPenalty    = 0.15
)

// DefaultMaxAge is the age after which a verified fact is considered stale.
const DefaultMaxAge = 365 * 24 * time.Hour

// ConfValue is a fact with its confidence and provenance.
type ConfValue[T any] struct {
	Value          T           `json:"value"`
	Confidence     float64     `json:"confidence"`
	Sources        []SourceRef `json:"sources"`
	Rationale      string      `json:"rationale,omitempty"`
	LastVerifiedAt *time.Time  `json:"last_verified_at,omitempty"`
	IsPlaceholder  bool        `json:"is_placeholder"`
}

// confValueJSON mirrors ConfValue without its MarshalJSON method.
type confValueJSON[T any] struct {
	Value          T           `json:"value"`
	Confidence     float64     `json:"confidence"`
	Sources        []SourceRef `json:"sources"`
	Rationale      string      `json:"rationale,omitempty"`
	LastVerifiedAt *time.Time  `json:"last_verified_at,omitempty"`
	IsPlaceholder  bool        `json:"is_placeholder"`
}

// MarshalJSON clamps the confidence so NaN or Inf never break encoding.
func (c ConfValue[T]) MarshalJSON() ([]byte, error) {
	sources := c.Sources
	if sources == nil {
		sources = []SourceRef{}
	}
	return json.Marshal(confValueJSON[T]{
		Value:          c.Value,
		Confidence:     normalize(c.Confidence),
		Sources:        sources,
		Rationale:      c.Rationale,
		LastVerifiedAt: c.LastVerifiedAt,
		IsPlaceholder:  c.IsPlaceholder,
	})
}

// Prominent reports whether the fact should be surfaced prominently.
func (c ConfValue[T]) Prominent() bool {
	return Prominence(c.Confidence) == LevelProminent
}

// WrapOptions tunes how Wrap attributes a value.
type WrapOptions struct {
	SourceID       string
	SourceURL      string
	Notes          string
	Rationale      string
	RetrievedAt    time.Time
	LastVerifiedAt *time.Time
	IsPlaceholder  bool
}

// Wrap attributes value to a single source of the given kind.
func Wrap[T any](value T, kind SourceKind, opts WrapOptions) ConfValue[T] {
	retrieved := opts.RetrievedAt
	if retrieved.IsZero() {
		retrieved = time.Now().UTC()
	}

	conf := BaseScore(kind)
	if IsEmpty(value) {
		conf -= emptyPenalty
	}
	if opts.IsPlaceholder {
		conf -= placeholderPenalty
	}

	return ConfValue[T]{
		Value:      value,
		Confidence: normalize(conf),
		Sources: []SourceRef{{
			Kind:        kind,
			ID:          opts.SourceID,
			URL:         opts.SourceURL,
			RetrievedAt: retrieved,
			Notes:       opts.Notes,
		}},
		Rationale:      opts.Rationale,
		LastVerifiedAt: opts.LastVerifiedAt,
		IsPlaceholder:  opts.IsPlaceholder,
	}
}

// Merge reconciles two observations of the same fact. The higher-confidence
// side is primary (ties favor a) unless it is a placeholder and the other
// side is not, in which case the real value is kept. Confidence is boosted
// by the number of distinct source kinds and capped at MaxConfidence.
func Merge[T any](a, b ConfValue[T]) ConfValue[T] {
	primary, secondary := a, b
	if normalize(b.Confidence) > normalize(a.Confidence) {
		primary, secondary = b, a
	}

	out := ConfValue[T]{
		Value:         primary.Value,
		Rationale:     primary.Rationale,
		IsPlaceholder: a.IsPlaceholder && b.IsPlaceholder,
	}
	if primary.IsPlaceholder && !secondary.IsPlaceholder {
		out.Value = secondary.Value
		out.Rationale = secondary.Rationale
	}

	out.Sources = unionSources(a.Sources, b.Sources)
	conf := normalize(primary.Confidence) + CorroborationBoost(DistinctKinds(out.Sources))
	out.Confidence = normalize(math.Min(conf, MaxConfidence))
	out.LastVerifiedAt = latest(a.LastVerifiedAt, b.LastVerifiedAt)
	return out
}

// CorroborationBoost returns the confidence bonus for a fact confirmed by
// the given number of distinct source kinds.
func CorroborationBoost(kinds int) float64 {
	switch {
	case kinds >= 4:
		return 0.20
	case kinds == 3:
		return 0.15
	case kinds == 2:
		return 0.08
	default:
		return 0
	}
}

// FieldCategory classifies whether a field can be independently verified.
type FieldCategory string

const (
	CategoryVerifiable FieldCategory = "verifiable"
	// CategoryInferred covers claims such as payment methods or amenities
	// that no external source can confirm.
	CategoryInferred FieldCategory = "inferred"
)

// Penalties describes the quality problems detected on a fact.
type Penalties struct {
	IsEmpty       bool
	IsStale       bool
	FormatInvalid bool
	Category      FieldCategory
}

// ApplyPenalties subtracts the penalties in p from conf. The inferred
// penalty only applies when every source is model generated.
func ApplyPenalties(conf float64, sources []SourceRef, p Penalties) float64 {
	conf = normalize(conf)
	if p.IsEmpty {
		conf -= emptyPenalty
	}
	if p.IsStale {
		conf -= stalePenalty
	}
	if p.FormatInvalid {
		conf -= formatPenalty
	}
	if p.Category == CategoryInferred && onlyKind(sources, SourceModelGenerated) {
		conf -= inferredPenalty
	}
	return normalize(conf)
}

// Penalize returns a copy of c with penalties applied.
func Penalize[T any](c ConfValue[T], p Penalties) ConfValue[T] {
	c.Confidence = ApplyPenalties(c.Confidence, c.Sources, p)
	return c
}

// IsStale reports whether lastVerified is older than maxAge at now. An
// unknown verification time is never stale.
func IsStale(lastVerified, now time.Time, maxAge time.Duration) bool {
	if lastVerified.IsZero() {
		return false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return now.Sub(lastVerified) > maxAge
}

// IsEmpty reports whether v is nil, a blank string, or an empty slice or map.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return len(strings.TrimSpace(rv.String())) == 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return true
		}
		return IsEmpty(rv.Elem().Interface())
	default:
		return false
	}
}

// normalize clamps to [0,1], maps NaN to 0 and rounds to two decimals.
func normalize(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return 1
	case math.IsInf(v, -1):
		return 0
	}
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*100) / 100
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.After(*a):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}
