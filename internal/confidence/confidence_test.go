package confidence

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWrap_BaseScores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		value       any
		kind        SourceKind
		placeholder bool
		want        float64
	}{
		{"owner", "Acme Bakery", SourceOwnerProvided, false, 0.95},
		{"mapping", "Acme Bakery", SourceMappingService, false, 0.92},
		{"model", "Acme Bakery", SourceModelGenerated, false, 0.50},
		{"stock", "hero.jpg", SourceStockAsset, false, 0.30},
		{"unknown kind", "x", SourceKind("carrier_pigeon"), false, 0.40},
		{"empty string", "", SourceOwnerProvided, false, 0.80},
		{"blank string", "   ", SourceUserProvided, false, 0.75},
		{"nil value", nil, SourceSocialProfile, false, 0.60},
		{"empty slice", []string{}, SourceStockAsset, false, 0.15},
		{"placeholder", "Lorem", SourceModelGenerated, true, 0.40},
		{"empty placeholder", "", SourceInternalInference, true, 0.20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cv := Wrap(tt.value, tt.kind, WrapOptions{IsPlaceholder: tt.placeholder, RetrievedAt: fixedTime})
			assert.InDelta(t, tt.want, cv.Confidence, 1e-9)
			require.Len(t, cv.Sources, 1)
			assert.Equal(t, tt.kind, cv.Sources[0].Kind)
			assert.Equal(t, tt.placeholder, cv.IsPlaceholder)
		})
	}
}

func TestWrap_DefaultsRetrievedAt(t *testing.T) {
	t.Parallel()
	cv := Wrap("x", SourceUserProvided, WrapOptions{SourceURL: "https://example.com"})
	assert.False(t, cv.Sources[0].RetrievedAt.IsZero())
	assert.Equal(t, "user_provided:https://example.com", cv.Sources[0].Key())
}

func TestMerge_HigherConfidenceWins(t *testing.T) {
	t.Parallel()
	a := Wrap("Acme", SourceModelGenerated, WrapOptions{RetrievedAt: fixedTime, Rationale: "guess"})
	b := Wrap("ACME Bakery", SourceSocialProfile, WrapOptions{RetrievedAt: fixedTime, Rationale: "facebook"})

	m := Merge(a, b)
	assert.Equal(t, "ACME Bakery", m.Value)
	assert.Equal(t, "facebook", m.Rationale)
	assert.InDelta(t, 0.83, m.Confidence, 1e-9)
	assert.Len(t, m.Sources, 2)
}

func TestMerge_TieFavorsFirst(t *testing.T) {
	t.Parallel()
	a := Wrap("first", SourceReviewPlatform, WrapOptions{RetrievedAt: fixedTime})
	b := Wrap("second", SourceOpenMapData, WrapOptions{RetrievedAt: fixedTime})

	m := Merge(a, b)
	assert.Equal(t, "first", m.Value)
	assert.InDelta(t, 0.88, m.Confidence, 1e-9)
}

func TestMerge_DeduplicatesSources(t *testing.T) {
	t.Parallel()
	a := Wrap("x", SourceModelGenerated, WrapOptions{SourceID: "run-1", RetrievedAt: fixedTime})
	b := Wrap("y", SourceModelGenerated, WrapOptions{SourceID: "run-1", RetrievedAt: fixedTime.Add(time.Hour)})

	m := Merge(a, b)
	require.Len(t, m.Sources, 1)
	assert.Equal(t, fixedTime, m.Sources[0].RetrievedAt)
	assert.InDelta(t, 0.50, m.Confidence, 1e-9)
}

func TestMerge_CappedBelowCertainty(t *testing.T) {
	t.Parallel()
	a := Wrap("555-0100", SourceOwnerProvided, WrapOptions{RetrievedAt: fixedTime})
	b := Wrap("555-0100", SourceMappingService, WrapOptions{RetrievedAt: fixedTime})
	c := Wrap("555-0100", SourceDomainRegistry, WrapOptions{RetrievedAt: fixedTime})

	m := Merge(Merge(a, b), c)
	assert.InDelta(t, MaxConfidence, m.Confidence, 1e-9)
	assert.Len(t, m.Sources, 3)
}

func TestMerge_PlaceholderYieldsToRealValue(t *testing.T) {
	t.Parallel()
	ph := Wrap("Your Business", SourceOwnerProvided, WrapOptions{RetrievedAt: fixedTime, IsPlaceholder: true})
	actual := Wrap("Acme Bakery", SourceModelGenerated, WrapOptions{RetrievedAt: fixedTime})

	m := Merge(ph, actual)
	assert.Equal(t, "Acme Bakery", m.Value)
	assert.False(t, m.IsPlaceholder)
	assert.InDelta(t, 0.93, m.Confidence, 1e-9)

	both := Merge(ph, Wrap("Lorem", SourceModelGenerated, WrapOptions{RetrievedAt: fixedTime, IsPlaceholder: true}))
	assert.True(t, both.IsPlaceholder)
	assert.Equal(t, "Your Business", both.Value)
}

func TestMerge_LastVerifiedAtIsLatest(t *testing.T) {
	t.Parallel()
	early := fixedTime
	late := fixedTime.Add(48 * time.Hour)
	a := Wrap("x", SourceUserProvided, WrapOptions{LastVerifiedAt: &late})
	b := Wrap("x", SourceSocialProfile, WrapOptions{LastVerifiedAt: &early})

	m := Merge(a, b)
	require.NotNil(t, m.LastVerifiedAt)
	assert.Equal(t, late, *m.LastVerifiedAt)

	none := Merge(Wrap("x", SourceUserProvided, WrapOptions{}), Wrap("x", SourceUserProvided, WrapOptions{}))
	assert.Nil(t, none.LastVerifiedAt)
}

func TestMerge_SourcesSupersetAndBounded(t *testing.T) {
	t.Parallel()
	kinds := []SourceKind{
		SourceOwnerProvided, SourceUserProvided, SourceMappingService, SourceOpenMapData,
		SourceReviewPlatform, SourceDomainRegistry, SourceStreetImagery, SourceSocialProfile,
		SourceModelGenerated, SourceInternalInference, SourceStockAsset,
	}
	for i, ka := range kinds {
		for j, kb := range kinds {
			a := Wrap("a", ka, WrapOptions{SourceID: "a", RetrievedAt: fixedTime})
			b := Wrap("b", kb, WrapOptions{SourceID: "b", RetrievedAt: fixedTime})
			b.Confidence = float64(i+j) / 10
			m := Merge(a, b)

			keys := map[string]bool{}
			for _, s := range m.Sources {
				keys[s.Key()] = true
			}
			assert.True(t, keys[a.Sources[0].Key()])
			assert.True(t, keys[b.Sources[0].Key()])
			assert.LessOrEqual(t, m.Confidence, MaxConfidence)
		}
	}
}

func TestMerge_BoostIsGraduated(t *testing.T) {
	t.Parallel()
	kinds := []SourceKind{SourceModelGenerated, SourceInternalInference, SourceStockAsset, SourceStreetImagery, SourceReviewPlatform}
	want := []float64{0, 0.08, 0.15, 0.20, 0.20}

	prev := -1.0
	for n := 1; n <= len(kinds); n++ {
		a := ConfValue[string]{Value: "a", Confidence: 0.5}
		for i := 0; i < n-1; i++ {
			a.Sources = append(a.Sources, SourceRef{Kind: kinds[i], ID: "a"})
		}
		// With n == 1 both sides share a single kind.
		b := ConfValue[string]{
			Value:      "b",
			Confidence: 0.1,
			Sources:    []SourceRef{{Kind: kinds[max(n-1, 0)], ID: "b"}},
		}
		if n == 1 {
			a.Sources = []SourceRef{{Kind: kinds[0], ID: "a"}}
		}

		m := Merge(a, b)
		boost := m.Confidence - 0.5
		assert.InDelta(t, want[n-1], boost, 1e-9, "kinds=%d", n)
		assert.GreaterOrEqual(t, boost, prev)
		prev = boost
	}
}

func TestCorroborationBoost(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, CorroborationBoost(0))
	assert.Equal(t, 0.0, CorroborationBoost(1))
	assert.Equal(t, 0.08, CorroborationBoost(2))
	assert.Equal(t, 0.15, CorroborationBoost(3))
	assert.Equal(t, 0.20, CorroborationBoost(4))
	assert.Equal(t, 0.20, CorroborationBoost(9))
}

func TestApplyPenalties(t *testing.T) {
	t.Parallel()
	modelOnly := []SourceRef{{Kind: SourceModelGenerated}}
	mixed := []SourceRef{{Kind: SourceModelGenerated}, {Kind: SourceReviewPlatform}}

	tests := []struct {
		name    string
		conf    float64
		sources []SourceRef
		p       Penalties
		want    float64
	}{
		{"none", 0.8, modelOnly, Penalties{}, 0.8},
		{"empty", 0.8, modelOnly, Penalties{IsEmpty: true}, 0.65},
		{"stale and invalid", 0.8, mixed, Penalties{IsStale: true, FormatInvalid: true}, 0.6},
		{"inferred model only", 0.8, modelOnly, Penalties{Category: CategoryInferred}, 0.65},
		{"inferred corroborated", 0.8, mixed, Penalties{Category: CategoryInferred}, 0.8},
		{"inferred no sources", 0.8, nil, Penalties{Category: CategoryInferred}, 0.8},
		{"all", 0.5, modelOnly, Penalties{IsEmpty: true, IsStale: true, FormatInvalid: true, Category: CategoryInferred}, 0},
		{"nan input", math.NaN(), modelOnly, Penalties{}, 0},
		{"inf input", math.Inf(1), mixed, Penalties{IsStale: true}, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, ApplyPenalties(tt.conf, tt.sources, tt.p), 1e-9)
		})
	}
}

func TestPenalize(t *testing.T) {
	t.Parallel()
	cv := Wrap([]string{"cash", "visa"}, SourceModelGenerated, WrapOptions{RetrievedAt: fixedTime})
	got := Penalize(cv, Penalties{Category: CategoryInferred})
	assert.InDelta(t, 0.35, got.Confidence, 1e-9)
	assert.InDelta(t, 0.50, cv.Confidence, 1e-9)
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	now := fixedTime
	assert.False(t, IsStale(time.Time{}, now, DefaultMaxAge))
	assert.False(t, IsStale(now.Add(-24*time.Hour), now, DefaultMaxAge))
	assert.True(t, IsStale(now.Add(-400*24*time.Hour), now, 0))
	assert.True(t, IsStale(now.Add(-2*time.Hour), now, time.Hour))
}

func TestAggregateConfidence(t *testing.T) {
	t.Parallel()
	leaf := func(c float64) ConfValue[string] {
		return ConfValue[string]{Value: "v", Confidence: c, Sources: []SourceRef{{Kind: SourceUserProvided}}}
	}

	t.Run("default weights", func(t *testing.T) {
		t.Parallel()
		tree := map[string]any{
			"identity": map[string]any{"name": leaf(0.9), "phone": leaf(0.7)},
			"images":   map[string]any{"logo": leaf(0.3)},
		}
		assert.InDelta(t, 0.73, AggregateConfidence(tree, nil), 1e-9)
	})

	t.Run("unweighted section uses default other weight", func(t *testing.T) {
		t.Parallel()
		tree := map[string]any{
			"identity": map[string]any{"name": leaf(0.8)},
			"extra":    []any{leaf(0.3)},
		}
		got := AggregateConfidence(tree, map[string]float64{"identity": 1})
		assert.InDelta(t, 0.75, got, 1e-9)
	})

	t.Run("nested leaves in arrays", func(t *testing.T) {
		t.Parallel()
		tree := map[string]any{
			"offerings": map[string]any{
				"services": []ConfValue[string]{leaf(0.6), leaf(0.8)},
			},
		}
		assert.InDelta(t, 0.7, AggregateConfidence(tree, nil), 1e-9)
	})

	t.Run("sections without leaves are ignored", func(t *testing.T) {
		t.Parallel()
		tree := map[string]any{
			"identity": map[string]any{"name": leaf(0.9)},
			"notes":    map[string]any{"confidence": 0.1},
		}
		assert.InDelta(t, 0.9, AggregateConfidence(tree, nil), 1e-9)
	})

	t.Run("non-finite confidence is clamped", func(t *testing.T) {
		t.Parallel()
		tree := map[string]any{"identity": map[string]any{"name": leaf(math.NaN()), "phone": leaf(math.Inf(1))}}
		assert.InDelta(t, 0.5, AggregateConfidence(tree, nil), 1e-9)
	})

	t.Run("empty and invalid trees", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 0.0, AggregateConfidence(map[string]any{}, nil))
		assert.Equal(t, 0.0, AggregateConfidence(nil, nil))
		assert.Equal(t, 0.0, AggregateConfidence([]int{1, 2}, nil))
		assert.Equal(t, 0.0, AggregateConfidence(map[string]any{"bad": make(chan int)}, nil))
	})
}

func TestProminence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		conf float64
		want Level
	}{
		{0.98, LevelProminent},
		{0.85, LevelProminent},
		{0.84, LevelStandard},
		{0.70, LevelStandard},
		{0.69, LevelDeemphasize},
		{0.50, LevelDeemphasize},
		{0.49, LevelHide},
		{math.NaN(), LevelHide},
		{math.Inf(1), LevelProminent},
		{-3, LevelHide},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Prominence(tt.conf), "conf=%v", tt.conf)
	}
}

func TestConfValue_MarshalJSON(t *testing.T) {
	t.Parallel()
	cv := ConfValue[int]{Value: 3, Confidence: math.NaN()}
	raw, err := json.Marshal(cv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":3,"confidence":0,"sources":[],"is_placeholder":false}`, string(raw))

	var back ConfValue[int]
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 3, back.Value)
	assert.True(t, Wrap("x", SourceOwnerProvided, WrapOptions{}).Prominent())
}
