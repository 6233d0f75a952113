// Package confidence scores, merges and ranks facts gathered from
// heterogeneous sources. Every function is pure and never fails; malformed
// numbers are clamped rather than rejected.
package confidence

import "time"

// SourceKind identifies where a fact came from.
type SourceKind string

const (
	SourceOwnerProvided     SourceKind = "owner_provided"
	SourceUserProvided      SourceKind = "user_provided"
	SourceMappingService    SourceKind = "mapping_service"
	SourceOpenMapData       SourceKind = "open_map_data"
	SourceReviewPlatform    SourceKind = "review_platform"
	SourceDomainRegistry    SourceKind = "domain_registry"
	SourceStreetImagery     SourceKind = "street_imagery"
	SourceSocialProfile     SourceKind = "social_profile"
	SourceModelGenerated    SourceKind = "model_generated"
	SourceInternalInference SourceKind = "internal_inference"
	SourceStockAsset        SourceKind = "stock_asset"
)

// unknownKindScore is the base score for kinds missing from baseScores.
const unknownKindScore = 0.40

var baseScores = map[SourceKind]float64{
	SourceOwnerProvided:     0.95,
	SourceMappingService:    0.92,
	SourceUserProvided:      0.90,
	SourceDomainRegistry:    0.85,
	SourceOpenMapData:       0.80,
	SourceReviewPlatform:    0.80,
	SourceSocialProfile:     0.75,
	SourceStreetImagery:     0.70,
	SourceModelGenerated:    0.50,
	SourceInternalInference: 0.45,
	SourceStockAsset:        0.30,
}

// BaseScore returns the starting confidence for a source kind.
func BaseScore(kind SourceKind) float64 {
	if s, ok := baseScores[kind]; ok {
		return s
	}
	return unknownKindScore
}

// SourceRef records the provenance of a single fact.
type SourceRef struct {
	Kind        SourceKind `json:"kind"`
	ID          string     `json:"id,omitempty"`
	URL         string     `json:"url,omitempty"`
	RetrievedAt time.Time  `json:"retrieved_at"`
	Notes       string     `json:"notes,omitempty"`
}

// Key is the de-duplication key: kind plus id, falling back to url.
func (s SourceRef) Key() string {
	ref := s.ID
	if ref == "" {
		ref = s.URL
	}
	return string(s.Kind) + ":" + ref
}

// unionSources returns a followed by any b entries whose Key is new.
func unionSources(a, b []SourceRef) []SourceRef {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]SourceRef, 0, len(a)+len(b))
	for _, list := range [][]SourceRef{a, b} {
		for _, s := range list {
			k := s.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// DistinctKinds counts the distinct source kinds in sources.
func DistinctKinds(sources []SourceRef) int {
	kinds := make(map[SourceKind]struct{}, len(sources))
	for _, s := range sources {
		kinds[s.Kind] = struct{}{}
	}
	return len(kinds)
}

// onlyKind reports whether every source has the given kind.
func onlyKind(sources []SourceRef, kind SourceKind) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s.Kind != kind {
			return false
		}
	}
	return true
}
