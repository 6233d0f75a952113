// Package research assembles the confidence-weighted business profile that
// feeds site generation.
package research

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/sitegen/internal/confidence"
)

// Identity holds who the business is and how to reach it.
type Identity struct {
	Name            confidence.ConfValue[string] `json:"name"`
	BusinessType    confidence.ConfValue[string] `json:"business_type"`
	Description     confidence.ConfValue[string] `json:"description"`
	Address         confidence.ConfValue[string] `json:"address"`
	Phone           confidence.ConfValue[string] `json:"phone"`
	Email           confidence.ConfValue[string] `json:"email"`
	Website         confidence.ConfValue[string] `json:"website"`
	ServiceArea     confidence.ConfValue[string] `json:"service_area"`
	YearEstablished confidence.ConfValue[int]    `json:"year_established"`
}

// Operations holds hours and the inferred on-site details.
type Operations struct {
	Hours          confidence.ConfValue[[]HoursEntry] `json:"hours"`
	PaymentMethods confidence.ConfValue[[]string]     `json:"payment_methods"`
	Amenities      confidence.ConfValue[[]string]     `json:"amenities"`
}

// Offerings lists services, each attributed separately.
type Offerings struct {
	Services []confidence.ConfValue[Service] `json:"services"`
}

// Trust holds credibility signals.
type Trust struct {
	Certifications confidence.ConfValue[[]string] `json:"certifications"`
	Rating         confidence.ConfValue[float64]  `json:"rating"`
	ReviewCount    confidence.ConfValue[int]      `json:"review_count"`
	Reviews        []confidence.ConfValue[Review] `json:"reviews"`
}

// Profile is the output of profile research plus caller inputs.
type Profile struct {
	Identity   Identity   `json:"identity"`
	Operations Operations `json:"operations"`
	Offerings  Offerings  `json:"offerings"`
	Trust      Trust      `json:"trust"`
}

// Social holds social presence.
type Social struct {
	Profiles []confidence.ConfValue[SocialProfile] `json:"profiles"`
	Website  confidence.ConfValue[string]          `json:"website"`
	Phone    confidence.ConfValue[string]          `json:"phone"`
}

// Brand holds visual identity.
type Brand struct {
	Palette confidence.ConfValue[[]string] `json:"palette"`
	Fonts   confidence.ConfValue[[]string] `json:"fonts"`
	Tone    confidence.ConfValue[string]   `json:"tone"`
	Tagline confidence.ConfValue[string]   `json:"tagline"`
	Logo    confidence.ConfValue[string]   `json:"logo"`
}

// SellingPoints holds marketing copy.
type SellingPoints struct {
	Headline        confidence.ConfValue[string]   `json:"headline"`
	Category        confidence.ConfValue[string]   `json:"category"`
	Differentiators confidence.ConfValue[[]string] `json:"differentiators"`
	CallToAction    confidence.ConfValue[string]   `json:"call_to_action"`
	Testimonials    confidence.ConfValue[[]string] `json:"testimonials"`
}

// Images holds media.
type Images struct {
	Logo    confidence.ConfValue[string]     `json:"logo"`
	Hero    []confidence.ConfValue[ImageRef] `json:"hero"`
	Gallery []confidence.ConfValue[ImageRef] `json:"gallery"`
}

// Aggregate is the full research result handed to generation.
type Aggregate struct {
	Profile       Profile       `json:"profile"`
	Social        Social        `json:"social"`
	Brand         Brand         `json:"brand"`
	SellingPoints SellingPoints `json:"selling_points"`
	Images        Images        `json:"images"`
}

// Confidence is the weighted aggregate confidence of every leaf.
func (a Aggregate) Confidence() float64 {
	return confidence.AggregateConfidence(a, researchWeights)
}

// researchWeights favors the profile section; it covers identity and
// operations.
var researchWeights = map[string]float64{
	"profile":        0.45,
	"social":         0.15,
	"selling_points": 0.15,
	"brand":          0.10,
	"images":         0.05,
}

// Clone returns a deep copy.
func (a Aggregate) Clone() Aggregate {
	raw, err := json.Marshal(a)
	if err != nil {
		return a
	}
	var out Aggregate
	if err := json.Unmarshal(raw, &out); err != nil {
		return a
	}
	return out
}

// ToV3 merges fields that more than one research step reports on, so the
// corroborated value and its boosted confidence appear on both sides.
func ToV3(a Aggregate) Aggregate {
	out := a.Clone()

	website := mergeField(out.Profile.Identity.Website, out.Social.Website)
	out.Profile.Identity.Website, out.Social.Website = website, website

	phone := mergeField(out.Profile.Identity.Phone, out.Social.Phone)
	out.Profile.Identity.Phone, out.Social.Phone = phone, phone

	logo := mergeField(out.Brand.Logo, out.Images.Logo)
	out.Brand.Logo, out.Images.Logo = logo, logo

	kind := mergeField(out.Profile.Identity.BusinessType, out.SellingPoints.Category)
	out.Profile.Identity.BusinessType, out.SellingPoints.Category = kind, kind

	return out
}

// mergeField merges a and b when both carry a real value, otherwise it
// returns whichever side is populated.
func mergeField[T any](a, b confidence.ConfValue[T]) confidence.ConfValue[T] {
	aSet := len(a.Sources) > 0 && !confidence.IsEmpty(a.Value)
	bSet := len(b.Sources) > 0 && !confidence.IsEmpty(b.Value)
	switch {
	case aSet && bSet:
		return confidence.Merge(a, b)
	case bSet:
		return b
	default:
		return a
	}
}

// DisplayName title-cases names supplied entirely in upper or lower case.
// Mixed-case names are trusted as written.
func DisplayName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return name
	}
	if name != strings.ToUpper(name) && name != strings.ToLower(name) {
		return name
	}
	return cases.Title(language.English).String(strings.ToLower(name))
}

// PromptContext flattens the aggregate into the values a generation prompt
// should see. Facts below the display threshold are omitted and
// placeholders are flagged.
func PromptContext(a Aggregate) map[string]any {
	out := map[string]any{}
	put := func(key string, value any, conf float64, placeholder bool) {
		if confidence.IsEmpty(value) {
			return
		}
		level := confidence.Prominence(conf)
		if level == confidence.LevelHide && !placeholder {
			return
		}
		out[key] = map[string]any{
			"value":       value,
			"prominence":  string(level),
			"placeholder": placeholder,
		}
	}

	id := a.Profile.Identity
	put("name", id.Name.Value, id.Name.Confidence, id.Name.IsPlaceholder)
	put("business_type", id.BusinessType.Value, id.BusinessType.Confidence, id.BusinessType.IsPlaceholder)
	put("description", id.Description.Value, id.Description.Confidence, id.Description.IsPlaceholder)
	put("address", id.Address.Value, id.Address.Confidence, id.Address.IsPlaceholder)
	put("phone", id.Phone.Value, id.Phone.Confidence, id.Phone.IsPlaceholder)
	put("email", id.Email.Value, id.Email.Confidence, id.Email.IsPlaceholder)
	put("website", id.Website.Value, id.Website.Confidence, id.Website.IsPlaceholder)
	put("service_area", id.ServiceArea.Value, id.ServiceArea.Confidence, id.ServiceArea.IsPlaceholder)

	ops := a.Profile.Operations
	put("hours", ops.Hours.Value, ops.Hours.Confidence, ops.Hours.IsPlaceholder)
	put("payment_methods", ops.PaymentMethods.Value, ops.PaymentMethods.Confidence, ops.PaymentMethods.IsPlaceholder)
	put("amenities", ops.Amenities.Value, ops.Amenities.Confidence, ops.Amenities.IsPlaceholder)

	var services []Service
	for _, s := range a.Profile.Offerings.Services {
		if confidence.Prominence(s.Confidence) != confidence.LevelHide {
			services = append(services, s.Value)
		}
	}
	if len(services) > 0 {
		out["services"] = services
	}

	tr := a.Profile.Trust
	put("certifications", tr.Certifications.Value, tr.Certifications.Confidence, tr.Certifications.IsPlaceholder)
	put("rating", tr.Rating.Value, tr.Rating.Confidence, tr.Rating.IsPlaceholder)

	var reviews []Review
	for _, r := range tr.Reviews {
		if confidence.Prominence(r.Confidence) != confidence.LevelHide {
			reviews = append(reviews, r.Value)
		}
	}
	if len(reviews) > 0 {
		out["reviews"] = reviews
	}

	var profiles []SocialProfile
	for _, p := range a.Social.Profiles {
		if confidence.Prominence(p.Confidence) != confidence.LevelHide {
			profiles = append(profiles, p.Value)
		}
	}
	if len(profiles) > 0 {
		out["social_profiles"] = profiles
	}

	br := a.Brand
	put("palette", br.Palette.Value, br.Palette.Confidence, br.Palette.IsPlaceholder)
	put("fonts", br.Fonts.Value, br.Fonts.Confidence, br.Fonts.IsPlaceholder)
	put("tone", br.Tone.Value, br.Tone.Confidence, br.Tone.IsPlaceholder)
	put("tagline", br.Tagline.Value, br.Tagline.Confidence, br.Tagline.IsPlaceholder)
	put("logo", br.Logo.Value, br.Logo.Confidence, br.Logo.IsPlaceholder)

	sp := a.SellingPoints
	put("headline", sp.Headline.Value, sp.Headline.Confidence, sp.Headline.IsPlaceholder)
	put("differentiators", sp.Differentiators.Value, sp.Differentiators.Confidence, sp.Differentiators.IsPlaceholder)
	put("call_to_action", sp.CallToAction.Value, sp.CallToAction.Confidence, sp.CallToAction.IsPlaceholder)
	put("testimonials", sp.Testimonials.Value, sp.Testimonials.Confidence, sp.Testimonials.IsPlaceholder)

	var hero []ImageRef
	for _, img := range a.Images.Hero {
		hero = append(hero, img.Value)
	}
	if len(hero) > 0 {
		out["hero_images"] = hero
	}
	var gallery []ImageRef
	for _, img := range a.Images.Gallery {
		gallery = append(gallery, img.Value)
	}
	if len(gallery) > 0 {
		out["gallery_images"] = gallery
	}

	return out
}
