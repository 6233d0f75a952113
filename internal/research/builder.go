package research

import (
	"time"

	"github.com/sells-group/sitegen/internal/confidence"
	"github.com/sells-group/sitegen/internal/model"
)

// Builder assembles an Aggregate from caller inputs and step findings. It
// is not safe for concurrent use; the workflow feeds it after each fan-in.
type Builder struct {
	now time.Time
	agg Aggregate
}

// NewBuilder seeds a builder with the caller's inputs.
func NewBuilder(params model.Params, now time.Time) *Builder {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	b := &Builder{now: now}

	b.agg.Profile.Identity.Name = confidence.Wrap(DisplayName(params.BusinessName), confidence.SourceUserProvided, b.opts("", "business name from request"))

	addrKind, addrID := confidence.SourceUserProvided, ""
	if params.ExternalPlaceID != "" {
		addrKind, addrID = confidence.SourceMappingService, params.ExternalPlaceID
	}
	if params.BusinessAddress != "" {
		b.agg.Profile.Identity.Address = confidence.Wrap(params.BusinessAddress, addrKind, b.opts(addrID, ""))
	}
	if params.BusinessPhone != "" {
		b.agg.Profile.Identity.Phone = confidence.Wrap(params.BusinessPhone, confidence.SourceUserProvided, b.opts("", "business phone from request"))
	}

	for _, asset := range params.UploadedAssets {
		opts := b.opts("", "uploaded by owner")
		opts.SourceURL = asset.URL
		switch asset.Kind {
		case model.AssetLogo:
			b.agg.Images.Logo = confidence.Wrap(asset.URL, confidence.SourceOwnerProvided, opts)
		default:
			ref := ImageRef{URL: asset.URL, Alt: asset.Alt, Origin: OriginUpload}
			b.agg.Images.Gallery = append(b.agg.Images.Gallery, confidence.Wrap(ref, confidence.SourceOwnerProvided, opts))
		}
	}
	return b
}

func (b *Builder) opts(sourceID, rationale string) confidence.WrapOptions {
	return confidence.WrapOptions{SourceID: sourceID, Rationale: rationale, RetrievedAt: b.now}
}

func (b *Builder) modelOpts(stepName string) confidence.WrapOptions {
	return confidence.WrapOptions{SourceID: stepName, RetrievedAt: b.now}
}

// WithProfile folds in research-profile findings.
func (b *Builder) WithProfile(f ProfileFindings) *Builder {
	id := &b.agg.Profile.Identity
	o := b.modelOpts("research-profile")

	if f.BusinessName != "" {
		id.Name = mergeField(id.Name, confidence.Wrap(DisplayName(f.BusinessName), confidence.SourceModelGenerated, o))
	}
	id.BusinessType = confidence.Wrap(f.BusinessType, confidence.SourceModelGenerated, o)
	id.Description = confidence.Wrap(f.Description, confidence.SourceModelGenerated, o)
	id.Email = confidence.Wrap(f.Email, confidence.SourceModelGenerated, o)
	id.Website = confidence.Wrap(f.Website, confidence.SourceModelGenerated, o)
	id.ServiceArea = confidence.Wrap(f.ServiceArea, confidence.SourceModelGenerated, o)
	id.YearEstablished = confidence.Wrap(f.YearEstablished, confidence.SourceModelGenerated, o)
	if f.YearEstablished == 0 {
		id.YearEstablished = confidence.Penalize(id.YearEstablished, confidence.Penalties{IsEmpty: true})
	}
	if f.Address != "" {
		id.Address = mergeField(id.Address, confidence.Wrap(f.Address, confidence.SourceModelGenerated, o))
	}
	if f.Phone != "" {
		id.Phone = mergeField(id.Phone, confidence.Wrap(f.Phone, confidence.SourceModelGenerated, o))
	}

	ops := &b.agg.Profile.Operations
	ops.Hours = confidence.Wrap(f.Hours, confidence.SourceModelGenerated, o)
	ops.PaymentMethods = inferred(confidence.Wrap(f.PaymentMethods, confidence.SourceModelGenerated, o))
	ops.Amenities = inferred(confidence.Wrap(f.Amenities, confidence.SourceModelGenerated, o))

	b.agg.Profile.Offerings.Services = b.agg.Profile.Offerings.Services[:0]
	for _, s := range f.Services {
		b.agg.Profile.Offerings.Services = append(b.agg.Profile.Offerings.Services, confidence.Wrap(s, confidence.SourceModelGenerated, o))
	}

	b.agg.Profile.Trust.Certifications = inferred(confidence.Wrap(f.Certifications, confidence.SourceModelGenerated, o))
	return b
}

// WithSocial folds in research-social findings.
func (b *Builder) WithSocial(f SocialFindings) *Builder {
	s := &b.agg.Social
	s.Profiles = s.Profiles[:0]
	for _, p := range f.Profiles {
		opts := b.modelOpts("research-social")
		opts.SourceURL = p.URL
		s.Profiles = append(s.Profiles, confidence.Wrap(p, confidence.SourceSocialProfile, opts))
	}

	o := b.modelOpts("research-social")
	if f.Website != "" {
		s.Website = confidence.Wrap(f.Website, confidence.SourceSocialProfile, o)
	}
	if f.Phone != "" {
		s.Phone = confidence.Wrap(f.Phone, confidence.SourceSocialProfile, o)
	}

	tr := &b.agg.Profile.Trust
	if f.Rating > 0 {
		tr.Rating = confidence.Wrap(f.Rating, confidence.SourceReviewPlatform, o)
		tr.ReviewCount = confidence.Wrap(f.ReviewCount, confidence.SourceReviewPlatform, o)
	}
	tr.Reviews = tr.Reviews[:0]
	for _, r := range f.Reviews {
		opts := b.modelOpts("research-social")
		opts.SourceURL = r.URL
		tr.Reviews = append(tr.Reviews, confidence.Wrap(r, confidence.SourceReviewPlatform, opts))
	}
	return b
}

// WithBrand folds in research-brand findings.
func (b *Builder) WithBrand(f BrandFindings) *Builder {
	o := b.modelOpts("research-brand")
	br := &b.agg.Brand
	br.Palette = confidence.Wrap(f.Palette, confidence.SourceModelGenerated, o)
	br.Fonts = confidence.Wrap(f.Fonts, confidence.SourceModelGenerated, o)
	br.Tone = confidence.Wrap(f.Tone, confidence.SourceModelGenerated, o)
	br.Tagline = confidence.Wrap(f.Tagline, confidence.SourceModelGenerated, o)
	if f.LogoURL != "" {
		lo := o
		lo.SourceURL = f.LogoURL
		br.Logo = confidence.Wrap(f.LogoURL, confidence.SourceModelGenerated, lo)
	}
	return b
}

// WithSellingPoints folds in research-selling-points findings.
func (b *Builder) WithSellingPoints(f SellingPointFindings) *Builder {
	o := b.modelOpts("research-selling-points")
	sp := &b.agg.SellingPoints
	sp.Headline = confidence.Wrap(f.Headline, confidence.SourceModelGenerated, o)
	sp.Category = confidence.Wrap(f.Category, confidence.SourceModelGenerated, o)
	sp.Differentiators = confidence.Wrap(f.Differentiators, confidence.SourceModelGenerated, o)
	sp.CallToAction = confidence.Wrap(f.CallToAction, confidence.SourceModelGenerated, o)
	sp.Testimonials = inferred(confidence.Wrap(f.Testimonials, confidence.SourceModelGenerated, o))
	return b
}

// WithImages folds in research-images findings. Owner uploads stay first.
func (b *Builder) WithImages(f ImageFindings) *Builder {
	img := &b.agg.Images
	if f.LogoURL != "" {
		o := b.modelOpts("research-images")
		o.SourceURL = f.LogoURL
		img.Logo = mergeField(img.Logo, confidence.Wrap(f.LogoURL, confidence.SourceModelGenerated, o))
	}

	uploads := img.Gallery[:0:0]
	for _, g := range img.Gallery {
		if g.Value.Origin == OriginUpload {
			uploads = append(uploads, g)
		}
	}

	img.Hero = img.Hero[:0]
	for _, h := range f.Hero {
		img.Hero = append(img.Hero, b.wrapImage(h))
	}
	img.Gallery = uploads
	for _, g := range f.Gallery {
		img.Gallery = append(img.Gallery, b.wrapImage(g))
	}
	return b
}

func (b *Builder) wrapImage(ref ImageRef) confidence.ConfValue[ImageRef] {
	o := b.modelOpts("research-images")
	o.SourceURL = ref.URL
	return confidence.Wrap(ref, originKind(ref.Origin), o)
}

func originKind(o ImageOrigin) confidence.SourceKind {
	switch o {
	case OriginUpload:
		return confidence.SourceOwnerProvided
	case OriginSocial:
		return confidence.SourceSocialProfile
	case OriginStreet:
		return confidence.SourceStreetImagery
	case OriginStock:
		return confidence.SourceStockAsset
	default:
		return confidence.SourceModelGenerated
	}
}

// Build returns an independent snapshot of the aggregate.
func (b *Builder) Build() Aggregate {
	return b.agg.Clone()
}

func inferred[T any](c confidence.ConfValue[T]) confidence.ConfValue[T] {
	return confidence.Penalize(c, confidence.Penalties{Category: confidence.CategoryInferred})
}
