package research

// HoursEntry is one opening-hours row.
type HoursEntry struct {
	Day   string `json:"day"`
	Open  string `json:"open,omitempty"`
	Close string `json:"close,omitempty"`
	Note  string `json:"note,omitempty"`
}

// Service is one offering of the business.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"`
}

// ProfileFindings is the output of the research-profile step.
type ProfileFindings struct {
	BusinessName    string       `json:"business_name"`
	BusinessType    string       `json:"business_type"`
	Description     string       `json:"description,omitempty"`
	Address         string       `json:"address,omitempty"`
	Phone           string       `json:"phone,omitempty"`
	Email           string       `json:"email,omitempty"`
	Website         string       `json:"website,omitempty"`
	ServiceArea     string       `json:"service_area,omitempty"`
	YearEstablished int          `json:"year_established,omitempty"`
	Hours           []HoursEntry `json:"hours,omitempty"`
	Services        []Service    `json:"services"`
	PaymentMethods  []string     `json:"payment_methods,omitempty"`
	Amenities       []string     `json:"amenities,omitempty"`
	Certifications  []string     `json:"certifications,omitempty"`
}

// SocialProfile is a presence on a social platform.
type SocialProfile struct {
	Platform  string `json:"platform"`
	URL       string `json:"url"`
	Handle    string `json:"handle,omitempty"`
	Followers int    `json:"followers,omitempty"`
}

// Review is a customer review quoted from a review platform.
type Review struct {
	Author string  `json:"author,omitempty"`
	Text   string  `json:"text"`
	Rating float64 `json:"rating,omitempty"`
	URL    string  `json:"url,omitempty"`
}

// SocialFindings is the output of the research-social step.
type SocialFindings struct {
	Profiles    []SocialProfile `json:"profiles"`
	Website     string          `json:"website,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Rating      float64         `json:"rating,omitempty"`
	ReviewCount int             `json:"review_count,omitempty"`
	Reviews     []Review        `json:"reviews,omitempty"`
}

// BrandFindings is the output of the research-brand step.
type BrandFindings struct {
	Palette []string `json:"palette"`
	Fonts   []string `json:"fonts,omitempty"`
	Tone    string   `json:"tone,omitempty"`
	Tagline string   `json:"tagline,omitempty"`
	LogoURL string   `json:"logo_url,omitempty"`
}

// SellingPointFindings is the output of the research-selling-points step.
type SellingPointFindings struct {
	Headline        string   `json:"headline"`
	Category        string   `json:"category,omitempty"`
	Differentiators []string `json:"differentiators"`
	CallToAction    string   `json:"call_to_action,omitempty"`
	Testimonials    []string `json:"testimonials,omitempty"`
}

// ImageOrigin says where an image came from.
type ImageOrigin string

const (
	OriginUpload ImageOrigin = "upload"
	OriginSocial ImageOrigin = "social"
	OriginStreet ImageOrigin = "street"
	OriginStock  ImageOrigin = "stock"
	OriginModel  ImageOrigin = "model"
)

// ImageRef is a candidate image for the site.
type ImageRef struct {
	URL    string      `json:"url"`
	Alt    string      `json:"alt,omitempty"`
	Origin ImageOrigin `json:"origin,omitempty"`
}

// ImageFindings is the output of the research-images step.
type ImageFindings struct {
	LogoURL string     `json:"logo_url,omitempty"`
	Hero    []ImageRef `json:"hero"`
	Gallery []ImageRef `json:"gallery,omitempty"`
}

// JSON schemas for step outputs. Unknown fields are allowed.
const (
	SchemaProfile = `{
  "type": "object",
  "required": ["business_type", "services"],
  "properties": {
    "business_name": {"type": "string"},
    "business_type": {"type": "string", "minLength": 1},
    "year_established": {"type": "integer"},
    "hours": {"type": "array", "items": {"type": "object", "required": ["day"]}},
    "services": {
      "type": "array",
      "items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}
    },
    "payment_methods": {"type": "array", "items": {"type": "string"}},
    "amenities": {"type": "array", "items": {"type": "string"}},
    "certifications": {"type": "array", "items": {"type": "string"}}
  }
}`

	SchemaSocial = `{
  "type": "object",
  "required": ["profiles"],
  "properties": {
    "profiles": {
      "type": "array",
      "items": {"type": "object", "required": ["platform", "url"]}
    },
    "rating": {"type": "number", "minimum": 0, "maximum": 5},
    "review_count": {"type": "integer", "minimum": 0},
    "reviews": {"type": "array", "items": {"type": "object", "required": ["text"]}}
  }
}`

	SchemaBrand = `{
  "type": "object",
  "required": ["palette"],
  "properties": {
    "palette": {"type": "array", "items": {"type": "string"}},
    "fonts": {"type": "array", "items": {"type": "string"}},
    "tone": {"type": "string"},
    "tagline": {"type": "string"},
    "logo_url": {"type": "string"}
  }
}`

	SchemaSellingPoints = `{
  "type": "object",
  "required": ["headline", "differentiators"],
  "properties": {
    "headline": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "differentiators": {"type": "array", "items": {"type": "string"}},
    "testimonials": {"type": "array", "items": {"type": "string"}}
  }
}`

	SchemaImages = `{
  "type": "object",
  "required": ["hero"],
  "properties": {
    "logo_url": {"type": "string"},
    "hero": {"type": "array", "items": {"type": "object", "required": ["url"]}},
    "gallery": {"type": "array", "items": {"type": "object", "required": ["url"]}}
  }
}`
)
