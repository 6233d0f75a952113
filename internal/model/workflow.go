package model

import (
	"time"
)

// Status is the coarse, externally visible state of a workflow instance.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusGenerating Status = "generating"
	StatusUploading  Status = "uploading"
	StatusPublished  Status = "published"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusError
}

// AssetKind classifies an asset uploaded by the site owner.
type AssetKind string

const (
	AssetLogo  AssetKind = "logo"
	AssetPhoto AssetKind = "photo"
)

// AssetRef points at an owner-supplied file.
type AssetRef struct {
	Kind AssetKind `json:"kind"`
	URL  string    `json:"url"`
	Alt  string    `json:"alt,omitempty"`
}

// Params are the caller inputs that start a generation workflow.
type Params struct {
	SiteID            string     `json:"siteId"`
	OrgID             string     `json:"orgId"`
	BusinessName      string     `json:"businessName"`
	BusinessAddress   string     `json:"businessAddress,omitempty"`
	BusinessPhone     string     `json:"businessPhone,omitempty"`
	ExternalPlaceID   string     `json:"externalPlaceId,omitempty"`
	AdditionalContext string     `json:"additionalContext,omitempty"`
	UploadedAssets    []AssetRef `json:"uploadedAssetRefs,omitempty"`
}

// Instance is one execution of the generation workflow.
type Instance struct {
	ID        string    `json:"id"`
	Params    Params    `json:"params"`
	Status    Status    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	SiteID string
	OrgID  string
	Status Status
	Limit  int
	Offset int
}

// QualityScore is the model's assessment of one generated page.
type QualityScore struct {
	Overall     float64            `json:"overall"`
	PerCategory map[string]float64 `json:"perCategory,omitempty"`
	Issues      []string           `json:"issues,omitempty"`
	Suggestions []string           `json:"suggestions,omitempty"`
	// Degraded marks scores recovered from free text rather than JSON.
	Degraded bool `json:"degraded,omitempty"`
	// Default marks the neutral score substituted after a scoring failure.
	Default bool `json:"default,omitempty"`
}

// Result is the terminal output of a published workflow.
type Result struct {
	InstanceID         string       `json:"instanceId"`
	SiteID             string       `json:"siteId"`
	Status             Status       `json:"status"`
	HTML               string       `json:"html"`
	Quality            float64      `json:"quality"`
	Score              QualityScore `json:"score"`
	Regenerated        bool         `json:"regenerated"`
	Artifacts          []string     `json:"artifacts"`
	ManifestKey        string       `json:"manifestKey"`
	ResearchConfidence float64      `json:"researchConfidence"`
	Model              string       `json:"model,omitempty"`
}

// AuditEntry is one row of the workflow log.
type AuditEntry struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}
