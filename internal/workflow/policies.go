package workflow

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/step"
)

// Step names. Each is unique within an instance and keys the step cache.
const (
	StepResearchProfile       = "research-profile"
	StepResearchSocial        = "research-social"
	StepResearchBrand         = "research-brand"
	StepResearchSellingPoints = "research-selling-points"
	StepResearchImages        = "research-images"
	StepGenerateHTML          = "generate-html"
	StepGeneratePrivacy       = "generate-privacy"
	StepGenerateTerms         = "generate-terms"
	StepScoreQuality          = "score-quality"
	StepRegenerateHTML        = "regenerate-html"
	StepRescoreQuality        = "rescore-quality"
	StepUploadArtifacts       = "upload-artifacts"
	StepPublishStatus         = "publish-status"
)

// Policies holds the retry and timeout policy of every stage.
type Policies struct {
	Research step.Policy `mapstructure:"research"`
	HTML     step.Policy `mapstructure:"html"`
	Legal    step.Policy `mapstructure:"legal"`
	Scoring  step.Policy `mapstructure:"scoring"`
	Upload   step.Policy `mapstructure:"upload"`
	Publish  step.Policy `mapstructure:"publish"`
}

// DefaultPolicies returns the production policies.
func DefaultPolicies() Policies {
	return Policies{
		Research: step.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute, Jitter: 0.1, Timeout: 2 * time.Minute},
		HTML:     step.Policy{MaxAttempts: 3, BaseDelay: 15 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute, Jitter: 0.1, Timeout: 5 * time.Minute},
		Legal:    step.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute, Jitter: 0.1, Timeout: 3 * time.Minute},
		Scoring:  step.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Second, BackoffMultiplier: 2, MaxDelay: time.Minute, Jitter: 0.1, Timeout: 2 * time.Minute},
		Upload:   step.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.1, Timeout: time.Minute},
		Publish:  step.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.1, Timeout: 30 * time.Second},
	}
}

// Validate checks every policy.
func (p Policies) Validate() error {
	for name, pol := range map[string]step.Policy{
		"research": p.Research,
		"html":     p.HTML,
		"legal":    p.Legal,
		"scoring":  p.Scoring,
		"upload":   p.Upload,
		"publish":  p.Publish,
	} {
		if err := pol.Validate(); err != nil {
			return eris.Wrapf(err, "workflow: %s policy", name)
		}
	}
	return nil
}
