package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
)

// MinQuality is the default acceptance threshold.
const MinQuality = 0.6

// GateState is a state of the quality gate.
type GateState string

const (
	GateEvaluate   GateState = "evaluate"
	GateRegenerate GateState = "regenerate"
	GateRescored   GateState = "rescored"
	GateAccept     GateState = "accept"
)

// Generation is one generated home page.
type Generation struct {
	HTML  string `json:"html"`
	Model string `json:"model,omitempty"`
}

// Feedback is what the scorer said about the previous attempt.
type Feedback struct {
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// GateOutcome is the final page and score plus how the gate got there.
type GateOutcome struct {
	Generation  Generation
	Score       model.QualityScore
	Trail       []GateState
	Regenerated bool
	// RegenerationErr is set when the regeneration pass failed and the
	// original page was kept.
	RegenerationErr error
	// RescoreErr is set when the regenerated page could not be scored and
	// the prior score was kept.
	RescoreErr error
}

// Gate decides whether a page is good enough, regenerating at most once.
type Gate struct {
	MinQuality float64
	Regenerate func(ctx context.Context, fb Feedback) (Generation, error)
	Rescore    func(ctx context.Context, gen Generation) (model.QualityScore, error)
	Log        *zap.Logger
}

// Run drives the gate from evaluate to accept. It never fails: errors from
// regeneration or rescoring are reported on the outcome.
func (g *Gate) Run(ctx context.Context, gen Generation, score model.QualityScore) GateOutcome {
	log := g.Log
	if log == nil {
		log = zap.L()
	}
	threshold := g.MinQuality
	if threshold <= 0 {
		threshold = MinQuality
	}

	out := GateOutcome{Generation: gen, Score: score}
	state := GateEvaluate
	for {
		out.Trail = append(out.Trail, state)
		switch state {
		case GateEvaluate:
			if score.Overall >= threshold {
				state = GateAccept
				continue
			}
			log.Info("gate: score below threshold, regenerating",
				zap.Float64("score", score.Overall),
				zap.Float64("min_quality", threshold),
			)
			state = GateRegenerate

		case GateRegenerate:
			regen, err := g.Regenerate(ctx, Feedback{
				Score:       score.Overall,
				Issues:      score.Issues,
				Suggestions: score.Suggestions,
			})
			if err != nil {
				out.RegenerationErr = &resilience.RegenerationError{Err: err}
				metrics.Regenerations.WithLabelValues("failed").Inc()
				log.Warn("gate: regeneration failed, keeping original page", zap.Error(err))
				state = GateAccept
				continue
			}
			out.Generation = regen
			out.Regenerated = true
			metrics.Regenerations.WithLabelValues("regenerated").Inc()
			state = GateRescored

		case GateRescored:
			rescored, err := g.Rescore(ctx, out.Generation)
			if err != nil {
				out.RescoreErr = err
				log.Warn("gate: rescoring failed, keeping prior score",
					zap.Float64("score", out.Score.Overall),
					zap.Error(err),
				)
			} else {
				out.Score = rescored
			}
			state = GateAccept

		case GateAccept:
			return out
		}
	}
}
