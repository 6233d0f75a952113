// Package workflow drives site generation: profile research, parallel
// research, generation, legal pages and scoring, the quality gate, and
// publishing. Every unit of work runs through a step.Executor so a resumed
// instance skips whatever already succeeded.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sitegen/internal/audit"
	"github.com/sells-group/sitegen/internal/metrics"
	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/objectstore"
	"github.com/sells-group/sitegen/internal/prompt"
	"github.com/sells-group/sitegen/internal/research"
	"github.com/sells-group/sitegen/internal/resilience"
	"github.com/sells-group/sitegen/internal/step"
)

// Workflow log actions emitted by the engine.
const (
	ActionStarted         = "workflow.started"
	ActionStageCompleted  = "workflow.stage_completed"
	ActionScoringDefault  = "workflow.scoring_defaulted"
	ActionQualityGate     = "workflow.quality_gate"
	ActionPublishDeferred = "workflow.publish_status_failed"
	ActionPublished       = "workflow.published"
	ActionFailed          = "workflow.failed"
)

// Stage names used in errors and the workflow log.
const (
	StageProfile  = "profile"
	StageResearch = "research"
	StageGenerate = "generate"
	StageLegal    = "legal"
	StageGate     = "quality_gate"
	StagePublish  = "publish"
)

// StageError reports which stage ended an instance.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return "workflow: stage " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Engine runs workflow instances. It holds no per-instance state and is
// safe for concurrent use.
type Engine struct {
	runner     prompt.Runner
	cache      step.Cache
	objects    objectstore.Store
	status     StatusSink
	instStatus InstanceStatusFunc
	audit      audit.Log
	policies   Policies
	minQuality float64
	versions   map[string]string
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicies overrides DefaultPolicies.
func WithPolicies(p Policies) Option {
	return func(e *Engine) { e.policies = p }
}

// WithMinQuality sets the quality gate threshold.
func WithMinQuality(q float64) Option {
	return func(e *Engine) { e.minQuality = q }
}

// WithPromptVersions pins prompt ids to versions. Unpinned ids use the
// latest registered version.
func WithPromptVersions(v map[string]string) Option {
	return func(e *Engine) { e.versions = v }
}

// WithStatusSink sets where coarse status changes go.
func WithStatusSink(s StatusSink) Option {
	return func(e *Engine) { e.status = s }
}

// InstanceStatusFunc mirrors coarse status onto the instance record so
// pollers of one instance see progress.
type InstanceStatusFunc func(ctx context.Context, instanceID string, status model.Status) error

// WithInstanceStatus sets the per-instance status hook.
func WithInstanceStatus(f InstanceStatusFunc) Option {
	return func(e *Engine) { e.instStatus = f }
}

// WithAuditLog sets the workflow log.
func WithAuditLog(l audit.Log) Option {
	return func(e *Engine) { e.audit = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine. The cache must be ready before any instance
// runs.
func NewEngine(runner prompt.Runner, cache step.Cache, objects objectstore.Store, opts ...Option) (*Engine, error) {
	if runner == nil || cache == nil || objects == nil {
		return nil, eris.New("workflow: runner, cache and object store are required")
	}
	e := &Engine{
		runner:     runner,
		cache:      cache,
		objects:    objects,
		audit:      audit.Nop{},
		policies:   DefaultPolicies(),
		minQuality: MinQuality,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policies.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// run carries one instance through the stages.
type run struct {
	e    *Engine
	inst model.Instance
	exec *step.Executor
	log  *zap.Logger
}

// Run executes inst to completion. On failure the site status becomes
// error and the returned error carries the failing stage.
func (e *Engine) Run(ctx context.Context, inst model.Instance) (result *model.Result, err error) {
	p := inst.Params
	ctx, span := metrics.StartWorkflowSpan(ctx, inst.ID, p.SiteID, p.OrgID)
	defer func() { metrics.EndSpan(span, err) }()

	metrics.WorkflowsActive.Inc()
	defer metrics.WorkflowsActive.Dec()

	r := &run{
		e:    e,
		inst: inst,
		exec: step.NewExecutor(inst.ID, e.cache, step.WithRecorder(e.audit, p.OrgID, p.SiteID)),
		log:  zap.L().With(zap.String("instance", inst.ID), zap.String("site_id", p.SiteID)),
	}
	start := time.Now()
	r.log.Info("workflow: starting", zap.String("business", p.BusinessName))

	result, err = r.execute(ctx)
	if err != nil {
		// The instance may have been cancelled; the error status must still land.
		bg := context.WithoutCancel(ctx)
		r.setStatus(bg, model.StatusError)
		r.record(bg, ActionFailed, map[string]any{
			"error":       err.Error(),
			"failed_step": resilience.FailedStep(err),
		})
		metrics.WorkflowsFinished.WithLabelValues(string(model.StatusError)).Inc()
		r.log.Error("workflow: failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, err
	}

	metrics.WorkflowsFinished.WithLabelValues(string(model.StatusPublished)).Inc()
	metrics.QualityScore.Observe(result.Quality)
	r.log.Info("workflow: published",
		zap.Float64("quality", result.Quality),
		zap.Bool("regenerated", result.Regenerated),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (r *run) execute(ctx context.Context) (*model.Result, error) {
	p := r.inst.Params
	r.setStatus(ctx, model.StatusCollecting)
	r.record(ctx, ActionStarted, map[string]any{"business_name": p.BusinessName})

	// Stage 1: profile research parameterizes the fan-out prompts.
	profile, err := researchStep[research.ProfileFindings](ctx, r, StepResearchProfile, research.SchemaProfile, r.baseVars())
	if err != nil {
		return nil, &StageError{Stage: StageProfile, Err: err}
	}
	r.stageDone(ctx, StageProfile)
	if err := checkpoint(ctx, StageResearch); err != nil {
		return nil, err
	}

	// Stage 2: parallel research, all or nothing.
	agg, err := r.researchFanOut(ctx, profile)
	if err != nil {
		return nil, &StageError{Stage: StageResearch, Err: err}
	}
	r.stageDone(ctx, StageResearch)
	if err := checkpoint(ctx, StageGenerate); err != nil {
		return nil, err
	}

	// Stage 3: generation.
	r.setStatus(ctx, model.StatusGenerating)
	gen, err := r.generate(ctx, StepGenerateHTML, agg, nil)
	if err != nil {
		return nil, &StageError{Stage: StageGenerate, Err: err}
	}
	r.stageDone(ctx, StageGenerate)
	if err := checkpoint(ctx, StageLegal); err != nil {
		return nil, err
	}

	// Stage 4: legal pages are required, scoring is not.
	legal, score, err := r.legalAndScore(ctx, agg, gen)
	if err != nil {
		return nil, &StageError{Stage: StageLegal, Err: err}
	}
	r.stageDone(ctx, StageLegal)
	if err := checkpoint(ctx, StageGate); err != nil {
		return nil, err
	}

	// Stage 5: quality gate.
	outcome := r.qualityGate(ctx, agg, gen, score)
	if err := checkpoint(ctx, StagePublish); err != nil {
		return nil, err
	}

	// Stage 6: upload, then flip the status.
	r.setStatus(ctx, model.StatusUploading)
	receipt, err := r.upload(ctx, agg, outcome, legal)
	if err != nil {
		return nil, &StageError{Stage: StagePublish, Err: err}
	}
	r.publishStatus(ctx)

	result := &model.Result{
		InstanceID:         r.inst.ID,
		SiteID:             p.SiteID,
		Status:             model.StatusPublished,
		HTML:               outcome.Generation.HTML,
		Quality:            outcome.Score.Overall,
		Score:              outcome.Score,
		Regenerated:        outcome.Regenerated,
		Artifacts:          append([]string(nil), ArtifactNames...),
		ManifestKey:        receipt.ManifestKey,
		ResearchConfidence: agg.Confidence(),
		Model:              outcome.Generation.Model,
	}
	r.record(ctx, ActionPublished, map[string]any{
		"quality":      result.Quality,
		"manifest_key": result.ManifestKey,
		"regenerated":  result.Regenerated,
	})
	return result, nil
}

func checkpoint(ctx context.Context, next string) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: next, Err: eris.Wrap(err, "workflow: cancelled")}
	}
	return nil
}

// researchStep runs one research prompt and decodes its schema-checked
// findings.
func researchStep[T any](ctx context.Context, r *run, name, schema string, vars map[string]any) (T, error) {
	return step.Execute(ctx, r.exec, name, r.e.policies.Research, func(ctx context.Context) (T, error) {
		out, err := r.prompt(ctx, name, vars)
		if err != nil {
			var zero T
			return zero, err
		}
		return prompt.Decode[T](name, out.Text, schema)
	})
}

func (r *run) researchFanOut(ctx context.Context, profile research.ProfileFindings) (research.Aggregate, error) {
	vars := r.baseVars()
	vars["business_type"] = profile.BusinessType
	vars["services"] = profile.Services

	var (
		social research.SocialFindings
		brand  research.BrandFindings
		points research.SellingPointFindings
		images research.ImageFindings
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		social, err = researchStep[research.SocialFindings](gCtx, r, StepResearchSocial, research.SchemaSocial, vars)
		return err
	})
	g.Go(func() error {
		var err error
		brand, err = researchStep[research.BrandFindings](gCtx, r, StepResearchBrand, research.SchemaBrand, vars)
		return err
	})
	g.Go(func() error {
		var err error
		points, err = researchStep[research.SellingPointFindings](gCtx, r, StepResearchSellingPoints, research.SchemaSellingPoints, vars)
		return err
	})
	g.Go(func() error {
		var err error
		images, err = researchStep[research.ImageFindings](gCtx, r, StepResearchImages, research.SchemaImages, vars)
		return err
	})
	if err := g.Wait(); err != nil {
		return research.Aggregate{}, err
	}

	agg := research.NewBuilder(r.inst.Params, r.inst.CreatedAt).
		WithProfile(profile).
		WithSocial(social).
		WithBrand(brand).
		WithSellingPoints(points).
		WithImages(images).
		Build()
	return research.ToV3(agg), nil
}

func (r *run) generate(ctx context.Context, name string, agg research.Aggregate, fb *Feedback) (Generation, error) {
	vars := r.baseVars()
	vars["research"] = research.PromptContext(agg)
	vars["research_confidence"] = agg.Confidence()
	vars["feedback"] = fb
	return step.Execute(ctx, r.exec, name, r.e.policies.HTML, func(ctx context.Context) (Generation, error) {
		out, err := r.prompt(ctx, StepGenerateHTML, vars)
		if err != nil {
			return Generation{}, err
		}
		html, err := ParseHTML(name, out.Text)
		if err != nil {
			return Generation{}, err
		}
		return Generation{HTML: html, Model: out.Model}, nil
	})
}

type legalPages struct {
	Privacy string
	Terms   string
}

func (r *run) legalAndScore(ctx context.Context, agg research.Aggregate, gen Generation) (legalPages, model.QualityScore, error) {
	vars := r.baseVars()
	id := agg.Profile.Identity
	vars["business_type"] = id.BusinessType.Value
	vars["email"] = id.Email.Value
	vars["website"] = id.Website.Value

	var (
		pages    legalPages
		score    model.QualityScore
		scoreErr error
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := r.legalPage(gCtx, StepGeneratePrivacy, vars)
		pages.Privacy = page
		return err
	})
	g.Go(func() error {
		page, err := r.legalPage(gCtx, StepGenerateTerms, vars)
		pages.Terms = page
		return err
	})
	g.Go(func() error {
		score, scoreErr = r.score(gCtx, StepScoreQuality, agg, gen)
		return nil
	})
	if err := g.Wait(); err != nil {
		return legalPages{}, model.QualityScore{}, err
	}

	if scoreErr != nil {
		nf := &resilience.NonFatalScoringError{Err: scoreErr}
		r.log.Warn("workflow: scoring failed, using default score", zap.Error(nf))
		r.record(ctx, ActionScoringDefault, map[string]any{"error": nf.Error()})
		score = DefaultScore()
	}
	return pages, score, nil
}

func (r *run) legalPage(ctx context.Context, name string, vars map[string]any) (string, error) {
	gen, err := step.Execute(ctx, r.exec, name, r.e.policies.Legal, func(ctx context.Context) (Generation, error) {
		out, err := r.prompt(ctx, name, vars)
		if err != nil {
			return Generation{}, err
		}
		html, err := ParseHTML(name, out.Text)
		if err != nil {
			return Generation{}, err
		}
		return Generation{HTML: html, Model: out.Model}, nil
	})
	return gen.HTML, err
}

func (r *run) score(ctx context.Context, name string, agg research.Aggregate, gen Generation) (model.QualityScore, error) {
	vars := map[string]any{
		"business_name": research.DisplayName(r.inst.Params.BusinessName),
		"business_type": agg.Profile.Identity.BusinessType.Value,
		"html":          gen.HTML,
	}
	return step.Execute(ctx, r.exec, name, r.e.policies.Scoring, func(ctx context.Context) (model.QualityScore, error) {
		out, err := r.prompt(ctx, StepScoreQuality, vars)
		if err != nil {
			return model.QualityScore{}, err
		}
		score, err := ParseScore(name, out.Text)
		if err != nil {
			return model.QualityScore{}, err
		}
		if score.Degraded {
			r.log.Warn("workflow: quality score parsed from free text", zap.String("step", name), zap.Float64("score", score.Overall))
		}
		return score, nil
	})
}

func (r *run) qualityGate(ctx context.Context, agg research.Aggregate, gen Generation, score model.QualityScore) GateOutcome {
	gate := &Gate{
		MinQuality: r.e.minQuality,
		Log:        r.log,
		Regenerate: func(ctx context.Context, fb Feedback) (Generation, error) {
			return r.generate(ctx, StepRegenerateHTML, agg, &fb)
		},
		Rescore: func(ctx context.Context, g Generation) (model.QualityScore, error) {
			return r.score(ctx, StepRescoreQuality, agg, g)
		},
	}
	outcome := gate.Run(ctx, gen, score)

	trail := make([]string, len(outcome.Trail))
	for i, s := range outcome.Trail {
		trail[i] = string(s)
	}
	meta := map[string]any{
		"trail":       trail,
		"score":       outcome.Score.Overall,
		"regenerated": outcome.Regenerated,
		"min_quality": gate.MinQuality,
	}
	if outcome.RegenerationErr != nil {
		meta["regeneration_error"] = outcome.RegenerationErr.Error()
	}
	if outcome.RescoreErr != nil {
		meta["rescore_error"] = outcome.RescoreErr.Error()
	}
	r.record(ctx, ActionQualityGate, meta)
	return outcome
}

type researchSnapshot struct {
	Confidence float64            `json:"confidence"`
	Research   research.Aggregate `json:"research"`
}

func (r *run) upload(ctx context.Context, agg research.Aggregate, outcome GateOutcome, legal legalPages) (uploadReceipt, error) {
	p := r.inst.Params
	return step.Execute(ctx, r.exec, StepUploadArtifacts, r.e.policies.Upload, func(ctx context.Context) (uploadReceipt, error) {
		snapshot, err := json.MarshalIndent(researchSnapshot{Confidence: agg.Confidence(), Research: agg}, "", "  ")
		if err != nil {
			return uploadReceipt{}, resilience.Permanent(eris.Wrap(err, "workflow: encode research snapshot"))
		}
		pages := map[string][]byte{
			ArtifactIndex:    []byte(outcome.Generation.HTML),
			ArtifactPrivacy:  []byte(legal.Privacy),
			ArtifactTerms:    []byte(legal.Terms),
			ArtifactResearch: snapshot,
		}
		return writeArtifacts(ctx, r.e.objects, p.SiteID, r.inst.ID, pages, Manifest{
			SiteID:      p.SiteID,
			Version:     r.inst.ID,
			Quality:     outcome.Score.Overall,
			Regenerated: outcome.Regenerated,
			PublishedAt: r.e.now(),
		})
	})
}

// publishStatus flips the site to published. It is retried on its own;
// the artifacts are already live, so a failure is logged, not fatal.
func (r *run) publishStatus(ctx context.Context) {
	if r.e.status == nil {
		return
	}
	siteID := r.inst.Params.SiteID
	_, err := r.exec.ExecuteRaw(ctx, StepPublishStatus, r.e.policies.Publish, func(ctx context.Context) ([]byte, error) {
		if err := r.e.status.UpdateStatus(ctx, siteID, model.StatusPublished); err != nil {
			return nil, err
		}
		return []byte(`"` + string(model.StatusPublished) + `"`), nil
	})
	if err != nil {
		r.log.Warn("workflow: publish status failed", zap.Error(err))
		r.record(ctx, ActionPublishDeferred, map[string]any{"error": err.Error()})
	}
}

// setStatus reports status to the site sink and the instance hook. Neither
// failure stops the run.
func (r *run) setStatus(ctx context.Context, status model.Status) {
	notify(ctx, r.e.status, r.log, r.inst.Params.SiteID, status)
	if r.e.instStatus == nil {
		return
	}
	if err := r.e.instStatus(ctx, r.inst.ID, status); err != nil {
		r.log.Warn("workflow: instance status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *run) prompt(ctx context.Context, id string, vars map[string]any) (prompt.Output, error) {
	return r.e.runner.Run(ctx, id, r.e.versions[id], vars)
}

func (r *run) baseVars() map[string]any {
	p := r.inst.Params
	return map[string]any{
		"site_id":            p.SiteID,
		"business_name":      research.DisplayName(p.BusinessName),
		"business_address":   p.BusinessAddress,
		"business_phone":     p.BusinessPhone,
		"additional_context": p.AdditionalContext,
	}
}

func (r *run) stageDone(ctx context.Context, stage string) {
	r.log.Info("workflow: stage complete", zap.String("stage", stage))
	r.record(ctx, ActionStageCompleted, map[string]any{"stage": stage})
}

func (r *run) record(ctx context.Context, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["entity_id"] = r.inst.Params.SiteID
	meta["instance_id"] = r.inst.ID
	r.e.audit.Record(ctx, r.inst.Params.OrgID, r.inst.Params.SiteID, action, meta)
}
