package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/audit"
	"github.com/sells-group/sitegen/internal/cache"
	"github.com/sells-group/sitegen/internal/config"
	"github.com/sells-group/sitegen/internal/objectstore"
	"github.com/sells-group/sitegen/internal/prompt"
	"github.com/sells-group/sitegen/internal/resilience"
	"github.com/sells-group/sitegen/internal/step"
	"github.com/sells-group/sitegen/internal/store"
	"github.com/sells-group/sitegen/internal/workflow"
	anthropicpkg "github.com/sells-group/sitegen/pkg/anthropic"
)

// workflowEnv holds everything the generate, resume and serve commands
// share.
type workflowEnv struct {
	Store   store.Store
	Service *workflow.Service

	audit  *audit.Async
	closer []func()
}

// Close stops in-flight runs, drains the workflow log and releases
// connections.
func (we *workflowEnv) Close(ctx context.Context) {
	if we.Service != nil {
		if err := we.Service.Shutdown(ctx); err != nil {
			zap.L().Warn("workflow: shutdown", zap.Error(err))
		}
	}
	if we.audit != nil {
		if err := we.audit.Close(ctx); err != nil {
			zap.L().Warn("audit: close", zap.Error(err))
		}
	}
	for i := len(we.closer) - 1; i >= 0; i-- {
		we.closer[i]()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "sitegen.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initStepCache layers Redis and an in-process cache over the store. The
// store stays the authoritative tier.
func initStepCache(ctx context.Context, st store.Store, env *workflowEnv) (step.Cache, error) {
	var tiers []cache.Tier
	if cfg.Cache.Redis.Addr != "" {
		rc, err := cache.DialRedis(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, cfg.Cache.Redis.Prefix, cfg.Cache.Redis.TTL)
		if err != nil {
			return nil, err
		}
		env.closer = append(env.closer, func() { _ = rc.Close() })
		tiers = append(tiers, cache.Tier{Name: "redis", Cache: rc})
		zap.L().Info("step cache: redis tier enabled", zap.String("addr", cfg.Cache.Redis.Addr))
	}
	tiers = append(tiers, cache.Tier{Name: cfg.Store.Driver, Cache: st})

	if !cfg.Cache.L1.Enabled && len(tiers) == 1 {
		return st, nil
	}
	tc, err := cache.NewTiered(cfg.Cache.L1.MaxBytes, cfg.Cache.L1.TTL, tiers...)
	if err != nil {
		return nil, err
	}
	env.closer = append(env.closer, tc.Close)
	return tc, nil
}

func initObjectStore(ctx context.Context) (objectstore.Store, error) {
	switch cfg.ObjectStore.Driver {
	case "fs":
		return objectstore.NewFS(cfg.ObjectStore.Root)
	case "s3":
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:   cfg.ObjectStore.S3.Bucket,
			Region:   cfg.ObjectStore.S3.Region,
			Prefix:   cfg.ObjectStore.S3.Prefix,
			Endpoint: cfg.ObjectStore.S3.Endpoint,
		})
	default:
		return nil, eris.Errorf("unsupported objectstore driver: %s", cfg.ObjectStore.Driver)
	}
}

func initRunner(c *config.Config) (prompt.Runner, error) {
	registry, err := prompt.LoadFile(c.Prompts.File)
	if err != nil {
		return nil, err
	}
	zap.L().Info("prompts loaded", zap.Strings("ids", registry.IDs()))

	var clientOpts []anthropicpkg.Option
	if c.Anthropic.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(c.Anthropic.Key, clientOpts...)

	breakers := resilience.NewBreakers(resilience.NewBreakerConfig(c.Circuit.FailureThreshold, time.Duration(c.Circuit.ResetTimeoutSecs)*time.Second))
	return prompt.NewAnthropicRunner(client, registry,
		prompt.WithDefaultModel(c.Anthropic.Model),
		prompt.WithMaxTokens(c.Anthropic.MaxTokens),
		prompt.WithRateLimit(c.Anthropic.RateLimit, c.Anthropic.Burst),
		prompt.WithBreakers(breakers),
	), nil
}

// initWorkflow validates config for mode and builds the service. Callers
// should defer env.Close().
func initWorkflow(ctx context.Context, mode string) (*workflowEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, eris.Wrap(err, "config validation")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	env := &workflowEnv{Store: st, closer: []func(){func() { _ = st.Close() }}}

	if err := st.Migrate(ctx); err != nil {
		env.Close(ctx)
		return nil, eris.Wrap(err, "migrate store")
	}

	stepCache, err := initStepCache(ctx, st, env)
	if err != nil {
		env.Close(ctx)
		return nil, eris.Wrap(err, "init step cache")
	}

	objects, err := initObjectStore(ctx)
	if err != nil {
		env.Close(ctx)
		return nil, eris.Wrap(err, "init object store")
	}

	runner, err := initRunner(cfg)
	if err != nil {
		env.Close(ctx)
		return nil, eris.Wrap(err, "init prompt runner")
	}

	env.audit = audit.NewAsync(st, cfg.Audit.Buffer)

	engine, err := workflow.NewEngine(runner, stepCache, objects,
		workflow.WithPolicies(cfg.Workflow.Policies),
		workflow.WithMinQuality(cfg.Quality.MinScore),
		workflow.WithPromptVersions(cfg.Prompts.Versions),
		workflow.WithStatusSink(st),
		workflow.WithInstanceStatus(workflow.PersistInstanceStatus(st)),
		workflow.WithAuditLog(env.audit),
	)
	if err != nil {
		env.Close(ctx)
		return nil, eris.Wrap(err, "init engine")
	}

	env.Service = workflow.NewService(engine, st, workflow.ServiceConfig{
		MaxConcurrent: cfg.Workflow.MaxConcurrent,
		DLQMaxRetries: cfg.Workflow.DLQ.MaxRetries,
		DLQBackoff:    cfg.Workflow.DLQ.Backoff,
	})

	zap.L().Info("workflow initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("objectstore", cfg.ObjectStore.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Float64("min_quality", cfg.Quality.MinScore),
	)
	return env, nil
}
