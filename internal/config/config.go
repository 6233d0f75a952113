package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/sitegen/internal/db"
	"github.com/sells-group/sitegen/internal/step"
	"github.com/sells-group/sitegen/internal/workflow"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore" mapstructure:"objectstore"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Prompts     PromptsConfig     `yaml:"prompts" mapstructure:"prompts"`
	Workflow    WorkflowConfig    `yaml:"workflow" mapstructure:"workflow"`
	Quality     QualityConfig     `yaml:"quality" mapstructure:"quality"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// CacheConfig configures the step cache tiers above the store.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
	L1    L1Config    `yaml:"l1" mapstructure:"l1"`
}

// RedisConfig enables the Redis tier when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	Prefix   string        `yaml:"prefix" mapstructure:"prefix"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// L1Config sizes the in-process cache.
type L1Config struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxBytes int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// ObjectStoreConfig selects where artifacts are published.
type ObjectStoreConfig struct {
	Driver string   `yaml:"driver" mapstructure:"driver"`
	Root   string   `yaml:"root" mapstructure:"root"`
	S3     S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config holds bucket settings. Credentials come from the default AWS
// chain.
type S3Config struct {
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	Region   string `yaml:"region" mapstructure:"region"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// PromptsConfig locates prompt templates and pins versions.
type PromptsConfig struct {
	File     string            `yaml:"file" mapstructure:"file"`
	Versions map[string]string `yaml:"versions" mapstructure:"versions"`
}

// WorkflowConfig tunes execution.
type WorkflowConfig struct {
	MaxConcurrent int64             `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	Policies      workflow.Policies `yaml:"policies" mapstructure:"policies"`
	DLQ           DLQConfig         `yaml:"dlq" mapstructure:"dlq"`
}

// DLQConfig schedules automatic retries of failed instances.
type DLQConfig struct {
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	MinScore float64 `yaml:"min_score" mapstructure:"min_score"`
}

// AuditConfig sizes the workflow log buffer.
type AuditConfig struct {
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// CircuitConfig configures the per-model circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP trigger surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SITEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "sitegen.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("store.pool.connect_attempts", 5)
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "sitegen:step:")
	v.SetDefault("cache.redis.ttl", 72*time.Hour)
	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("cache.l1.max_bytes", 64<<20)
	v.SetDefault("cache.l1.ttl", time.Hour)
	v.SetDefault("objectstore.driver", "fs")
	v.SetDefault("objectstore.root", "./sites")
	v.SetDefault("objectstore.s3.bucket", "")
	v.SetDefault("objectstore.s3.region", "us-east-1")
	v.SetDefault("objectstore.s3.prefix", "")
	v.SetDefault("objectstore.s3.endpoint", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 16000)
	v.SetDefault("anthropic.rate_limit", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("prompts.file", "prompts/sitegen.yaml")
	v.SetDefault("workflow.max_concurrent", 4)
	v.SetDefault("workflow.dlq.max_retries", 3)
	v.SetDefault("workflow.dlq.backoff", 5*time.Minute)
	setPolicyDefaults(v, workflow.DefaultPolicies())
	v.SetDefault("quality.min_score", workflow.MinQuality)
	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setPolicyDefaults(v *viper.Viper, p workflow.Policies) {
	for name, pol := range map[string]step.Policy{
		"research": p.Research,
		"html":     p.HTML,
		"legal":    p.Legal,
		"scoring":  p.Scoring,
		"upload":   p.Upload,
		"publish":  p.Publish,
	} {
		prefix := "workflow.policies." + name + "."
		v.SetDefault(prefix+"max_attempts", pol.MaxAttempts)
		v.SetDefault(prefix+"base_delay", pol.BaseDelay)
		v.SetDefault(prefix+"backoff_multiplier", pol.BackoffMultiplier)
		v.SetDefault(prefix+"max_delay", pol.MaxDelay)
		v.SetDefault(prefix+"jitter", pol.Jitter)
		v.SetDefault(prefix+"timeout", pol.Timeout)
	}
}

// Validate checks the settings a mode needs. Every problem is reported,
// not just the first.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "generate", "resume":
		errs = append(errs, c.validateRun()...)
	case "serve":
		errs = append(errs, c.validateRun()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "workflows":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateRun() []string {
	errs := c.validateStore()
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	switch c.ObjectStore.Driver {
	case "fs":
		if c.ObjectStore.Root == "" {
			errs = append(errs, "objectstore.root is required for fs")
		}
	case "s3":
		if c.ObjectStore.S3.Bucket == "" {
			errs = append(errs, "objectstore.s3.bucket is required for s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("objectstore.driver %q is not fs or s3", c.ObjectStore.Driver))
	}
	if c.Quality.MinScore < 0 || c.Quality.MinScore > 1 {
		errs = append(errs, "quality.min_score must be between 0 and 1")
	}
	if c.Workflow.MaxConcurrent < 1 || c.Workflow.MaxConcurrent > 64 {
		errs = append(errs, "workflow.max_concurrent must be between 1 and 64")
	}
	if err := c.Workflow.Policies.Validate(); err != nil {
		errs = append(errs, "workflow.policies: "+err.Error())
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
