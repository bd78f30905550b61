// Package config loads server settings from defaults, a .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/validator"
)

// Prefix is prepended to every setting's environment variable.
const Prefix = "CODEMECHANIC_"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the effective server configuration.
type Config struct {
	HTTP      HTTPConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Executor  ExecutorConfig
	Pipeline  PipelineConfig
	Artifacts ArtifactsConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Port string
	// CORSOrigins is a comma-separated list; "*" allows all.
	CORSOrigins     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	// FileCacheSize is the LRU size for file reads. Zero disables the cache.
	FileCacheSize int
}

type LLMConfig struct {
	AnthropicKey      string
	GeminiKey         string
	OpenAIKey         string
	OllamaHost        string
	Provider          string
	Model             string
	RequestsPerSecond float64
	Burst             int
	SkipDiscovery     bool
}

type ExecutorConfig struct {
	MaxOperations int
	MaxFileBytes  int
	RunTimeout    time.Duration
}

type PipelineConfig struct {
	StepDelay    time.Duration
	Concurrency  int
	JobTimeout   time.Duration
	DeployDomain string
}

// ArtifactsConfig points at an S3-compatible store. An empty Endpoint keeps
// artifacts in memory.
type ArtifactsConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an S3 endpoint is configured.
func (a ArtifactsConfig) Enabled() bool { return a.Endpoint != "" }

type LogConfig struct {
	Level  string
	Format string // json or console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            "8080",
			CORSOrigins:     "*",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:        DriverSQLite,
			SQLitePath:    filepath.Join("data", "codemechanic.db"),
			FileCacheSize: 1024,
		},
		LLM: LLMConfig{Burst: 1},
		Executor: ExecutorConfig{
			MaxOperations: validator.DefaultLimits.MaxOperations,
			MaxFileBytes:  validator.DefaultLimits.MaxFileBytes,
			RunTimeout:    5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			StepDelay:    1500 * time.Millisecond,
			Concurrency:  4,
			JobTimeout:   10 * time.Minute,
			DeployDomain: "codemechanic.app",
		},
		Artifacts: ArtifactsConfig{
			Region: "us-east-1",
			Bucket: "codemechanic-artifacts",
			UseSSL: true,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads envFiles (".env" when none are given; missing files are
// ignored) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from Default and the variables lookup returns.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	e := &env{lookup: lookup}

	e.str("API_PORT", &c.HTTP.Port)
	e.str("CORS_ORIGINS", &c.HTTP.CORSOrigins)
	e.duration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	e.str("DB_PATH", &c.Storage.SQLitePath)
	e.str("DATABASE_URL", &c.Storage.PostgresDSN)
	if c.Storage.PostgresDSN != "" {
		c.Storage.Driver = DriverPostgres
	}
	e.str("DB_DRIVER", &c.Storage.Driver)
	e.integer("FILE_CACHE_SIZE", &c.Storage.FileCacheSize)

	e.raw("ANTHROPIC_API_KEY", &c.LLM.AnthropicKey)
	e.raw("GEMINI_API_KEY", &c.LLM.GeminiKey)
	e.raw("OPENAI_API_KEY", &c.LLM.OpenAIKey)
	e.raw("OLLAMA_HOST", &c.LLM.OllamaHost)
	e.str("LLM_PROVIDER", &c.LLM.Provider)
	e.str("LLM_MODEL", &c.LLM.Model)
	e.float("LLM_RPS", &c.LLM.RequestsPerSecond)
	e.integer("LLM_BURST", &c.LLM.Burst)
	e.boolean("LLM_SKIP_DISCOVERY", &c.LLM.SkipDiscovery)

	e.integer("MAX_OPERATIONS", &c.Executor.MaxOperations)
	e.integer("MAX_FILE_BYTES", &c.Executor.MaxFileBytes)
	e.duration("EXEC_TIMEOUT", &c.Executor.RunTimeout)

	e.duration("BUILD_STEP_DELAY", &c.Pipeline.StepDelay)
	e.integer("WORKERS", &c.Pipeline.Concurrency)
	e.duration("JOB_TIMEOUT", &c.Pipeline.JobTimeout)
	e.str("DEPLOY_DOMAIN", &c.Pipeline.DeployDomain)

	e.str("S3_ENDPOINT", &c.Artifacts.Endpoint)
	e.str("S3_REGION", &c.Artifacts.Region)
	e.str("S3_ACCESS_KEY", &c.Artifacts.AccessKey)
	e.str("S3_SECRET_KEY", &c.Artifacts.SecretKey)
	e.str("S3_BUCKET", &c.Artifacts.Bucket)
	e.boolean("S3_USE_SSL", &c.Artifacts.UseSSL)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite driver needs a database path"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres driver needs a database URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Executor.MaxOperations < 1 {
		errs = append(errs, errors.New("max operations must be positive"))
	}
	if c.Executor.MaxFileBytes < 1 {
		errs = append(errs, errors.New("max file bytes must be positive"))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("llm requests per second must not be negative"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// FactoryConfig maps the LLM group onto llm.FactoryConfig.
func (c *Config) FactoryConfig() llm.FactoryConfig {
	return llm.FactoryConfig{
		AnthropicKey:      c.LLM.AnthropicKey,
		GeminiKey:         c.LLM.GeminiKey,
		OpenAIKey:         c.LLM.OpenAIKey,
		OllamaHost:        c.LLM.OllamaHost,
		PreferredProvider: llm.Provider(c.LLM.Provider),
		PreferredModel:    c.LLM.Model,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
		SkipDiscovery:     c.LLM.SkipDiscovery,
	}
}

// Limits returns the executor's payload limits.
func (c *Config) Limits() validator.Limits {
	return validator.Limits{
		MaxOperations: c.Executor.MaxOperations,
		MaxFileBytes:  c.Executor.MaxFileBytes,
	}
}

// Log prints the effective configuration. Secrets are reported only as
// configured or not.
func Log(c *Config, logger *zap.Logger) {
	logger.Info("configuration",
		zap.String("port", c.HTTP.Port),
		zap.String("cors_origins", c.HTTP.CORSOrigins),
		zap.String("storage_driver", c.Storage.Driver),
		zap.String("sqlite_path", c.Storage.SQLitePath),
		zap.String("database_url", secret(c.Storage.PostgresDSN)),
		zap.Int("file_cache_size", c.Storage.FileCacheSize),
		zap.String("llm_provider", orAuto(c.LLM.Provider)),
		zap.String("llm_model", orAuto(c.LLM.Model)),
		zap.Float64("llm_rps", c.LLM.RequestsPerSecond),
		zap.Strings("api_keys", c.configuredKeys()),
		zap.Int("max_operations", c.Executor.MaxOperations),
		zap.Int("max_file_bytes", c.Executor.MaxFileBytes),
		zap.Duration("exec_timeout", c.Executor.RunTimeout),
		zap.Duration("build_step_delay", c.Pipeline.StepDelay),
		zap.Int("workers", c.Pipeline.Concurrency),
		zap.String("deploy_domain", c.Pipeline.DeployDomain),
		zap.String("artifact_endpoint", orValue(c.Artifacts.Endpoint, "(memory)")),
		zap.String("artifact_bucket", c.Artifacts.Bucket),
		zap.String("artifact_secret", secret(c.Artifacts.SecretKey)),
		zap.String("log_level", c.Log.Level),
	)
}

func (c *Config) configuredKeys() []string {
	keys := []string{}
	for _, k := range []struct{ name, value string }{
		{"ANTHROPIC_API_KEY", c.LLM.AnthropicKey},
		{"GEMINI_API_KEY", c.LLM.GeminiKey},
		{"OPENAI_API_KEY", c.LLM.OpenAIKey},
		{"OLLAMA_HOST", c.LLM.OllamaHost},
	} {
		if k.value != "" {
			keys = append(keys, k.name)
		}
	}
	return keys
}

func secret(v string) string {
	if v == "" {
		return "(none)"
	}
	return "configured"
}

func orAuto(v string) string { return orValue(v, "(auto-detect)") }

func orValue(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// env reads typed values and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(name string) (string, bool) {
	v, ok := e.lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) raw(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *env) str(key string, dst *string) { e.raw(Prefix+key, dst) }

func (e *env) integer(key string, dst *int) {
	if v, ok := e.get(Prefix + key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *env) float(key string, dst *float64) {
	if v, ok := e.get(Prefix + key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
			return
		}
		*dst = f
	}
}

func (e *env) boolean(key string, dst *bool) {
	if v, ok := e.get(Prefix + key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
			return
		}
		*dst = b
	}
}

func (e *env) duration(key string, dst *time.Duration) {
	if v, ok := e.get(Prefix + key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
			return
		}
		*dst = d
	}
}
