// Package config loads chatstream settings from YAML files and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/retry"
)

// Supported backend providers
const (
	ProviderTGI    = "tgi"
	ProviderOpenAI = "openai"
	ProviderVertex = "vertex"
)

// Config is the root configuration
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Generation GenerationConfig `yaml:"generation"`
	Retry      RetryConfig      `yaml:"retry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// BackendConfig selects and addresses the inference backend
type BackendConfig struct {
	Provider        string        `yaml:"provider"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	Model           string        `yaml:"model,omitempty"`
	Token           string        `yaml:"token,omitempty"`
	Project         string        `yaml:"project,omitempty"`
	Location        string        `yaml:"location,omitempty"`
	CredentialsFile string        `yaml:"credentials_file,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// GenerationConfig holds request defaults and controller limits
type GenerationConfig struct {
	Temperature       float64  `yaml:"temperature"`
	TopP              float64  `yaml:"top_p"`
	MaxNewTokens      int      `yaml:"max_new_tokens"`
	RepetitionPenalty float64  `yaml:"repetition_penalty"`
	Seed              int64    `yaml:"seed"`
	MaxAttempts       int      `yaml:"max_attempts"`
	StopPatterns      []string `yaml:"stop_patterns,omitempty"`
	CompletionMarker  string   `yaml:"completion_marker,omitempty"`
}

// RetryConfig configures transport-level retries for opening requests
type RetryConfig struct {
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	MaximumInterval    time.Duration `yaml:"maximum_interval"`
	MaximumAttempts    int32         `yaml:"maximum_attempts"`
}

// LoggingConfig configures the zerolog logger
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig configures the tracing exporters
type TracingConfig struct {
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Langfuse      LangfuseConfig      `yaml:"langfuse"`
}

// OpenTelemetryConfig configures the OTLP trace exporter
type OpenTelemetryConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ServiceName       string  `yaml:"service_name"`
	CollectorEndpoint string  `yaml:"collector_endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
}

// LangfuseConfig configures the Langfuse client
type LangfuseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretKey   string `yaml:"secret_key,omitempty"`
	PublicKey   string `yaml:"public_key,omitempty"`
	Host        string `yaml:"host,omitempty"`
	Environment string `yaml:"environment,omitempty"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	params := llm.DefaultGenerateParams()
	return &Config{
		Backend: BackendConfig{
			Provider: ProviderTGI,
			Location: "us-central1",
			Timeout:  2 * time.Minute,
		},
		Generation: GenerationConfig{
			Temperature:       params.Temperature,
			TopP:              params.TopP,
			MaxNewTokens:      params.MaxNewTokens,
			RepetitionPenalty: params.RepetitionPenalty,
			Seed:              params.Seed,
			MaxAttempts:       5,
		},
		Retry: RetryConfig{
			InitialInterval:    retry.DefaultInitialInterval,
			BackoffCoefficient: retry.DefaultBackoffCoefficient,
			MaximumInterval:    retry.DefaultMaximumInterval,
			MaximumAttempts:    retry.DefaultMaximumAttempts,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			OpenTelemetry: OpenTelemetryConfig{
				ServiceName:       "chatstream",
				CollectorEndpoint: "localhost:4317",
				SamplingRate:      1.0,
			},
			Langfuse: LangfuseConfig{
				Host:        "https://cloud.langfuse.com",
				Environment: "development",
			},
		},
	}
}

// LoadFromFile reads a YAML file over the defaults and applies environment overrides
func LoadFromFile(filePath string) (*Config, error) {
	if !isValidFilePath(filePath) {
		return nil, fmt.Errorf("invalid file path")
	}

	data, err := os.ReadFile(filePath) // #nosec G304 - Path is validated with isValidFilePath() before use
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Get returns the process-wide configuration, loading it from the environment on first use.
// An invalid environment falls back to the defaults.
func Get() *Config {
	globalMu.RLock()
	cfg := globalCfg
	globalMu.RUnlock()
	if cfg != nil {
		return cfg
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		loaded, err := LoadFromEnv()
		if err != nil {
			loaded = Default()
		}
		globalCfg = loaded
	}
	return globalCfg
}

// Set replaces the process-wide configuration
func Set(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = cfg
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("CHATSTREAM_PROVIDER", &c.Backend.Provider)
	setString("CHATSTREAM_BASE_URL", &c.Backend.BaseURL)
	setString("CHATSTREAM_MODEL", &c.Backend.Model)
	setString("CHATSTREAM_TOKEN", &c.Backend.Token)
	setString("GOOGLE_CLOUD_PROJECT", &c.Backend.Project)
	setString("GOOGLE_APPLICATION_CREDENTIALS", &c.Backend.CredentialsFile)
	setString("CHATSTREAM_LOG_LEVEL", &c.Logging.Level)

	// Provider keys only fill an unset token
	if c.Backend.Token == "" {
		switch c.Backend.Provider {
		case ProviderTGI:
			setString("HF_TOKEN", &c.Backend.Token)
		case ProviderOpenAI:
			setString("OPENAI_API_KEY", &c.Backend.Token)
		}
	}

	if v := os.Getenv("CHATSTREAM_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSTREAM_MAX_ATTEMPTS %q: %w", v, err)
		}
		c.Generation.MaxAttempts = n
	}
	if v := os.Getenv("CHATSTREAM_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CHATSTREAM_TEMPERATURE %q: %w", v, err)
		}
		c.Generation.Temperature = f
	}
	if v := os.Getenv("CHATSTREAM_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSTREAM_LOG_JSON %q: %w", v, err)
		}
		c.Logging.JSON = b
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OpenTelemetry.Enabled = true
		c.Tracing.OpenTelemetry.CollectorEndpoint = v
	}
	setString("LANGFUSE_SECRET_KEY", &c.Tracing.Langfuse.SecretKey)
	setString("LANGFUSE_PUBLIC_KEY", &c.Tracing.Langfuse.PublicKey)
	setString("LANGFUSE_HOST", &c.Tracing.Langfuse.Host)
	if c.Tracing.Langfuse.SecretKey != "" && c.Tracing.Langfuse.PublicKey != "" {
		c.Tracing.Langfuse.Enabled = true
	}

	return nil
}

// Validate rejects unknown providers and out-of-range limits
func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case ProviderTGI, ProviderOpenAI:
	case ProviderVertex:
		if c.Backend.Project == "" {
			return fmt.Errorf("config: backend.project is required for the vertex provider")
		}
	default:
		return fmt.Errorf("config: unknown backend provider %q", c.Backend.Provider)
	}

	g := c.Generation
	switch {
	case g.MaxAttempts < 0:
		return fmt.Errorf("config: generation.max_attempts must not be negative, got %d", g.MaxAttempts)
	case g.MaxNewTokens < 0:
		return fmt.Errorf("config: generation.max_new_tokens must not be negative, got %d", g.MaxNewTokens)
	case g.Temperature < 0:
		return fmt.Errorf("config: generation.temperature must not be negative, got %v", g.Temperature)
	case g.TopP < 0 || g.TopP > 1:
		return fmt.Errorf("config: generation.top_p must be within [0, 1], got %v", g.TopP)
	case c.Backend.Timeout < 0:
		return fmt.Errorf("config: backend.timeout must not be negative, got %s", c.Backend.Timeout)
	}

	if err := retry.NewPolicy(c.RetryOptions()...).Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// GenerateParams converts the generation section into request parameters
func (c *Config) GenerateParams() llm.GenerateParams {
	g := c.Generation
	return llm.GenerateParams{
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		MaxNewTokens:      g.MaxNewTokens,
		RepetitionPenalty: g.RepetitionPenalty,
		Seed:              g.Seed,
	}.Normalize()
}

// RetryOptions converts the retry section into policy options
func (c *Config) RetryOptions() []retry.Option {
	return []retry.Option{
		retry.WithInitialInterval(c.Retry.InitialInterval),
		retry.WithBackoffCoefficient(c.Retry.BackoffCoefficient),
		retry.WithMaximumInterval(c.Retry.MaximumInterval),
		retry.WithMaxAttempts(c.Retry.MaximumAttempts),
	}
}

// LoggerOptions converts the logging section into logger options
func (c *Config) LoggerOptions() []logging.Option {
	options := []logging.Option{logging.WithLevel(c.Logging.Level)}
	if c.Logging.JSON {
		options = append(options, logging.WithJSON())
	}
	return options
}

// isValidFilePath checks if a file path is valid and safe
func isValidFilePath(filePath string) bool {
	if filePath == "" {
		return false
	}

	cleanPath := filepath.Clean(filePath)
	if strings.Contains(cleanPath, "..") {
		return false
	}

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return false
	}

	if strings.HasPrefix(absPath, "/proc") ||
		strings.HasPrefix(absPath, "/sys") ||
		strings.HasPrefix(absPath, "/dev") {
		return false
	}

	return true
}
