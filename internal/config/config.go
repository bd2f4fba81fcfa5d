// Package config provides configuration loading for repoembed.
//
// Settings come from three layers: built-in defaults, an optional YAML file
// and REPOEMBED_* environment variables. Credentials live in a separate TOML
// secrets file (see LoadSecrets) and never pass through koanf.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidConfig is returned when a setting fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrMissingSecret is returned when a required credential is absent.
	ErrMissingSecret = errors.New("missing secret")
)

// Config holds the complete repoembed configuration.
type Config struct {
	Repositories RepositoriesConfig `koanf:"repositories"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Source       SourceConfig       `koanf:"source"`
	Redaction    RedactionConfig    `koanf:"redaction"`
	Chunking     ChunkingConfig     `koanf:"chunking"`
	Embedding    EmbeddingConfig    `koanf:"embedding"`
	Index        IndexConfig        `koanf:"index"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Progress     ProgressConfig     `koanf:"progress"`
}

// RepositoriesConfig locates the Markdown repository list.
type RepositoriesConfig struct {
	ListFile string `koanf:"list_file"`
	Host     string `koanf:"host"`
}

// SecretsConfig locates the TOML secrets file.
type SecretsConfig struct {
	File string `koanf:"file"`
}

// Decode error policies for SourceConfig.DecodeErrors.
const (
	DecodeSkip = "skip"
	DecodeFail = "fail"
)

// SourceConfig controls repository traversal.
type SourceConfig struct {
	APIURL            string   `koanf:"api_url"`
	Extensions        []string `koanf:"extensions"`
	SkipDirs          []string `koanf:"skip_dirs"`
	MaxFileSize       int64    `koanf:"max_file_size"`
	DecodeErrors      string   `koanf:"decode_errors"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// RedactionConfig controls secret scrubbing of file content.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// ChunkingConfig controls the token splitter.
type ChunkingConfig struct {
	MaxTokens     int      `koanf:"max_tokens"`
	OverlapTokens int      `koanf:"overlap_tokens"`
	Encoding      string   `koanf:"encoding"`
	Separators    []string `koanf:"separators"`
}

// Embedding providers and failure modes.
const (
	ProviderOpenAI    = "openai"
	ProviderFastEmbed = "fastembed"

	FailureSkip  = "skip"
	FailureRetry = "retry"
	FailureAbort = "abort"
)

// EmbeddingConfig controls the embedding provider and batching.
type EmbeddingConfig struct {
	Provider     string   `koanf:"provider"`
	Model        string   `koanf:"model"`
	BaseURL      string   `koanf:"base_url"`
	Dimension    int      `koanf:"dimension"`
	BatchSize    int      `koanf:"batch_size"`
	Timeout      Duration `koanf:"timeout"`
	CacheDir     string   `koanf:"cache_dir"`
	FailureMode  string   `koanf:"failure_mode"`
	FailureDelay Duration `koanf:"failure_delay"`
	MaxRetries   int      `koanf:"max_retries"`
	MaxDelay     Duration `koanf:"max_delay"`
}

// Index backends.
const (
	BackendQdrant  = "qdrant"
	BackendChromem = "chromem"
)

// IndexConfig controls the vector index.
type IndexConfig struct {
	Backend        string `koanf:"backend"`
	Name           string `koanf:"name"`
	Metric         string `koanf:"metric"`
	VerifyExisting bool   `koanf:"verify_existing"`

	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	MaxRetries int    `koanf:"max_retries"`

	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// MetricsConfig controls the Prometheus textfile written after a run.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// ProgressConfig controls console progress output.
type ProgressConfig struct {
	Plain bool `koanf:"plain"`
	Width int  `koanf:"width"`
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.Repositories.ListFile == "" {
		return invalid("repositories.list_file is required")
	}
	if c.Repositories.Host == "" {
		return invalid("repositories.host is required")
	}
	if err := c.Source.validate(); err != nil {
		return err
	}
	if err := c.Chunking.validate(); err != nil {
		return err
	}
	if err := c.Embedding.validate(); err != nil {
		return err
	}
	if err := c.Index.validate(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return invalid("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return invalid("telemetry.protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.Endpoint == "" {
			return invalid("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return invalid("telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate)
		}
	}
	if c.Progress.Width < 0 {
		return invalid("progress.width must be >= 0")
	}
	return nil
}

func (s SourceConfig) validate() error {
	if len(s.Extensions) == 0 {
		return invalid("source.extensions must not be empty")
	}
	for _, ext := range s.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return invalid("source.extensions entry %q must look like '.go'", ext)
		}
	}
	if s.MaxFileSize <= 0 {
		return invalid("source.max_file_size must be > 0")
	}
	if s.DecodeErrors != DecodeSkip && s.DecodeErrors != DecodeFail {
		return invalid("source.decode_errors must be %q or %q, got %q", DecodeSkip, DecodeFail, s.DecodeErrors)
	}
	if s.RequestsPerSecond < 0 {
		return invalid("source.requests_per_second must be >= 0")
	}
	if s.APIURL != "" {
		if _, err := url.ParseRequestURI(s.APIURL); err != nil {
			return invalid("source.api_url: %v", err)
		}
	}
	return nil
}

func (c ChunkingConfig) validate() error {
	if c.MaxTokens < 1 {
		return invalid("chunking.max_tokens must be >= 1, got %d", c.MaxTokens)
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxTokens {
		return invalid("chunking.overlap_tokens must be within [0, max_tokens), got %d", c.OverlapTokens)
	}
	if len(c.Separators) == 0 {
		return invalid("chunking.separators must not be empty")
	}
	return nil
}

func (e EmbeddingConfig) validate() error {
	switch e.Provider {
	case ProviderOpenAI:
		if _, err := url.ParseRequestURI(e.BaseURL); err != nil {
			return invalid("embedding.base_url: %v", err)
		}
	case ProviderFastEmbed:
	default:
		return invalid("embedding.provider must be %q or %q, got %q", ProviderOpenAI, ProviderFastEmbed, e.Provider)
	}
	if e.Model == "" {
		return invalid("embedding.model is required")
	}
	if e.Dimension < 1 {
		return invalid("embedding.dimension must be >= 1, got %d", e.Dimension)
	}
	if e.BatchSize < 1 {
		return invalid("embedding.batch_size must be >= 1, got %d", e.BatchSize)
	}
	switch e.FailureMode {
	case FailureSkip, FailureRetry, FailureAbort:
	default:
		return invalid("embedding.failure_mode must be one of skip, retry, abort, got %q", e.FailureMode)
	}
	if e.MaxRetries < 0 {
		return invalid("embedding.max_retries must be >= 0")
	}
	return nil
}

func (i IndexConfig) validate() error {
	if i.Name == "" {
		return invalid("index.name is required")
	}
	switch i.Metric {
	case "cosine", "dotproduct", "euclidean":
	default:
		return invalid("index.metric must be cosine, dotproduct or euclidean, got %q", i.Metric)
	}
	switch i.Backend {
	case BackendQdrant:
		if i.Host == "" {
			return invalid("index.host is required for the qdrant backend")
		}
		if i.Port < 1 || i.Port > 65535 {
			return invalid("index.port out of range: %d", i.Port)
		}
		if i.MaxRetries < 0 {
			return invalid("index.max_retries must be >= 0")
		}
	case BackendChromem:
		if i.ChromemPath == "" {
			return invalid("index.chromem_path is required for the chromem backend")
		}
		if i.Metric != "cosine" {
			return invalid("the chromem backend only supports the cosine metric")
		}
	default:
		return invalid("index.backend must be %q or %q, got %q", BackendQdrant, BackendChromem, i.Backend)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
