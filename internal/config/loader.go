package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "REPOEMBED_"

	// DefaultConfigFile is read when no explicit path is given and it exists.
	DefaultConfigFile = "repoembed.yaml"
)

// Load reads configuration from YAML, then overrides with environment variables.
//
// Precedence (highest to lowest):
//  1. REPOEMBED_* environment variables
//  2. YAML file at configPath (or ./repoembed.yaml when configPath is empty)
//  3. Defaults
//
// An explicit configPath that does not exist is an error; the implicit
// default file is optional.
//
// Environment variables map section and field on the first underscore:
//
//	REPOEMBED_EMBEDDING_BATCH_SIZE -> embedding.batch_size
//	REPOEMBED_INDEX_VERIFY_EXISTING -> index.verify_existing
//	REPOEMBED_SOURCE_EXTENSIONS=.go,.py -> source.extensions
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	path, required := configPath, true
	if path == "" {
		path, required = DefaultConfigFile, false
	}

	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(k, &cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	var cfg Config
	applyDefaults(koanf.New("."), &cfg)
	return &cfg
}

// envKey maps REPOEMBED_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// listKeys hold string slices; their env values are comma separated.
var listKeys = map[string]bool{
	"source.extensions":   true,
	"source.skip_dirs":    true,
	"chunking.separators": true,
}

// envValue maps the variable name with envKey and splits list values.
// Separators are kept verbatim; other entries are trimmed and empty ones
// dropped.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !listKeys[key] {
		return key, value
	}
	if key == "chunking.separators" {
		return key, strings.Split(value, ",")
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

// readConfigFile opens the file once and validates it through the open
// descriptor before reading.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", info.Name())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills every key the loaded layers did not set. Presence is
// checked on the koanf tree so explicit zero values (overlap 0, verify off)
// survive.
func applyDefaults(k *koanf.Koanf, cfg *Config) {
	unset := func(key string) bool { return !k.Exists(key) }

	if unset("repositories.list_file") {
		cfg.Repositories.ListFile = "case_studies.md"
	}
	if unset("repositories.host") {
		cfg.Repositories.Host = "github.com"
	}
	if unset("secrets.file") {
		cfg.Secrets.File = ".streamlit/secrets.toml"
	}

	if unset("source.extensions") {
		cfg.Source.Extensions = []string{".py", ".js", ".java", ".cpp", ".cs", ".go"}
	}
	if unset("source.max_file_size") {
		cfg.Source.MaxFileSize = 1024 * 1024
	}
	if unset("source.decode_errors") {
		cfg.Source.DecodeErrors = DecodeSkip
	}

	if unset("chunking.max_tokens") {
		cfg.Chunking.MaxTokens = 500
	}
	if unset("chunking.overlap_tokens") {
		cfg.Chunking.OverlapTokens = 20
	}
	if unset("chunking.encoding") {
		cfg.Chunking.Encoding = "cl100k_base"
	}
	if unset("chunking.separators") {
		cfg.Chunking.Separators = []string{"\n\n", "\n", " ", ""}
	}

	if unset("embedding.provider") {
		cfg.Embedding.Provider = ProviderOpenAI
	}
	fastembed := cfg.Embedding.Provider == ProviderFastEmbed
	if unset("embedding.model") {
		cfg.Embedding.Model = "text-embedding-3-small"
		if fastembed {
			cfg.Embedding.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if unset("embedding.dimension") {
		cfg.Embedding.Dimension = 1536
		if fastembed {
			cfg.Embedding.Dimension = 384
		}
	}
	if unset("embedding.base_url") {
		cfg.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if unset("embedding.batch_size") {
		cfg.Embedding.BatchSize = 100
	}
	if unset("embedding.timeout") {
		cfg.Embedding.Timeout = Duration(60 * time.Second)
	}
	if unset("embedding.cache_dir") {
		cfg.Embedding.CacheDir = "local_cache"
	}
	if unset("embedding.failure_mode") {
		cfg.Embedding.FailureMode = FailureSkip
	}
	if unset("embedding.failure_delay") {
		cfg.Embedding.FailureDelay = Duration(5 * time.Second)
	}
	if unset("embedding.max_retries") {
		cfg.Embedding.MaxRetries = 3
	}
	if unset("embedding.max_delay") {
		cfg.Embedding.MaxDelay = Duration(time.Minute)
	}

	if unset("index.backend") {
		cfg.Index.Backend = BackendQdrant
	}
	if unset("index.name") {
		cfg.Index.Name = "repoembed"
	}
	if unset("index.metric") {
		cfg.Index.Metric = "cosine"
	}
	if unset("index.verify_existing") {
		cfg.Index.VerifyExisting = true
	}
	if unset("index.host") {
		cfg.Index.Host = "localhost"
	}
	if unset("index.port") {
		cfg.Index.Port = 6334
	}
	if unset("index.chromem_path") {
		cfg.Index.ChromemPath = ".repoembed/index"
	}

	if unset("logging.level") {
		cfg.Logging.Level = "info"
	}
	if unset("logging.format") {
		cfg.Logging.Format = "console"
	}

	if unset("telemetry.endpoint") {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if unset("telemetry.protocol") {
		cfg.Telemetry.Protocol = "grpc"
	}
	if unset("telemetry.insecure") {
		cfg.Telemetry.Insecure = true
	}
	if unset("telemetry.service_name") {
		cfg.Telemetry.ServiceName = "repoembed"
	}
	if unset("telemetry.sample_rate") {
		cfg.Telemetry.SampleRate = 1.0
	}

	if unset("progress.width") {
		cfg.Progress.Width = 40
	}
}
