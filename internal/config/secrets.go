package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

// Secrets holds the credentials and index coordinates read from the
// [API] table of the secrets file.
type Secrets struct {
	EmbeddingAPIKey Secret
	IndexAPIKey     Secret
	GitHubToken     Secret
	IndexName       string
	IndexEnv        string
}

// secretsFile mirrors the on-disk layout. Legacy key names are accepted so
// existing secrets files keep working.
type secretsFile struct {
	API struct {
		EmbeddingAPIKey string `toml:"EMBEDDING_API_KEY"`
		OpenAIAPIKey    string `toml:"OPENAI_API_KEY"`
		AnthropicAPIKey string `toml:"ANTHROPIC_API_KEY"`
		IndexAPIKey     string `toml:"INDEX_API_KEY"`
		PineconeAPIKey  string `toml:"PINECONE_API_KEY"`
		GitHubToken     string `toml:"GITHUB_TOKEN"`
		IndexName       string `toml:"INDEX_NAME"`
		PineconeIndex   string `toml:"PINECONE_INDEX_NAME"`
		IndexEnv        string `toml:"INDEX_ENV"`
		PineconeEnv     string `toml:"PINECONE_ENV"`
	} `toml:"API"`
}

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadSecrets reads the TOML secrets file at path. A missing file is not an
// error by itself; values fall back to the environment variables
// GITHUB_TOKEN, EMBEDDING_API_KEY (or OPENAI_API_KEY) and INDEX_API_KEY.
// File values win over the environment.
func LoadSecrets(path string, lookup LookupFunc) (*Secrets, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var raw secretsFile
	if path != "" {
		if _, err := toml.DecodeFile(path, &raw); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
		}
	}

	api := raw.API
	s := &Secrets{
		EmbeddingAPIKey: Secret(firstNonEmpty(api.EmbeddingAPIKey, api.OpenAIAPIKey, api.AnthropicAPIKey,
			lookupEnv(lookup, "EMBEDDING_API_KEY"), lookupEnv(lookup, "OPENAI_API_KEY"))),
		IndexAPIKey: Secret(firstNonEmpty(api.IndexAPIKey, api.PineconeAPIKey, lookupEnv(lookup, "INDEX_API_KEY"))),
		GitHubToken: Secret(firstNonEmpty(api.GitHubToken, lookupEnv(lookup, "GITHUB_TOKEN"))),
		IndexName:   firstNonEmpty(api.IndexName, api.PineconeIndex),
		IndexEnv:    firstNonEmpty(api.IndexEnv, api.PineconeEnv),
	}
	return s, nil
}

// Check verifies that every credential cfg needs is present.
func (s *Secrets) Check(cfg *Config) error {
	if !s.GitHubToken.IsSet() {
		return fmt.Errorf("%w: GITHUB_TOKEN", ErrMissingSecret)
	}
	if cfg.Embedding.Provider == ProviderOpenAI && !s.EmbeddingAPIKey.IsSet() && isOpenAIHost(cfg.Embedding.BaseURL) {
		return fmt.Errorf("%w: EMBEDDING_API_KEY", ErrMissingSecret)
	}
	return nil
}

// Apply copies the index coordinates from the secrets file into cfg.
// INDEX_ENV names the Qdrant host.
func (s *Secrets) Apply(cfg *Config) {
	if s.IndexName != "" {
		cfg.Index.Name = s.IndexName
	}
	if s.IndexEnv != "" && cfg.Index.Backend == BackendQdrant {
		cfg.Index.Host = s.IndexEnv
	}
}

func isOpenAIHost(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return u.Hostname() == "api.openai.com"
}

func lookupEnv(lookup LookupFunc, key string) string {
	v, _ := lookup(key)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
