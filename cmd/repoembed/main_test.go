package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and stderr.
// Flag variables are package globals, so they are reset first.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	configPath, secretsPath, logLevel = "", "", ""
	runRepos, runPlain, runDryRun = "", false, false
	reposFile = ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// isolate points every file the CLI may read at a temp dir and clears
// credentials inherited from the environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("INDEX_API_KEY", "")
	t.Setenv("REPOEMBED_SECRETS_FILE", filepath.Join(dir, "missing-secrets.toml"))
	t.Setenv("REPOEMBED_TELEMETRY_ENABLED", "false")
	return dir
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const caseStudies = `# Case studies

- [Demo](https://github.com/octo/demo) a small service
- Mirror: https://github.com/octo/demo.git
- Tools: https://github.com/acme/tools/tree/main/cmd
- Broken link https://github.com/
`

func TestReposCommand(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "case_studies.md"), caseStudies)

	stdout, stderr, err := execute(t, "repos", "--repos", list)
	require.NoError(t, err)

	assert.Equal(t, "octo/demo\nacme/tools\n", stdout)
	assert.Contains(t, stderr, "warning: line 6")
	assert.Equal(t, 1, strings.Count(stderr, "Broken link"), "each unparsed line is reported once")
}

func TestReposCommandEmptyList(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "empty.md"), "# Nothing here\n")

	_, _, err := execute(t, "repos", "--repos", list)
	require.Error(t, err)
	assert.ErrorIs(t, err, repolist.ErrNoReferences)
}

func TestReposCommandUsesConfigFile(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "list.md"), "see https://github.com/acme/tools\n")
	cfg := writeFile(t, filepath.Join(dir, "repoembed.yaml"), "repositories:\n  list_file: "+list+"\n")

	stdout, _, err := execute(t, "--config", cfg, "repos")
	require.NoError(t, err)
	assert.Equal(t, "acme/tools\n", stdout)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	dir := isolate(t)
	cfg := writeFile(t, filepath.Join(dir, "repoembed.yaml"), "chunking:\n  max_tokens: 10\n  overlap_tokens: 10\n")

	_, _, err := execute(t, "--config", cfg, "repos")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunRequiresGitHubToken(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "case_studies.md"), caseStudies)

	stdout, _, err := execute(t, "run", "--dry-run", "--plain", "--repos", list)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingSecret)
	assert.Contains(t, stdout, "✗ Error:")
	assert.Contains(t, stdout, "GITHUB_TOKEN")
}

func TestRunRequiresEmbeddingKey(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "case_studies.md"), caseStudies)
	secrets := writeFile(t, filepath.Join(dir, "secrets.toml"), "[API]\nGITHUB_TOKEN = \"ghp-test\"\n")

	_, _, err := execute(t, "--secrets", secrets, "run", "--plain", "--repos", list)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingSecret)
	assert.Contains(t, err.Error(), "EMBEDDING_API_KEY")
}

func TestRunReportsUnparsedLinesOnce(t *testing.T) {
	dir := isolate(t)
	list := writeFile(t, filepath.Join(dir, "case_studies.md"), caseStudies)
	secrets := writeFile(t, filepath.Join(dir, "secrets.toml"), "[API]\nGITHUB_TOKEN = \"ghp-test\"\n")

	github := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(github.Close)
	t.Setenv("REPOEMBED_SOURCE_API_URL", github.URL)

	stdout, stderr, err := execute(t, "--secrets", secrets, "run", "--dry-run", "--plain", "--repos", list)
	require.Error(t, err, "the contents API answers 404")

	assert.Equal(t, 1, strings.Count(stdout, "skipping line 6"))
	assert.NotContains(t, stderr, "Broken link")
}

func TestIndexEnsureChromem(t *testing.T) {
	dir := isolate(t)
	t.Setenv("REPOEMBED_INDEX_BACKEND", "chromem")
	t.Setenv("REPOEMBED_INDEX_CHROMEM_PATH", filepath.Join(dir, "index"))
	t.Setenv("REPOEMBED_INDEX_NAME", "case-studies")

	stdout, _, err := execute(t, "index", "ensure")
	require.NoError(t, err)
	assert.Equal(t, "index case-studies created (dimension 1536, metric cosine)\n", stdout)

	stdout, _, err = execute(t, "index", "ensure")
	require.NoError(t, err)
	assert.Equal(t, "index case-studies exists (dimension 1536, metric cosine)\n", stdout)
}

func TestIndexNameFromSecrets(t *testing.T) {
	dir := isolate(t)
	t.Setenv("REPOEMBED_INDEX_BACKEND", "chromem")
	t.Setenv("REPOEMBED_INDEX_CHROMEM_PATH", filepath.Join(dir, "index"))
	secrets := writeFile(t, filepath.Join(dir, "secrets.toml"), "[API]\nINDEX_NAME = \"from-secrets\"\n")

	stdout, _, err := execute(t, "--secrets", secrets, "index", "ensure")
	require.NoError(t, err)
	assert.Contains(t, stdout, "index from-secrets created")
}
