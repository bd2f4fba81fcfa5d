package redact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/repoembed/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leakyFile = `package config

const openAIKey = "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"
`

func TestReplaceFindings(t *testing.T) {
	content := "a=SECRET1 b=SECRET1LONG c=SECRET1"
	got := replaceFindings(content, []Finding{
		{RuleID: "short", Secret: "SECRET1"},
		{RuleID: "long", Secret: "SECRET1LONG"},
	})
	assert.Equal(t, "a=[REDACTED:short] b=[REDACTED:long] c=[REDACTED:short]", got)
}

func TestRedactor_NoSecrets(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)

	rec := source.FileRecord{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}
	got, findings := r.Redact(context.Background(), rec)
	assert.Empty(t, findings)
	assert.Equal(t, rec, got)
}

func TestRedactor_RedactsDetectedSecret(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)

	recs := []source.FileRecord{{Path: "config.go", Content: leakyFile}}
	sum := r.RedactAll(context.Background(), recs)
	if sum.Secrets == 0 {
		t.Skip("gitleaks rule set did not flag the sample key")
	}

	assert.Equal(t, 1, sum.FilesScanned)
	assert.Equal(t, 1, sum.FilesRedacted)
	assert.NotContains(t, recs[0].Content, "sk-proj-abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, recs[0].Content, "[REDACTED:")
	assert.True(t, strings.HasPrefix(recs[0].Content, "package config"))
}

func TestRedactor_PathAllowlist(t *testing.T) {
	r, err := New(&Allowlist{Paths: []string{`^testdata/`}}, nil)
	require.NoError(t, err)

	rec := source.FileRecord{Path: "testdata/config.go", Content: leakyFile}
	got, findings := r.Redact(context.Background(), rec)
	assert.Empty(t, findings)
	assert.Equal(t, leakyFile, got.Content)
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitleaks.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[allowlist]
paths = ['''^testdata/''']
regexes = ['''EXAMPLE_[A-Z]+''']
`), 0o600))

	allow, err := LoadAllowlist(path)
	require.NoError(t, err)
	assert.Equal(t, []string{`^testdata/`}, allow.Paths)
	assert.Equal(t, []string{`EXAMPLE_[A-Z]+`}, allow.Regexes)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist]\nregexes = ['''(''']\n"), 0o600))
	_, err = LoadAllowlist(bad)
	assert.ErrorIs(t, err, ErrInvalidRegex)

	_, err = LoadAllowlist(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, ErrInvalidTOML)
}
