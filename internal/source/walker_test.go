package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type entry struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

// fakeGitHub serves the contents API for one repository from a map of
// directories and files.
type fakeGitHub struct {
	mu       sync.Mutex
	dirs     map[string][]entry
	files    map[string]entry
	requests []string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/repos/octo/demo/contents"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")

	f.mu.Lock()
	f.requests = append(f.requests, path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if children, ok := f.dirs[path]; ok {
		_ = json.NewEncoder(w).Encode(children)
		return
	}
	if file, ok := f.files[path]; ok {
		_ = json.NewEncoder(w).Encode(file)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"Not Found"}`))
}

func (f *fakeGitHub) requested(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.requests {
		if p == path {
			return true
		}
	}
	return false
}

func dir(path string) entry {
	return entry{Type: "dir", Name: path[strings.LastIndex(path, "/")+1:], Path: path}
}

func listed(path string, size int) entry {
	return entry{Type: "file", Name: path[strings.LastIndex(path, "/")+1:], Path: path, Size: size}
}

func fileWith(path string, content []byte) entry {
	e := listed(path, len(content))
	e.Encoding = "base64"
	e.Content = base64.StdEncoding.EncodeToString(content)
	return e
}

func newFixture() *fakeGitHub {
	return &fakeGitHub{
		dirs: map[string][]entry{
			"": {
				dir("src"),
				listed("a.py", 12),
				listed("README.md", 5),
				{Type: "submodule", Name: "third_party", Path: "third_party"},
			},
			"src": {
				listed("src/main.go", 12),
				dir("src/util"),
				listed("src/blob.go", 4),
				listed("src/huge.go", 5*1024*1024),
				dir("src/node_modules"),
			},
			"src/util":         {listed("src/util/x.js", 10)},
			"src/node_modules": {listed("src/node_modules/dep.js", 10)},
		},
		files: map[string]entry{
			"a.py":                    fileWith("a.py", []byte("print('hi')\n")),
			"README.md":               fileWith("README.md", []byte("hello")),
			"src/main.go":             fileWith("src/main.go", []byte("package main")),
			"src/util/x.js":           fileWith("src/util/x.js", []byte("let x = 1;")),
			"src/blob.go":             fileWith("src/blob.go", []byte{0xff, 0xfe, 0x00, 0x01}),
			"src/node_modules/dep.js": fileWith("src/node_modules/dep.js", []byte("module.exports = 1")),
		},
	}
}

func newTestWalker(t *testing.T, fake *fakeGitHub, opts Options, logger *logging.Logger) *Walker {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	return NewWalker(client.Repositories, opts, logger)
}

func defaultOptions() Options {
	return OptionsFromConfig(config.Default().Source)
}

var demo = repolist.Reference{Owner: "octo", Name: "demo"}

func TestWalk_BreadthFirstWithFilters(t *testing.T) {
	fake := newFixture()
	opts := defaultOptions()
	opts.SkipDirs = []string{"node_modules"}
	logger := logging.NewTestLogger()
	w := newTestWalker(t, fake, opts, logger.Logger)

	records, stats, err := w.Walk(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	paths := make([]string, 0, len(records))
	for _, r := range records {
		paths = append(paths, r.Path)
		assert.Equal(t, demo, r.Repository)
	}
	assert.Equal(t, []string{"a.py", "src/main.go", "src/util/x.js"}, paths)
	assert.Equal(t, "print('hi')\n", records[0].Content)

	assert.Equal(t, 1, stats.Repositories)
	assert.Equal(t, 3, stats.FilesKept)
	assert.Equal(t, 1, stats.SkippedExtension, "README.md")
	assert.Equal(t, 1, stats.SkippedSize, "huge.go")
	assert.Equal(t, 1, stats.SkippedDecode, "blob.go")
	assert.Equal(t, 1, stats.SkippedType, "submodule")
	assert.Equal(t, 1, stats.SkippedDirs, "node_modules")
	assert.Equal(t, 4, stats.Skipped())

	assert.False(t, fake.requested("src/huge.go"), "oversized files are not downloaded")
	assert.False(t, fake.requested("README.md"), "filtered files are not downloaded")
	assert.False(t, fake.requested("src/node_modules"))

	logger.AssertLogged(t, zapcore.WarnLevel, "skipping undecodable file")
	logger.AssertLogged(t, zapcore.WarnLevel, "skipping oversized file")
	logger.AssertField(t, "skipping undecodable file", "repo", "octo/demo")
}

func TestWalk_NoSkipDirsByDefault(t *testing.T) {
	fake := newFixture()
	w := newTestWalker(t, fake, defaultOptions(), nil)

	records, _, err := w.Walk(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)

	var paths []string
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	assert.Contains(t, paths, "src/node_modules/dep.js")
}

func TestWalk_DecodeFailPolicy(t *testing.T) {
	opts := defaultOptions()
	opts.DecodeErrors = config.DecodeFail
	w := newTestWalker(t, newFixture(), opts, nil)

	_, _, err := w.Walk(context.Background(), []repolist.Reference{demo})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "src/blob.go")
}

func TestWalk_APIErrorAborts(t *testing.T) {
	w := newTestWalker(t, newFixture(), defaultOptions(), nil)

	records, _, err := w.Walk(context.Background(), []repolist.Reference{
		{Owner: "octo", Name: "missing"},
		demo,
	})
	require.Error(t, err)
	assert.Empty(t, records)

	var ghErr *github.ErrorResponse
	assert.ErrorAs(t, err, &ghErr)
}

func TestWalk_OnFile(t *testing.T) {
	opts := defaultOptions()
	var seen []string
	opts.OnFile = func(rec FileRecord, stats Stats) {
		seen = append(seen, rec.Path)
		assert.Equal(t, len(seen), stats.FilesKept)
	}
	w := newTestWalker(t, newFixture(), opts, nil)

	_, _, err := w.Walk(context.Background(), []repolist.Reference{demo})
	require.NoError(t, err)
	assert.Len(t, seen, 4)
}

func TestWalk_CanceledContext(t *testing.T) {
	opts := defaultOptions()
	opts.RequestsPerSecond = 1
	w := newTestWalker(t, newFixture(), opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := w.Walk(ctx, []repolist.Reference{demo})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGitHubClient(t *testing.T) {
	_, err := NewGitHubClient(context.Background(), "", "")
	assert.Error(t, err)

	client, err := NewGitHubClient(context.Background(), config.Secret("token"), "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com/", client.BaseURL.String())

	client, err = NewGitHubClient(context.Background(), config.Secret("token"), "https://ghe.example.com/api/v3/")
	require.NoError(t, err)
	assert.Equal(t, "ghe.example.com", client.BaseURL.Host)
}
