package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_PlainLines(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{})
	require.False(t, r.Interactive(), "a buffer is not a terminal")

	r.Stage("Reading repositories from %s", "case_studies.md")
	r.Info("found %d repositories", 2)
	r.Success("Upserted %d vectors", 4)
	r.Failure(errors.New("boom"))

	assert.Equal(t, strings.Join([]string{
		"==> Reading repositories from case_studies.md",
		"    found 2 repositories",
		"✓ Upserted 4 vectors",
		"✗ Error: boom",
		"",
	}, "\n"), buf.String())
}

func TestTracker_PlainPrintsDeciles(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{Plain: true})

	tr := r.Track("Chunking", 20)
	for i := 0; i < 20; i++ {
		tr.Increment()
	}
	tr.Done()
	tr.Done()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 11, "one line at start and one per decile")
	assert.Equal(t, "    Chunking 0/20 (0%)", lines[0])
	assert.Equal(t, "    Chunking 2/20 (10%)", lines[1])
	assert.Equal(t, "    Chunking 20/20 (100%)", lines[10])
}

func TestTracker_Clamps(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, Options{Plain: true}).Track("Embedding", 4)

	tr.Set(10)
	assert.Equal(t, 4, tr.done)
	tr.Set(-3)
	assert.Equal(t, 0, tr.done)
}

func TestTracker_EmptyTotal(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, Options{Plain: true}).Track("Embedding", 0)
	tr.Done()
	assert.Equal(t, "    Embedding 0/0 (100%)\n", buf.String())
}

func TestTracker_InteractiveRedraws(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, Options{Width: 10})
	r.interactive = true

	tr := r.Track("Embedding", 3)
	tr.Set(2)
	tr.Done()

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "\r"))
	assert.Contains(t, out, "2/3")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{1500 * time.Microsecond, "1.5ms"},
		{2500 * time.Millisecond, "2.5s"},
		{125 * time.Second, "2m 5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in))
	}
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "1 file", FormatCount(1, "file", "files"))
	assert.Equal(t, "0 files", FormatCount(0, "file", "files"))
	assert.Equal(t, "3 chunks", FormatCount(3, "chunk", "chunks"))
}
