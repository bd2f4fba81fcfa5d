// Package source walks GitHub repositories through the contents API and
// returns the decoded text of every file with a wanted extension.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDecode is returned when a file cannot be decoded as UTF-8 text and the
// decode policy is "fail".
var ErrDecode = errors.New("file content is not decodable text")

// FileRecord is one retained source file.
type FileRecord struct {
	Repository repolist.Reference
	Path       string
	Content    string
}

// ContentsService is the subset of the GitHub repositories API the walker
// uses. *github.RepositoriesService satisfies it.
type ContentsService interface {
	GetContents(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentGetOptions) (
		*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)
}

// Stats counts what a walk saw and why files were dropped.
type Stats struct {
	Repositories     int
	Directories      int
	FilesSeen        int
	FilesKept        int
	SkippedExtension int
	SkippedDirs      int
	SkippedSize      int
	SkippedDecode    int
	SkippedType      int
	Requests         int
}

// Skipped returns the number of files seen but not kept.
func (s Stats) Skipped() int {
	return s.SkippedExtension + s.SkippedSize + s.SkippedDecode + s.SkippedType
}

// Options configure a Walker.
type Options struct {
	Extensions        []string
	SkipDirs          []string
	MaxFileSize       int64
	DecodeErrors      string
	RequestsPerSecond float64

	// OnFile, if set, is called after every kept file.
	OnFile func(FileRecord, Stats)
}

// OptionsFromConfig maps the source section onto Options.
func OptionsFromConfig(c config.SourceConfig) Options {
	return Options{
		Extensions:        c.Extensions,
		SkipDirs:          c.SkipDirs,
		MaxFileSize:       c.MaxFileSize,
		DecodeErrors:      c.DecodeErrors,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// Walker traverses repositories breadth-first: the root listing seeds a
// FIFO queue and each directory's children join the tail in API order.
type Walker struct {
	contents ContentsService
	opts     Options
	skipDirs map[string]bool
	limiter  *rate.Limiter
	logger   *logging.Logger
}

// NewWalker creates a walker over contents.
func NewWalker(contents ContentsService, opts Options, logger *logging.Logger) *Walker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.DecodeErrors == "" {
		opts.DecodeErrors = config.DecodeSkip
	}
	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Walker{
		contents: contents,
		opts:     opts,
		skipDirs: skip,
		limiter:  limiter,
		logger:   logger.Named("source"),
	}
}

// Walk visits every repository in order and returns all kept files.
// Any API error aborts the walk.
func (w *Walker) Walk(ctx context.Context, refs []repolist.Reference) ([]FileRecord, Stats, error) {
	var (
		records []FileRecord
		stats   Stats
	)
	for _, ref := range refs {
		err := w.WalkRepository(ctx, ref, &stats, func(rec FileRecord) error {
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return records, stats, err
		}
	}
	return records, stats, nil
}

// WalkRepository traverses one repository, calling emit for each kept file.
func (w *Walker) WalkRepository(ctx context.Context, ref repolist.Reference, stats *Stats, emit func(FileRecord) error) error {
	ctx = logging.WithRepository(ctx, ref.String())
	stats.Repositories++

	queue, err := w.list(ctx, ref, "", stats)
	if err != nil {
		return err
	}

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		switch entry.GetType() {
		case "dir":
			if w.skipDirs[entry.GetName()] {
				stats.SkippedDirs++
				w.logger.Debug(ctx, "skipping directory", zap.String("path", entry.GetPath()))
				continue
			}
			children, err := w.list(ctx, ref, entry.GetPath(), stats)
			if err != nil {
				return err
			}
			stats.Directories++
			queue = append(queue, children...)

		case "file":
			stats.FilesSeen++
			rec, ok, err := w.fetch(ctx, ref, entry, stats)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stats.FilesKept++
			if err := emit(rec); err != nil {
				return err
			}
			if w.opts.OnFile != nil {
				w.opts.OnFile(rec, *stats)
			}

		default:
			stats.FilesSeen++
			stats.SkippedType++
			w.logger.Debug(ctx, "skipping non-file entry",
				zap.String("path", entry.GetPath()),
				zap.String("type", entry.GetType()))
		}
	}
	return nil
}

func (w *Walker) list(ctx context.Context, ref repolist.Reference, path string, stats *Stats) ([]*github.RepositoryContent, error) {
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	stats.Requests++
	_, entries, resp, err := w.contents.GetContents(ctx, ref.Owner, ref.Name, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing %s:/%s: %w", ref, path, err)
	}
	w.traceRate(ctx, "listed directory", path, resp)
	return entries, nil
}

// fetch downloads and decodes one file. ok is false when the file was
// skipped by a filter or by the decode policy.
func (w *Walker) fetch(ctx context.Context, ref repolist.Reference, entry *github.RepositoryContent, stats *Stats) (FileRecord, bool, error) {
	path := entry.GetPath()
	if !w.wanted(entry.GetName()) {
		stats.SkippedExtension++
		return FileRecord{}, false, nil
	}
	if w.opts.MaxFileSize > 0 && int64(entry.GetSize()) > w.opts.MaxFileSize {
		stats.SkippedSize++
		w.logger.Warn(ctx, "skipping oversized file",
			zap.String("path", path),
			zap.Int("size", entry.GetSize()),
			zap.Int64("max_size", w.opts.MaxFileSize))
		return FileRecord{}, false, nil
	}

	if err := w.wait(ctx); err != nil {
		return FileRecord{}, false, err
	}
	stats.Requests++
	file, _, resp, err := w.contents.GetContents(ctx, ref.Owner, ref.Name, path, nil)
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("fetching %s:/%s: %w", ref, path, err)
	}
	w.traceRate(ctx, "fetched file", path, resp)

	if file == nil || file.GetType() != "file" {
		// Directory listings report submodules as files.
		stats.SkippedType++
		w.logger.Debug(ctx, "skipping non-file entry", zap.String("path", path))
		return FileRecord{}, false, nil
	}

	content, err := file.GetContent()
	if err == nil && !utf8.ValidString(content) {
		err = errors.New("invalid UTF-8")
	}
	if err != nil {
		if w.opts.DecodeErrors == config.DecodeFail {
			return FileRecord{}, false, fmt.Errorf("%w: %s:/%s: %v", ErrDecode, ref, path, err)
		}
		stats.SkippedDecode++
		w.logger.Warn(ctx, "skipping undecodable file", zap.String("path", path), zap.Error(err))
		return FileRecord{}, false, nil
	}

	return FileRecord{Repository: ref, Path: path, Content: content}, true, nil
}

func (w *Walker) wanted(name string) bool {
	for _, ext := range w.opts.Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func (w *Walker) wait(ctx context.Context) error {
	if w.limiter == nil {
		return ctx.Err()
	}
	return w.limiter.Wait(ctx)
}

func (w *Walker) traceRate(ctx context.Context, msg, path string, resp *github.Response) {
	if resp == nil || !w.logger.Enabled(logging.TraceLevel) {
		return
	}
	w.logger.Trace(ctx, msg,
		zap.String("path", path),
		zap.Int("rate_remaining", resp.Rate.Remaining))
}
