package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/repoembed/internal/chunker"
	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/embeddings"
	"github.com/fyrsmithlabs/repoembed/internal/pipeline"
	"github.com/fyrsmithlabs/repoembed/internal/progress"
	"github.com/fyrsmithlabs/repoembed/internal/redact"
	"github.com/fyrsmithlabs/repoembed/internal/source"
	"github.com/fyrsmithlabs/repoembed/internal/vectorindex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runRepos  string
	runPlain  bool
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Walk, chunk, embed and index every listed repository",
	Long: `Run reads the repository list, fetches matching source files through the
GitHub API, splits them into chunks and upserts their embeddings into the
configured vector index. With --dry-run it stops after chunking.`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runRepos, "repos", "", "Markdown repository list (overrides repositories.list_file)")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "print line-based progress even on a terminal")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "walk and chunk only; skip the index and embedding calls")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	reporter := progress.New(cmd.OutOrStdout(), progress.Options{
		Plain: runPlain || a.cfg.Progress.Plain,
		Width: a.cfg.Progress.Width,
	})
	started := time.Now()

	report, err := a.runPipeline(ctx, reporter)
	if err != nil {
		reporter.Failure(err)
		cmd.SilenceErrors = true
		return err
	}

	elapsed := progress.FormatElapsed(time.Since(started))
	if report.DryRun {
		reporter.Success("Dry run complete: %s from %s in %s",
			progress.FormatCount(report.Chunks, "chunk", "chunks"),
			progress.FormatCount(report.Files, "file", "files"), elapsed)
		return nil
	}
	reporter.Success("Indexed %s from %s in %s",
		progress.FormatCount(report.Upserted, "chunk", "chunks"),
		progress.FormatCount(report.Files, "file", "files"), elapsed)
	return nil
}

func (a *app) runPipeline(ctx context.Context, reporter *progress.Reporter) (*pipeline.Report, error) {
	cfg := a.cfg
	if runRepos != "" {
		cfg.Repositories.ListFile = runRepos
	}

	if runDryRun {
		if !a.secrets.GitHubToken.IsSet() {
			return nil, fmt.Errorf("%w: GITHUB_TOKEN", config.ErrMissingSecret)
		}
	} else if err := a.secrets.Check(cfg); err != nil {
		return nil, err
	}

	reporter.Stage("Reading repository list %s", cfg.Repositories.ListFile)
	list, err := a.readRepositories(cfg.Repositories.ListFile)
	if err != nil {
		return nil, err
	}
	for _, u := range list.Unparsed {
		reporter.Info("skipping line %d: %s", u.Line, u.Text)
	}

	gh, err := source.NewGitHubClient(ctx, a.secrets.GitHubToken, cfg.Source.APIURL)
	if err != nil {
		return nil, err
	}
	walker := source.NewWalker(gh.Repositories, source.OptionsFromConfig(cfg.Source), a.logger)

	chunks, err := newChunker(cfg.Chunking)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Walker:   walker,
		Chunker:  chunks,
		Reporter: reporter,
		Logger:   a.logger,
	}
	if cfg.Redaction.Enabled {
		r, err := newRedactor(cfg.Redaction, a)
		if err != nil {
			return nil, err
		}
		deps.Redactor = r
	}

	registry := prometheus.NewRegistry()
	if !runDryRun {
		embedder, err := embeddings.NewEmbedder(cfg.Embedding, a.secrets.EmbeddingAPIKey)
		if err != nil {
			return nil, err
		}
		defer embedder.Close()

		manager, err := a.openIndex(registry)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := manager.Close(); err != nil {
				a.logger.Warn(ctx, "closing index", zap.Error(err))
			}
		}()

		deps.Embedder = embedder
		deps.Index = manager
	}

	driver, err := pipeline.NewDriver(deps, pipeline.Options{
		DryRun:          runDryRun,
		Embedding:       embeddings.OptionsFromConfig(cfg.Embedding),
		Registry:        registry,
		MetricsTextfile: cfg.Metrics.Textfile,
		Tracer:          a.tel.Tracer("github.com/fyrsmithlabs/repoembed/internal/pipeline"),
	})
	if err != nil {
		return nil, err
	}

	report, err := driver.Run(ctx, list.References)
	if errors.Is(err, context.Canceled) {
		return report, fmt.Errorf("interrupted: %w", err)
	}
	return report, err
}

func newChunker(c config.ChunkingConfig) (*chunker.Chunker, error) {
	tok, err := chunker.NewTiktoken(c.Encoding)
	if err != nil {
		return nil, err
	}
	splitter, err := chunker.NewSplitter(tok, chunker.Options{
		MaxTokens:     c.MaxTokens,
		OverlapTokens: c.OverlapTokens,
		Separators:    c.Separators,
	})
	if err != nil {
		return nil, err
	}
	return chunker.New(splitter), nil
}

func newRedactor(c config.RedactionConfig, a *app) (*redact.Redactor, error) {
	var allow *redact.Allowlist
	if c.AllowlistFile != "" {
		loaded, err := redact.LoadAllowlist(c.AllowlistFile)
		if err != nil {
			return nil, err
		}
		allow = loaded
	}
	return redact.New(allow, a.logger)
}

// openIndex connects to the configured backend and wraps it in a Manager.
// reg may be nil.
func (a *app) openIndex(reg prometheus.Registerer) (*vectorindex.Manager, error) {
	store, err := vectorindex.NewStore(a.cfg.Index, a.secrets.IndexAPIKey, a.logger)
	if err != nil {
		return nil, err
	}
	desc := vectorindex.DescriptorFromConfig(a.cfg.Index, a.cfg.Embedding)
	return vectorindex.NewManager(store, desc, vectorindex.ManagerOptions{
		VerifyExisting: a.cfg.Index.VerifyExisting,
		Metrics:        vectorindex.NewMetrics(reg),
		Tracer:         a.tel.Tracer("github.com/fyrsmithlabs/repoembed/internal/vectorindex"),
	}, a.logger), nil
}
