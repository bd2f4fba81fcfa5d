package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/repolist"
	"github.com/fyrsmithlabs/repoembed/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds what every command needs: settings, credentials, the logger
// and tracing.
type app struct {
	cfg     *config.Config
	secrets *config.Secrets
	logger  *logging.Logger
	tel     *telemetry.Telemetry
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if secretsPath != "" {
		cfg.Secrets.File = secretsPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	logCfg.Output = zapcore.AddSync(cmd.ErrOrStderr())
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	secrets, err := config.LoadSecrets(cfg.Secrets.File, nil)
	if err != nil {
		return nil, err
	}
	secrets.Apply(cfg)

	tel, err := telemetry.New(cmd.Context(), cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}

	logger.Debug(cmd.Context(), "configuration loaded",
		zap.String("secrets_file", cfg.Secrets.File),
		logging.Secret("github_token", secrets.GitHubToken),
		logging.Secret("embedding_api_key", secrets.EmbeddingAPIKey),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("index", cfg.Index.Name),
	)
	return &app{cfg: cfg, secrets: secrets, logger: logger, tel: tel}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// readRepositories parses the repository list at path. Callers report the
// unparsed lines.
func (a *app) readRepositories(path string) (*repolist.Result, error) {
	res, err := repolist.NewParser(a.cfg.Repositories.Host).ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(res.References) == 0 {
		return res, fmt.Errorf("%w in %s", repolist.ErrNoReferences, path)
	}
	return res, nil
}
