// Package logging provides structured logging for repoembed.
//
// Logger wraps Zap with context-aware methods. Every call pulls correlation
// fields out of the context (run id, repository, OpenTelemetry trace id) so
// stage code only logs what is specific to the event:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithRepository(ctx, "octocat/hello-world")
//	logger.Warn(ctx, "skipping undecodable file", zap.String("path", path))
//
// Logs go to stderr so stdout stays free for progress output. Sensitive
// field names and token-shaped values are redacted by the encoder.
package logging
