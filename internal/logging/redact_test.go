package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/repoembed/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRedactingEncoder_SensitiveKeys(t *testing.T) {
	logger, buf := newBufferedLogger(t, "json")

	logger.Info(context.Background(), "auth", zap.String("github_token", "ghp_abcdefghijklmnopqrstuvwxyz"))

	assert.NotContains(t, buf.String(), "ghp_abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

func TestRedactingEncoder_ValuePatterns(t *testing.T) {
	logger, buf := newBufferedLogger(t, "console")

	logger.Warn(context.Background(), "request failed",
		zap.String("header", "Bearer abc.def.ghi"),
		zap.String("detail", "key sk-0123456789abcdefghijklmn rejected"))

	out := buf.String()
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "sk-0123456789abcdefghijklmn")
	assert.Contains(t, out, "rejected")
}

func TestRedactingEncoder_Message(t *testing.T) {
	logger, buf := newBufferedLogger(t, "json")

	logger.Error(context.Background(), "token ghp_abcdefghijklmnopqrstuvwxyz was revoked")

	assert.NotContains(t, buf.String(), "ghp_abcdefghijklmnopqrstuvwxyz")
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	logger, buf := newBufferedLogger(t, "json")

	logger.With(zap.String("password", "hunter2")).Info(context.Background(), "child")

	assert.NotContains(t, buf.String(), "hunter2")
}

func TestSecretField(t *testing.T) {
	logger, buf := newBufferedLogger(t, "json")

	logger.Info(context.Background(), "loaded secrets", Secret("token", config.Secret("ghp_value")))

	out := buf.String()
	assert.NotContains(t, out, "ghp_value")
	assert.Contains(t, out, `"set":true`)
	assert.Contains(t, out, `"len":9`)
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("key", "12345")
	assert.Equal(t, "[REDACTED:5]", f.String)
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}
