// Package redact scrubs secrets from file content before it is chunked and
// sent to an embedding service.
package redact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/repoembed/internal/logging"
	"github.com/fyrsmithlabs/repoembed/internal/source"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Secret string
}

// Summary totals a batch of redactions.
type Summary struct {
	FilesScanned  int
	FilesRedacted int
	Secrets       int
	RuleCounts    map[string]int
}

// Redactor detects secrets with the gitleaks default rule set. The
// detector is built once and reused for every file.
type Redactor struct {
	detector *detect.Detector
	paths    []*regexp.Regexp
	logger   *logging.Logger
}

// New creates a redactor. allow may be nil.
func New(allow *Allowlist, logger *logging.Logger) (*Redactor, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}

	r := &Redactor{detector: detector, logger: logger.Named("redact")}
	if allow != nil {
		if err := r.applyAllowlist(allow); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Redactor) applyAllowlist(allow *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "repoembed allowlist"}
	for _, pattern := range allow.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	r.detector.Config.Allowlists = append(r.detector.Config.Allowlists, global)

	for _, pattern := range allow.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		r.paths = append(r.paths, re)
	}
	return nil
}

// Detect returns the secrets found in content.
func (r *Redactor) Detect(content string) []Finding {
	found := r.detector.DetectString(content)
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: f.Secret})
	}
	return findings
}

// Redact returns rec with every detected secret replaced by a
// [REDACTED:rule-id] marker.
func (r *Redactor) Redact(ctx context.Context, rec source.FileRecord) (source.FileRecord, []Finding) {
	if r.pathAllowed(rec.Path) {
		return rec, nil
	}
	findings := r.Detect(rec.Content)
	if len(findings) == 0 {
		return rec, nil
	}

	rec.Content = replaceFindings(rec.Content, findings)
	r.logger.Info(ctx, "redacted secrets",
		zap.String("path", rec.Path),
		zap.Int("count", len(findings)))
	return rec, findings
}

// RedactAll redacts every record in place and totals the results.
func (r *Redactor) RedactAll(ctx context.Context, recs []source.FileRecord) Summary {
	sum := Summary{RuleCounts: make(map[string]int)}
	for i := range recs {
		ctx := logging.WithRepository(ctx, recs[i].Repository.String())
		var findings []Finding
		recs[i], findings = r.Redact(ctx, recs[i])
		sum.FilesScanned++
		if len(findings) > 0 {
			sum.FilesRedacted++
		}
		for _, f := range findings {
			sum.Secrets++
			sum.RuleCounts[f.RuleID]++
		}
	}
	return sum
}

func (r *Redactor) pathAllowed(path string) bool {
	for _, re := range r.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// replaceFindings substitutes markers by value rather than column; the
// longest secrets go first so a secret containing another is replaced whole.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})

	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}
