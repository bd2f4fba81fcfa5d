package redact

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML indicates the allowlist file failed to parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid allowlist pattern")
)

// Allowlist holds patterns excluded from redaction. Paths match repository
// relative file paths; Regexes match secret values.
//
// The file format is the [allowlist] table of a .gitleaks.toml:
//
//	[allowlist]
//	paths = ['''^testdata/''']
//	regexes = ['''EXAMPLE_KEY''']
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads and validates an allowlist file.
func LoadAllowlist(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range append(file.Allowlist.Paths, file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   file.Allowlist.Paths,
		Regexes: file.Allowlist.Regexes,
	}, nil
}
