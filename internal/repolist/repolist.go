// Package repolist extracts GitHub repository references from a Markdown
// document.
package repolist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ErrNoReferences is returned when a run has no repositories to process.
var ErrNoReferences = errors.New("no repository references found")

// DefaultHost is the host matched when none is configured.
const DefaultHost = "github.com"

const maxLineLength = 1024 * 1024

var (
	ownerPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9])*$`)
	namePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// Reference identifies one repository.
type Reference struct {
	Owner string
	Name  string
}

// String returns "owner/name".
func (r Reference) String() string {
	return r.Owner + "/" + r.Name
}

// ParseReference parses "owner/name".
func ParseReference(s string) (Reference, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Reference{}, fmt.Errorf("repository %q: want owner/name", s)
	}
	return newReference(owner, name)
}

func newReference(owner, name string) (Reference, error) {
	name = strings.TrimSuffix(name, ".git")
	if len(owner) > 39 || !ownerPattern.MatchString(owner) {
		return Reference{}, fmt.Errorf("invalid repository owner %q", owner)
	}
	if len(name) > 100 || !namePattern.MatchString(name) || name == "." || name == ".." {
		return Reference{}, fmt.Errorf("invalid repository name %q", name)
	}
	return Reference{Owner: owner, Name: name}, nil
}

// UnparsedLine is a line that mentions the host but yields no reference.
type UnparsedLine struct {
	Line int
	Text string
}

// Result holds the references found in a document in first-seen order,
// without duplicates, plus the lines that looked like links but did not parse.
type Result struct {
	References []Reference
	Unparsed   []UnparsedLine
}

// Parser finds repository URLs on one host.
type Parser struct {
	host string
	url  *regexp.Regexp
}

// NewParser returns a parser for URLs on host (for example "github.com").
func NewParser(host string) *Parser {
	if host == "" {
		host = DefaultHost
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return &Parser{
		host: host,
		url: regexp.MustCompile(`(?i)https?://(?:www\.)?` + regexp.QuoteMeta(host) +
			`/([^/\s)\]>"'` + "`" + `]+)/([^/\s)\]>"'#?` + "`" + `]+)`),
	}
}

// Parse scans r line by line.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	res := &Result{}
	seen := make(map[Reference]bool)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()

		found := false
		for _, m := range p.url.FindAllStringSubmatch(line, -1) {
			ref, err := newReference(m[1], strings.TrimRight(m[2], ".,;:!"))
			if err != nil {
				continue
			}
			found = true
			if !seen[ref] {
				seen[ref] = true
				res.References = append(res.References, ref)
			}
		}
		if !found && strings.Contains(strings.ToLower(line), p.host+"/") {
			res.Unparsed = append(res.Unparsed, UnparsedLine{Line: lineNo, Text: strings.TrimSpace(line)})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading repository list: %w", err)
	}
	return res, nil
}

// ParseFile parses the Markdown file at path.
func (p *Parser) ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository list: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}
