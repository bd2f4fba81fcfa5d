// Package chunker splits file text into token-bounded, overlapping chunks.
//
// Splitting is lossless. Separators stay attached to the piece they end, so
// concatenating the first chunk with every later chunk minus its overlap
// prefix reproduces the input exactly.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrUnsplittable is returned when a single character exceeds the token
// limit, or when no separator can break an oversized piece.
var ErrUnsplittable = errors.New("text cannot be split within the token limit")

// DefaultSeparators split on paragraphs, then lines, then words, then characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Options configure a Splitter.
type Options struct {
	MaxTokens     int
	OverlapTokens int
	Separators    []string
}

// Piece is one chunk of text. Overlap is the byte length of the prefix that
// repeats the end of the previous piece.
type Piece struct {
	Text    string
	Overlap int
	Tokens  int
}

// Splitter implements layered-separator splitting.
type Splitter struct {
	tok     Tokenizer
	max     int
	overlap int
	seps    []string
}

// NewSplitter validates opts and returns a splitter.
func NewSplitter(tok Tokenizer, opts Options) (*Splitter, error) {
	if tok == nil {
		return nil, errors.New("chunker: tokenizer is required")
	}
	if opts.MaxTokens < 1 {
		return nil, fmt.Errorf("chunker: max tokens must be >= 1, got %d", opts.MaxTokens)
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.MaxTokens {
		return nil, fmt.Errorf("chunker: overlap must be within [0, %d), got %d", opts.MaxTokens, opts.OverlapTokens)
	}
	seps := opts.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return &Splitter{tok: tok, max: opts.MaxTokens, overlap: opts.OverlapTokens, seps: seps}, nil
}

// Split breaks text into pieces of at most MaxTokens tokens. Empty and
// whitespace-only text yields no pieces.
func (s *Splitter) Split(text string) ([]Piece, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	atoms, err := s.decompose(text, s.seps, nil)
	if err != nil {
		return nil, err
	}

	// off[i] is the byte offset of atom i; off[len(atoms)] == len(text).
	off := make([]int, len(atoms)+1)
	for i, a := range atoms {
		off[i+1] = off[i] + len(a)
	}
	span := func(a, b int) string { return text[off[a]:off[b]] }

	var pieces []Piece
	start, prevEnd := 0, 0
	n := len(atoms)
	for {
		end, tokens := s.extend(span, start, n)
		pieces = append(pieces, Piece{
			Text:    span(start, end),
			Overlap: off[prevEnd] - off[start],
			Tokens:  tokens,
		})
		if end == n {
			return pieces, nil
		}
		prevEnd = end
		start = s.overlapStart(span, start, end)
	}
}

// decompose splits text into atoms no longer than the limit, trying each
// separator in turn on oversized parts only.
func (s *Splitter) decompose(text string, seps []string, out []string) ([]string, error) {
	if s.tok.Count(text) <= s.max {
		return append(out, text), nil
	}

	for i, sep := range seps {
		if sep == "" {
			return s.splitRunes(text, out)
		}
		if !strings.Contains(text, sep) {
			continue
		}
		var err error
		for _, part := range strings.SplitAfter(text, sep) {
			if part == "" {
				continue
			}
			if out, err = s.decompose(part, seps[i+1:], out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d-byte segment exceeds %d tokens", ErrUnsplittable, len(text), s.max)
}

func (s *Splitter) splitRunes(text string, out []string) ([]string, error) {
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		r := text[i : i+size]
		if s.tok.Count(r) > s.max {
			return nil, fmt.Errorf("%w: character %q exceeds %d tokens", ErrUnsplittable, r, s.max)
		}
		out = append(out, r)
		i += size
	}
	return out, nil
}

// extend returns the largest end such that atoms [start, end) fit, found by
// galloping then binary search over measured counts. Atom start always fits.
func (s *Splitter) extend(span func(a, b int) string, start, n int) (int, int) {
	good := start + 1
	goodTokens := s.tok.Count(span(start, good))
	bad := n + 1

	for step := 1; good < n; step *= 2 {
		probe := good + step
		if probe > n {
			probe = n
		}
		if c := s.tok.Count(span(start, probe)); c <= s.max {
			good, goodTokens = probe, c
			continue
		}
		bad = probe
		break
	}

	for bad-good > 1 {
		mid := good + (bad-good)/2
		if c := s.tok.Count(span(start, mid)); c <= s.max {
			good, goodTokens = mid, c
		} else {
			bad = mid
		}
	}
	return good, goodTokens
}

// overlapStart picks where the next chunk begins: the earliest atom k in
// (start, end) whose tail [k, end) fits the overlap budget while still
// leaving room for atom end. Without such an atom the chunks do not overlap.
func (s *Splitter) overlapStart(span func(a, b int) string, start, end int) int {
	next := end
	if s.overlap == 0 {
		return next
	}
	for k := end - 1; k > start; k-- {
		if s.tok.Count(span(k, end)) > s.overlap {
			break
		}
		if s.tok.Count(span(k, end+1)) > s.max {
			break
		}
		next = k
	}
	return next
}

// Join reverses Split.
func Join(pieces []Piece) string {
	var b strings.Builder
	for i, p := range pieces {
		if i == 0 {
			b.WriteString(p.Text)
			continue
		}
		b.WriteString(p.Text[p.Overlap:])
	}
	return b.String()
}
