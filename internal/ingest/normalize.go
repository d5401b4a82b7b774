// Package ingest turns source documents into the processed chunk files the
// index is built from, and builds that index.
//
// Ingestion is an offline, two-step job:
//
//  1. Prepare reads PDFs, extracts their text, normalises it with a
//     [NormalizePolicy], chunks it, and writes one processed text file per
//     PDF with chunks joined by [ChunkSeparator].
//  2. Build reads every processed file in lexical order, embeds the chunks,
//     and saves a new snapshot through a vectorindex.Store.
//
// A running server never observes either step; it picks up a rebuilt index
// on restart.
package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPolicy is returned when a NormalizePolicy pattern does not
// compile.
var ErrInvalidPolicy = errors.New("ingest: invalid normalize policy")

// DefaultAllowedChars keeps letters with their combining marks, digits,
// whitespace and common punctuation.
const DefaultAllowedChars = `\p{L}\p{M}\p{N}_\s.,!?;:()\-'"`

// NormalizePolicy describes how extracted text is cleaned before chunking.
// It is loaded from configuration; corpus-specific header and footer
// patterns belong in StripPatterns.
type NormalizePolicy struct {
	// FoldQuotes replaces typographic quotes with their ASCII forms.
	FoldQuotes bool `yaml:"fold_quotes"`

	// CollapseWhitespace turns every whitespace run into a single space and
	// trims the result.
	CollapseWhitespace bool `yaml:"collapse_whitespace"`

	// StripPatterns are regular expressions whose matches are removed.
	StripPatterns []string `yaml:"strip_patterns"`

	// AllowedChars is the body of a regexp character class. Characters
	// outside it are removed. Empty keeps everything.
	AllowedChars string `yaml:"allowed_chars"`
}

// DefaultNormalizePolicy folds quotes, collapses whitespace and keeps
// letters, digits and punctuation. It strips nothing corpus-specific.
func DefaultNormalizePolicy() NormalizePolicy {
	return NormalizePolicy{
		FoldQuotes:         true,
		CollapseWhitespace: true,
		AllowedChars:       DefaultAllowedChars,
	}
}

var quoteFolder = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
	"‘", "'", "’", "'", "‚", "'", "′", "'",
)

var whitespace = regexp.MustCompile(`\s+`)

// Normalizer applies a compiled NormalizePolicy. It is safe for concurrent
// use.
type Normalizer struct {
	policy     NormalizePolicy
	strip      []*regexp.Regexp
	disallowed *regexp.Regexp
}

// NewNormalizer compiles p.
func NewNormalizer(p NormalizePolicy) (*Normalizer, error) {
	n := &Normalizer{policy: p}
	var errs []error
	for _, pat := range p.StripPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: strip pattern %q: %w", ErrInvalidPolicy, pat, err))
			continue
		}
		n.strip = append(n.strip, re)
	}
	if p.AllowedChars != "" {
		re, err := regexp.Compile("[^" + p.AllowedChars + "]+")
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: allowed chars %q: %w", ErrInvalidPolicy, p.AllowedChars, err))
		}
		n.disallowed = re
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return n, nil
}

// Normalize cleans text. Steps run in a fixed order: quote folding,
// whitespace collapsing, pattern stripping, character filtering, and a
// final whitespace collapse so removals leave no double spaces.
func (n *Normalizer) Normalize(text string) string {
	if n.policy.FoldQuotes {
		text = quoteFolder.Replace(text)
	}
	if n.policy.CollapseWhitespace {
		text = whitespace.ReplaceAllString(text, " ")
	}
	for _, re := range n.strip {
		text = re.ReplaceAllString(text, "")
	}
	if n.disallowed != nil {
		text = n.disallowed.ReplaceAllString(text, "")
	}
	if n.policy.CollapseWhitespace {
		text = strings.Join(strings.Fields(text), " ")
	}
	return text
}
