// Package chunk splits cleaned document text into overlapping word windows.
//
// A window holds at most Size words. Consecutive windows start Size-Overlap
// words apart, so neighbours share Overlap words of context. Windows whose
// trimmed text is not longer than MinChars characters are dropped, which
// removes the near-empty tail a long document usually leaves behind.
//
// Chunkers are immutable after construction and safe for concurrent use.
package chunk

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMinChars is the minimum trimmed character count a window must exceed
// to be kept.
const DefaultMinChars = 50

// ErrInvalidConfig is returned when a window size / overlap pair cannot make
// progress through the text.
var ErrInvalidConfig = errors.New("chunk: invalid configuration")

// Chunker holds a validated window configuration.
type Chunker struct {
	size     int
	overlap  int
	minChars int
}

// New validates the window configuration and returns a [Chunker].
// It fails with [ErrInvalidConfig] when size <= 0, overlap < 0,
// overlap >= size, or minChars < 0.
func New(size, overlap, minChars int) (*Chunker, error) {
	switch {
	case size <= 0:
		return nil, fmt.Errorf("%w: size %d must be positive", ErrInvalidConfig, size)
	case overlap < 0:
		return nil, fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfig, overlap)
	case overlap >= size:
		return nil, fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidConfig, overlap, size)
	case minChars < 0:
		return nil, fmt.Errorf("%w: min chars %d must not be negative", ErrInvalidConfig, minChars)
	}
	return &Chunker{size: size, overlap: overlap, minChars: minChars}, nil
}

// Split is a convenience wrapper that validates size and overlap, then splits
// text using [DefaultMinChars].
func Split(text string, size, overlap int) ([]string, error) {
	c, err := New(size, overlap, DefaultMinChars)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Size returns the window size in words.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of words shared by consecutive windows.
func (c *Chunker) Overlap() int { return c.overlap }

// Split breaks text into windows. Empty or whitespace-only input yields nil.
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := min(start+c.size, len(words))
		window := strings.Join(words[start:end], " ")
		if utf8.RuneCountInString(strings.TrimSpace(window)) > c.minChars {
			chunks = append(chunks, window)
		}
	}
	return chunks
}
