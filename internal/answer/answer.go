// Package answer turns retrieved curriculum context into the text returned to
// a student.
//
// Two formatters exist, selected once at construction:
//
//   - [TemplateFormatter] lays the retrieved sentences out as numbered key
//     points. It is deterministic and never touches the network.
//   - [GenerativeFormatter] asks an LLM to write the answer from the context.
//     It never fails outright: when the model cannot answer, the result
//     carries the template text, Fallback set, and Err wrapping
//     [ErrUpstreamGeneration].
//
// [Engine] ties a retriever to a formatter and is what every serving surface
// calls.
package answer

import (
	"context"
	"errors"
)

var (
	// ErrUpstreamGeneration marks a generative answer that failed and was
	// replaced by the template answer.
	ErrUpstreamGeneration = errors.New("answer: upstream generation failed")

	// ErrEmptyQuestion is returned for blank questions before any retrieval.
	ErrEmptyQuestion = errors.New("answer: question cannot be empty")
)

// Kind tags a formatter variant.
type Kind int

const (
	KindTemplate Kind = iota
	KindGenerative
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindGenerative:
		return "generative"
	default:
		return "unknown"
	}
}

// ParseKind maps "template" or "generative" to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "template":
		return KindTemplate, true
	case "generative":
		return KindGenerative, true
	default:
		return 0, false
	}
}

// Source names what produced a Result's text.
type Source string

const (
	SourceTemplate   Source = "template"
	SourceGenerative Source = "generative"
)

// Result is the outcome of formatting one answer.
type Result struct {
	Answer string
	Source Source

	// Fallback is set when a generative formatter had to return the
	// template answer instead.
	Fallback bool

	// Err records why generation failed. It is informational: Answer is
	// always usable.
	Err error
}

// EmitFunc receives answer text as it is produced. Returning an error stops
// the stream.
type EmitFunc func(delta string) error

// Formatter composes an answer from a question and its retrieved context.
// Implementations are safe for concurrent use.
type Formatter interface {
	Kind() Kind

	// Format returns the complete answer.
	Format(ctx context.Context, question, passages string) Result

	// Stream passes the answer to emit piece by piece and returns the same
	// Result Format would. If emit fails, Stream stops and Result.Err holds
	// emit's error.
	Stream(ctx context.Context, question, passages string, emit EmitFunc) Result
}
