package answer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultCorpusName labels the corpus in template text.
const DefaultCorpusName = "NCERT"

const (
	maxKeyPoints     = 5
	minKeyPointRunes = 20
)

var _ Formatter = (*TemplateFormatter)(nil)

// TemplateFormatter renders retrieved context as a numbered list of key
// sentences framed by a fixed heading and closing note.
type TemplateFormatter struct {
	corpus string
}

// NewTemplateFormatter returns a formatter whose text names corpus. An
// empty corpus uses [DefaultCorpusName].
func NewTemplateFormatter(corpus string) *TemplateFormatter {
	if corpus == "" {
		corpus = DefaultCorpusName
	}
	return &TemplateFormatter{corpus: corpus}
}

// Kind implements Formatter.
func (f *TemplateFormatter) Kind() Kind { return KindTemplate }

// Format implements Formatter.
func (f *TemplateFormatter) Format(_ context.Context, question, passages string) Result {
	return Result{Answer: f.Text(question, passages), Source: SourceTemplate}
}

// Stream implements Formatter. The template is emitted in one piece.
func (f *TemplateFormatter) Stream(_ context.Context, question, passages string, emit EmitFunc) Result {
	res := Result{Answer: f.Text(question, passages), Source: SourceTemplate}
	if err := emit(res.Answer); err != nil {
		res.Err = err
	}
	return res
}

// Text builds the template answer. An empty passages string produces an apology
// pointing the student back at the corpus.
func (f *TemplateFormatter) Text(question, passages string) string {
	if passages == "" {
		return fmt.Sprintf("I apologize, but I couldn't find relevant information in the %s materials "+
			"to answer your question. Please try rephrasing or asking about topics covered "+
			"in %s textbooks for classes 6-10 (Science, Maths, or English).", f.corpus, f.corpus)
	}

	parts := []string{
		fmt.Sprintf("Based on the %s curriculum, here's what I found about your question:\n", f.corpus),
		fmt.Sprintf("**Question:** %s\n", question),
		"**Answer:**\n",
	}
	for i, point := range KeyPoints(passages) {
		parts = append(parts, fmt.Sprintf("%d. %s\n", i+1, point))
	}
	parts = append(parts, fmt.Sprintf("\n**Note:** This answer is derived directly from %s textbooks. "+
		"If you need more details, please ask a more specific question.", f.corpus))

	return strings.Join(parts, "\n")
}

// KeyPoints splits passages on '.' and keeps, from the first five pieces,
// those longer than 20 characters once trimmed. Each kept piece is
// re-terminated with a period.
func KeyPoints(passages string) []string {
	pieces := strings.Split(passages, ".")
	if len(pieces) > maxKeyPoints {
		pieces = pieces[:maxKeyPoints]
	}
	var out []string
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if utf8.RuneCountInString(p) > minKeyPointRunes {
			out = append(out, p+".")
		}
	}
	return out
}
