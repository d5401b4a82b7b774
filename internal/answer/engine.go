package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/studymate/internal/observe"
)

// DefaultTopK is the number of passages retrieved per question. It is
// smaller than retriever.DefaultTopK, which applies to raw search.
const DefaultTopK = 3

// ContextRetriever supplies the passages a question is answered from.
// *retriever.Retriever satisfies it.
type ContextRetriever interface {
	GetContext(ctx context.Context, query string, topK int) (string, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTopK overrides [DefaultTopK].
func WithTopK(k int) EngineOption {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// Engine answers questions: retrieve passages, then format.
type Engine struct {
	retriever ContextRetriever
	formatter Formatter
	topK      int
	metrics   *observe.Metrics
}

// NewEngine returns an Engine using r and f.
func NewEngine(r ContextRetriever, f Formatter, opts ...EngineOption) *Engine {
	e := &Engine{retriever: r, formatter: f, topK: DefaultTopK}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Formatter returns the configured formatter.
func (e *Engine) Formatter() Formatter { return e.formatter }

// Ask answers question. It returns [ErrEmptyQuestion] for blank input and
// the retrieval error if passages cannot be fetched. Generation failures do
// not surface as errors; see [Result.Err].
func (e *Engine) Ask(ctx context.Context, question string) (Result, error) {
	return e.run(ctx, question, func(ctx context.Context, q, passages string) Result {
		return e.formatter.Format(ctx, q, passages)
	})
}

// AskStream is Ask with the answer delivered through emit as it is
// generated.
func (e *Engine) AskStream(ctx context.Context, question string, emit EmitFunc) (Result, error) {
	return e.run(ctx, question, func(ctx context.Context, q, passages string) Result {
		return e.formatter.Stream(ctx, q, passages, emit)
	})
}

func (e *Engine) run(ctx context.Context, question string, format func(context.Context, string, string) Result) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, ErrEmptyQuestion
	}

	ctx, span := observe.StartSpan(ctx, "answer.Ask")
	defer span.End()
	log := observe.Logger(ctx)

	passages, err := e.retriever.GetContext(ctx, question, e.topK)
	if err != nil {
		observe.RecordError(span, err)
		return Result{}, fmt.Errorf("answer: retrieve context: %w", err)
	}
	if passages == "" {
		log.Info("answer: no passages retrieved", "question", truncate(question, 100))
	}

	start := time.Now()
	res := format(ctx, question, passages)
	e.metrics.RecordGenerate(ctx, e.formatter.Kind().String(), time.Since(start))

	if res.Fallback {
		e.metrics.RecordFallback(ctx)
		observe.RecordError(span, res.Err)
	}
	log.Debug("answer: formatted",
		"source", res.Source,
		"fallback", res.Fallback,
		"chars", len(res.Answer),
	)
	return res, nil
}

// truncate shortens s to at most n runes for logging.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
