package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/internal/resilience"
	"github.com/MrWong99/studymate/pkg/provider/llm"
)

// DefaultGenerateTimeout bounds one generative call.
const DefaultGenerateTimeout = 30 * time.Second

var _ Formatter = (*GenerativeFormatter)(nil)

// GenerativeOption configures a GenerativeFormatter.
type GenerativeOption func(*GenerativeFormatter)

// WithTimeout bounds each generation. Non-positive values keep the default.
func WithTimeout(d time.Duration) GenerativeOption {
	return func(f *GenerativeFormatter) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithBreaker sets the breaker config used when the provider passed to
// [NewGenerativeFormatter] is not already a [resilience.LLMFallback].
func WithBreaker(cfg resilience.CircuitBreakerConfig) GenerativeOption {
	return func(f *GenerativeFormatter) { f.breaker = cfg }
}

// GenerativeFormatter asks an LLM to answer from the retrieved passages and
// falls back to its template on any failure.
type GenerativeFormatter struct {
	provider llm.Provider
	template *TemplateFormatter
	timeout  time.Duration
	breaker  resilience.CircuitBreakerConfig
}

// NewGenerativeFormatter wraps provider. Calls always go through a circuit
// breaker: an [resilience.LLMFallback] is used as is, any other provider is
// wrapped in a single-member one. template supplies the fallback text.
func NewGenerativeFormatter(provider llm.Provider, template *TemplateFormatter, opts ...GenerativeOption) *GenerativeFormatter {
	f := &GenerativeFormatter{
		template: template,
		timeout:  DefaultGenerateTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	if f.template == nil {
		f.template = NewTemplateFormatter("")
	}
	if fb, ok := provider.(*resilience.LLMFallback); ok {
		f.provider = fb
	} else {
		f.provider = resilience.NewLLMFallback(provider, provider.ModelID(),
			resilience.FallbackConfig{CircuitBreaker: f.breaker})
	}
	return f
}

// Kind implements Formatter.
func (f *GenerativeFormatter) Kind() Kind { return KindGenerative }

// ModelID names the primary model.
func (f *GenerativeFormatter) ModelID() string { return f.provider.ModelID() }

// Format implements Formatter.
func (f *GenerativeFormatter) Format(ctx context.Context, question, passages string) Result {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.provider.Complete(ctx, llm.Prompt(f.Prompt(question, passages)))
	if err != nil {
		return f.fallback(ctx, question, passages, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return f.fallback(ctx, question, passages, fmt.Errorf("model %s returned an empty answer", f.provider.ModelID()))
	}
	return Result{Answer: text, Source: SourceGenerative}
}

// Stream implements Formatter. When the model fails before producing any
// text the template answer is emitted instead. A stream that breaks after
// text was emitted keeps the partial answer and reports the failure in
// Result.Err without switching to the template.
func (f *GenerativeFormatter) Stream(ctx context.Context, question, passages string, emit EmitFunc) Result {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ch, err := f.provider.StreamCompletion(ctx, llm.Prompt(f.Prompt(question, passages)))
	if err != nil {
		return f.emitFallback(ctx, question, passages, err, emit)
	}

	var b strings.Builder
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			cause := c.Err
			if cause == nil {
				cause = llm.ErrStream
			}
			drain(ch)
			if b.Len() == 0 {
				return f.emitFallback(ctx, question, passages, cause, emit)
			}
			observe.Logger(ctx).Warn("answer: generation stream broke", "model", f.provider.ModelID(), "err", cause)
			return Result{
				Answer: b.String(),
				Source: SourceGenerative,
				Err:    fmt.Errorf("%w: %w", ErrUpstreamGeneration, cause),
			}
		}
		if c.Text == "" {
			continue
		}
		b.WriteString(c.Text)
		if err := emit(c.Text); err != nil {
			cancel()
			drain(ch)
			return Result{Answer: b.String(), Source: SourceGenerative, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		if b.Len() == 0 {
			return f.emitFallback(ctx, question, passages, err, emit)
		}
		return Result{
			Answer: b.String(),
			Source: SourceGenerative,
			Err:    fmt.Errorf("%w: %w", ErrUpstreamGeneration, err),
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return f.emitFallback(ctx, question, passages,
			fmt.Errorf("model %s returned an empty answer", f.provider.ModelID()), emit)
	}
	return Result{Answer: b.String(), Source: SourceGenerative}
}

// Prompt builds the instruction sent to the model.
func (f *GenerativeFormatter) Prompt(question, passages string) string {
	corpus := f.template.corpus
	return fmt.Sprintf(`You are an educational assistant helping students with %[1]s curriculum (Classes 6-10).

**Context from %[1]s textbooks:**
%[2]s

**Student's Question:**
%[3]s

**Instructions:**
1. Answer the question based ONLY on the provided context
2. If the context doesn't contain enough information, say so clearly
3. Use simple, student-friendly language
4. Structure your answer with clear explanations
5. Add examples if relevant from the context
6. Keep the answer educational and encouraging

**Answer:**`, corpus, passages, question)
}

func (f *GenerativeFormatter) fallback(ctx context.Context, question, passages string, cause error) Result {
	observe.Logger(ctx).Error("answer: generation failed, using template", "model", f.provider.ModelID(), "err", cause)
	return Result{
		Answer:   f.template.Text(question, passages),
		Source:   SourceTemplate,
		Fallback: true,
		Err:      fmt.Errorf("%w: %w", ErrUpstreamGeneration, cause),
	}
}

func (f *GenerativeFormatter) emitFallback(ctx context.Context, question, passages string, cause error, emit EmitFunc) Result {
	res := f.fallback(ctx, question, passages, cause)
	if err := emit(res.Answer); err != nil {
		res.Err = err
	}
	return res
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
