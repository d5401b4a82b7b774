package answer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/internal/resilience"
	"github.com/MrWong99/studymate/pkg/provider/llm"
	"github.com/MrWong99/studymate/pkg/provider/llm/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const passages = "Passage 1: Respiration is the process that releases energy from food in every living cell. " +
	"It happens in the mitochondria. Glucose is broken down using oxygen to give carbon dioxide and water. " +
	"Anaerobic respiration occurs without oxygen in some organisms. Yeast produces alcohol this way. " +
	"Muscle cells can respire anaerobically during heavy exercise"

func TestTemplate_NoContext(t *testing.T) {
	t.Parallel()
	f := answer.NewTemplateFormatter("")
	got := f.Format(context.Background(), "What is osmosis?", "")

	want := "I apologize, but I couldn't find relevant information in the NCERT materials " +
		"to answer your question. Please try rephrasing or asking about topics covered " +
		"in NCERT textbooks for classes 6-10 (Science, Maths, or English)."
	if got.Answer != want {
		t.Errorf("Answer = %q, want %q", got.Answer, want)
	}
	if got.Source != answer.SourceTemplate || got.Fallback || got.Err != nil {
		t.Errorf("Result = %+v, want a plain template result", got)
	}
}

func TestTemplate_Layout(t *testing.T) {
	t.Parallel()
	f := answer.NewTemplateFormatter("NCERT")
	got := f.Text("What releases energy?", passages)

	want := strings.Join([]string{
		"Based on the NCERT curriculum, here's what I found about your question:\n",
		"**Question:** What releases energy?\n",
		"**Answer:**\n",
		"1. Passage 1: Respiration is the process that releases energy from food in every living cell.\n",
		"2. It happens in the mitochondria.\n",
		"3. Glucose is broken down using oxygen to give carbon dioxide and water.\n",
		"4. Anaerobic respiration occurs without oxygen in some organisms.\n",
		"5. Yeast produces alcohol this way.\n",
		"\n**Note:** This answer is derived directly from NCERT textbooks. " +
			"If you need more details, please ask a more specific question.",
	}, "\n")
	if got != want {
		t.Errorf("Text =\n%s\nwant\n%s", got, want)
	}
}

func TestTemplate_CorpusLabel(t *testing.T) {
	t.Parallel()
	f := answer.NewTemplateFormatter("CBSE")
	if got := f.Text("q", ""); !strings.Contains(got, "CBSE materials") || strings.Contains(got, "NCERT") {
		t.Errorf("apology does not use the label: %q", got)
	}
	if got := f.Text("q", passages); !strings.HasPrefix(got, "Based on the CBSE curriculum") {
		t.Errorf("heading does not use the label: %q", got)
	}
}

func TestKeyPoints(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"short sentences dropped", "Too short. Also short", nil},
		{"exactly twenty runes dropped", strings.Repeat("a", 20) + ".", nil},
		{"twenty one kept", strings.Repeat("a", 21), []string{strings.Repeat("a", 21) + "."}},
		{"runes not bytes", strings.Repeat("é", 20), nil},
		{
			"only first five pieces considered",
			"one. two. three. four. five. The sixth sentence is long enough to keep.",
			nil,
		},
		{"trimmed", "   Plants make food using sunlight   . x", []string{"Plants make food using sunlight."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := answer.KeyPoints(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("KeyPoints = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("point %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTemplate_Stream(t *testing.T) {
	t.Parallel()
	f := answer.NewTemplateFormatter("")
	var parts []string
	res := f.Stream(context.Background(), "q", passages, func(d string) error {
		parts = append(parts, d)
		return nil
	})
	if len(parts) != 1 || parts[0] != res.Answer {
		t.Errorf("emitted %q, want the whole answer once", parts)
	}

	boom := errors.New("client gone")
	res = f.Stream(context.Background(), "q", passages, func(string) error { return boom })
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want emit error", res.Err)
	}
}

func TestGenerative_Success(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		ModelIDValue:     "gemini/gemini-pro",
		CompleteResponse: &llm.CompletionResponse{Content: "  Respiration releases energy.  "},
	}
	f := answer.NewGenerativeFormatter(p, answer.NewTemplateFormatter(""))
	if f.Kind() != answer.KindGenerative {
		t.Errorf("Kind = %v", f.Kind())
	}

	res := f.Format(context.Background(), "What releases energy?", passages)
	if res.Answer != "Respiration releases energy." || res.Source != answer.SourceGenerative || res.Fallback || res.Err != nil {
		t.Errorf("Result = %+v", res)
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("request = %+v, want one user message", req)
	}
	prompt := req.Messages[0].Content
	for _, want := range []string{
		"You are an educational assistant helping students with NCERT curriculum (Classes 6-10).",
		"**Context from NCERT textbooks:**\n" + passages,
		"**Student's Question:**\nWhat releases energy?",
		"1. Answer the question based ONLY on the provided context",
		"6. Keep the answer educational and encouraging",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.HasSuffix(prompt, "**Answer:**") {
		t.Error("prompt does not end with the answer cue")
	}
}

func TestGenerative_FallsBackOnFailure(t *testing.T) {
	t.Parallel()
	tmpl := answer.NewTemplateFormatter("")
	boom := errors.New("quota exceeded")
	tests := []struct {
		name string
		p    *mock.Provider
	}{
		{"error", &mock.Provider{ModelIDValue: "m", CompleteErr: boom}},
		{"empty answer", &mock.Provider{ModelIDValue: "m", CompleteResponse: &llm.CompletionResponse{Content: " \n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := answer.NewGenerativeFormatter(tt.p, tmpl)
			res := f.Format(context.Background(), "q", passages)
			if !res.Fallback || res.Source != answer.SourceTemplate {
				t.Errorf("Result = %+v, want template fallback", res)
			}
			if res.Answer != tmpl.Text("q", passages) {
				t.Error("fallback answer is not the template text")
			}
			if !errors.Is(res.Err, answer.ErrUpstreamGeneration) {
				t.Errorf("Err = %v, want ErrUpstreamGeneration", res.Err)
			}
		})
	}
}

func TestGenerative_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ModelIDValue: "m", CompleteErr: errors.New("503")}
	f := answer.NewGenerativeFormatter(p, nil,
		answer.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))

	for range 5 {
		res := f.Format(context.Background(), "q", passages)
		if !res.Fallback {
			t.Fatalf("Result = %+v, want fallback", res)
		}
	}
	if n := len(p.CompleteCalls); n != 2 {
		t.Errorf("provider called %d times, want 2 before the breaker opened", n)
	}
}

func TestGenerative_UsesExistingFallbackGroup(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ModelIDValue: "gemini/gemini-pro", CompleteErr: errors.New("down")}
	secondary := &mock.Provider{ModelIDValue: "ollama/llama3", CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	group := resilience.NewLLMFallback(primary, "gemini", resilience.FallbackConfig{})
	group.AddFallback("ollama", secondary)

	f := answer.NewGenerativeFormatter(group, nil)
	res := f.Format(context.Background(), "q", passages)
	if res.Answer != "ok" || res.Fallback {
		t.Errorf("Result = %+v, want the secondary answer", res)
	}
	if f.ModelID() != "gemini/gemini-pro" {
		t.Errorf("ModelID = %q", f.ModelID())
	}
}

func TestGenerative_Timeout(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		ModelIDValue: "m",
		CompleteFn: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := answer.NewGenerativeFormatter(p, nil, answer.WithTimeout(20*time.Millisecond))
	res := f.Format(context.Background(), "q", passages)
	if !res.Fallback || !errors.Is(res.Err, answer.ErrUpstreamGeneration) {
		t.Errorf("Result = %+v, want timeout fallback", res)
	}
}

func TestGenerative_Stream(t *testing.T) {
	t.Parallel()
	boom := errors.New("reset by peer")
	tests := []struct {
		name         string
		p            *mock.Provider
		wantEmitted  string
		wantSource   answer.Source
		wantFallback bool
		wantErr      bool
	}{
		{
			name: "deltas",
			p: &mock.Provider{ModelIDValue: "m", StreamChunks: []llm.Chunk{
				{Text: "Respiration "}, {Text: "releases energy."}, {FinishReason: "stop"},
			}},
			wantEmitted: "Respiration releases energy.",
			wantSource:  answer.SourceGenerative,
		},
		{
			name:         "open fails",
			p:            &mock.Provider{ModelIDValue: "m", StreamErr: boom},
			wantEmitted:  answer.NewTemplateFormatter("").Text("q", passages),
			wantSource:   answer.SourceTemplate,
			wantFallback: true,
			wantErr:      true,
		},
		{
			name: "breaks before text",
			p: &mock.Provider{ModelIDValue: "m", StreamChunks: []llm.Chunk{
				{FinishReason: llm.FinishReasonError, Err: boom},
			}},
			wantEmitted:  answer.NewTemplateFormatter("").Text("q", passages),
			wantSource:   answer.SourceTemplate,
			wantFallback: true,
			wantErr:      true,
		},
		{
			name: "breaks after text",
			p: &mock.Provider{ModelIDValue: "m", StreamChunks: []llm.Chunk{
				{Text: "Respiration "}, {FinishReason: llm.FinishReasonError, Err: boom},
			}},
			wantEmitted: "Respiration ",
			wantSource:  answer.SourceGenerative,
			wantErr:     true,
		},
		{
			name:         "empty stream",
			p:            &mock.Provider{ModelIDValue: "m", StreamChunks: []llm.Chunk{{FinishReason: "stop"}}},
			wantEmitted:  answer.NewTemplateFormatter("").Text("q", passages),
			wantSource:   answer.SourceTemplate,
			wantFallback: true,
			wantErr:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := answer.NewGenerativeFormatter(tt.p, nil)
			var b strings.Builder
			res := f.Stream(context.Background(), "q", passages, func(d string) error {
				b.WriteString(d)
				return nil
			})
			if b.String() != tt.wantEmitted {
				t.Errorf("emitted %q, want %q", b.String(), tt.wantEmitted)
			}
			if res.Answer != tt.wantEmitted {
				t.Errorf("Answer = %q, want what was emitted", res.Answer)
			}
			if res.Source != tt.wantSource || res.Fallback != tt.wantFallback {
				t.Errorf("Source/Fallback = %v/%v, want %v/%v", res.Source, res.Fallback, tt.wantSource, tt.wantFallback)
			}
			if (res.Err != nil) != tt.wantErr {
				t.Errorf("Err = %v, wantErr %v", res.Err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(res.Err, answer.ErrUpstreamGeneration) {
				t.Errorf("Err = %v, want ErrUpstreamGeneration", res.Err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	for _, k := range []answer.Kind{answer.KindTemplate, answer.KindGenerative} {
		got, ok := answer.ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := answer.ParseKind("llm"); ok {
		t.Error("ParseKind accepted an unknown kind")
	}
}

type fakeRetriever struct {
	passages string
	err      error
	topK     []int
	queries  []string
}

func (f *fakeRetriever) GetContext(_ context.Context, query string, topK int) (string, error) {
	f.queries = append(f.queries, query)
	f.topK = append(f.topK, topK)
	return f.passages, f.err
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func TestEngine_EmptyQuestion(t *testing.T) {
	t.Parallel()
	r := &fakeRetriever{}
	m, _ := newMetrics(t)
	e := answer.NewEngine(r, answer.NewTemplateFormatter(""), answer.WithMetrics(m))

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := e.Ask(context.Background(), q); !errors.Is(err, answer.ErrEmptyQuestion) {
			t.Errorf("Ask(%q) err = %v, want ErrEmptyQuestion", q, err)
		}
	}
	if len(r.queries) != 0 {
		t.Errorf("retriever called %d times for blank questions", len(r.queries))
	}
}

func TestEngine_Ask(t *testing.T) {
	t.Parallel()
	r := &fakeRetriever{passages: passages}
	m, _ := newMetrics(t)
	e := answer.NewEngine(r, answer.NewTemplateFormatter(""), answer.WithMetrics(m))

	res, err := e.Ask(context.Background(), "What releases energy?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(res.Answer, "**Question:** What releases energy?") {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(r.topK) != 1 || r.topK[0] != answer.DefaultTopK {
		t.Errorf("topK = %v, want [%d]", r.topK, answer.DefaultTopK)
	}

	e = answer.NewEngine(r, answer.NewTemplateFormatter(""), answer.WithMetrics(m), answer.WithTopK(7))
	if _, err := e.Ask(context.Background(), "q"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if r.topK[1] != 7 {
		t.Errorf("topK = %d, want 7", r.topK[1])
	}
}

func TestEngine_RetrievalError(t *testing.T) {
	t.Parallel()
	boom := errors.New("ollama: connection refused")
	m, _ := newMetrics(t)
	e := answer.NewEngine(&fakeRetriever{err: boom}, answer.NewTemplateFormatter(""), answer.WithMetrics(m))
	if _, err := e.Ask(context.Background(), "q"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped retrieval error", err)
	}
}

func TestEngine_RecordsFallback(t *testing.T) {
	t.Parallel()
	m, reader := newMetrics(t)
	p := &mock.Provider{ModelIDValue: "m", CompleteErr: errors.New("down")}
	e := answer.NewEngine(&fakeRetriever{passages: passages},
		answer.NewGenerativeFormatter(p, nil), answer.WithMetrics(m))

	res, err := e.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.Fallback {
		t.Fatalf("Result = %+v, want fallback", res)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var fallbacks int64
	var generated uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "studymate.answer.fallbacks":
				fallbacks = met.Data.(metricdata.Sum[int64]).DataPoints[0].Value
			case "studymate.generate.duration":
				generated = met.Data.(metricdata.Histogram[float64]).DataPoints[0].Count
			}
		}
	}
	if fallbacks != 1 || generated != 1 {
		t.Errorf("fallbacks = %d, generations = %d, want 1 and 1", fallbacks, generated)
	}
}

func TestEngine_AskStream(t *testing.T) {
	t.Parallel()
	m, _ := newMetrics(t)
	p := &mock.Provider{ModelIDValue: "m", StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b"}}}
	e := answer.NewEngine(&fakeRetriever{passages: passages}, answer.NewGenerativeFormatter(p, nil), answer.WithMetrics(m))

	var deltas []string
	res, err := e.AskStream(context.Background(), "q", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	if strings.Join(deltas, "|") != "a|b" || res.Answer != "ab" {
		t.Errorf("deltas = %q, answer = %q", deltas, res.Answer)
	}

	if _, err := e.AskStream(context.Background(), " ", func(string) error { return nil }); !errors.Is(err, answer.ErrEmptyQuestion) {
		t.Errorf("blank question err = %v", err)
	}
}
