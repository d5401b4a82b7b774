package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/studymate/internal/app"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/internal/ingest"
	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/internal/retriever"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/embeddings/hashing"
	embedmock "github.com/MrWong99/studymate/pkg/provider/embeddings/mock"
	"github.com/MrWong99/studymate/pkg/provider/llm"
	llmmock "github.com/MrWong99/studymate/pkg/provider/llm/mock"
	"github.com/MrWong99/studymate/pkg/vectorindex"
)

var chunks = []string{
	"Photosynthesis uses sunlight to make food in green plants.",
	"Respiration releases energy from glucose inside the cells.",
	"The water cycle involves evaporation and condensation.",
}

// testConfig returns a template-formatter config with paths under a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "hashing"}
	cfg.Index.IndexPath = filepath.Join(dir, "index.gob")
	cfg.Index.MetaPath = filepath.Join(dir, "meta.gob")
	cfg.Answer.Formatter = config.FormatterTemplate
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// buildIndex saves a snapshot of chunks where cfg expects it.
func buildIndex(t *testing.T, cfg *config.Config, enc *hashing.Provider) {
	t.Helper()
	st := &vectorindex.FileStore{IndexPath: cfg.Index.IndexPath, MetaPath: cfg.Index.MetaPath}
	if _, err := ingest.Build(context.Background(), enc, st, chunks, ingest.BuildOptions{Metrics: testMetrics(t)}); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, app.WithMetrics(testMetrics(t)), app.WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func postAsk(t *testing.T, h http.Handler, question string) (int, map[string]string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"question": question})
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func get(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestNew_RequiresEmbeddings(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Error("New without an embeddings provider should fail")
	}
	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Error("New with nil providers should fail")
	}
}

func TestNew_DegradedWithoutSnapshot(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, &app.Providers{Embeddings: hashing.New(64)})

	if got := a.Retriever().State(); got != retriever.StateDegraded {
		t.Fatalf("state: got %v, want degraded", got)
	}
	if !strings.Contains(a.Summary(), "no index loaded") {
		t.Errorf("summary: got %q", a.Summary())
	}
	if a.Ready(context.Background()) {
		t.Error("degraded app should not be ready")
	}

	h := a.Handler()
	if code := get(h, "/healthz"); code != http.StatusOK {
		t.Errorf("/healthz: got %d", code)
	}
	if code := get(h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz: got %d, want 503", code)
	}

	code, out := postAsk(t, h, "What is photosynthesis?")
	if code != http.StatusOK {
		t.Fatalf("/ask: got %d %v", code, out)
	}
	if !strings.Contains(out["answer"], "couldn't find relevant information") {
		t.Errorf("answer should apologise without an index: %q", out["answer"])
	}
}

func TestNew_TemplateAnswersFromIndex(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	enc := hashing.New(64)
	buildIndex(t, cfg, enc)
	a := newApp(t, cfg, &app.Providers{Embeddings: enc})

	if got := a.Retriever().Len(); got != len(chunks) {
		t.Errorf("Len: got %d, want %d", got, len(chunks))
	}
	if !a.Ready(context.Background()) {
		t.Error("app with a snapshot should be ready")
	}
	if !strings.Contains(a.Summary(), "3 chunks") {
		t.Errorf("summary: got %q", a.Summary())
	}

	code, out := postAsk(t, a.Handler(), "What releases energy in the cells?")
	if code != http.StatusOK {
		t.Fatalf("/ask: got %d %v", code, out)
	}
	if !strings.Contains(out["answer"], "Respiration releases energy") {
		t.Errorf("answer should cite the passage: %q", out["answer"])
	}
	if code, _ := postAsk(t, a.Handler(), "   "); code != http.StatusBadRequest {
		t.Errorf("blank question: got %d, want 400", code)
	}
}

func TestNew_Generative(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Answer.Formatter = config.FormatterGenerative
	enc := hashing.New(64)
	buildIndex(t, cfg, enc)

	primary := &llmmock.Provider{CompleteErr: llm.ErrStream, ModelIDValue: "primary"}
	backup := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Cells release energy by respiration."},
		ModelIDValue:     "backup",
	}
	a := newApp(t, cfg, &app.Providers{
		Embeddings:   enc,
		LLM:          &app.NamedLLM{Name: "primary", Provider: primary},
		LLMFallbacks: []app.NamedLLM{{Name: "backup", Provider: backup}},
	})

	res, err := a.Engine().Ask(context.Background(), "What releases energy?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Answer != "Cells release energy by respiration." {
		t.Errorf("answer: got %q", res.Answer)
	}
	if len(primary.CompleteCalls) != 1 || len(backup.CompleteCalls) != 1 {
		t.Errorf("calls: primary=%d backup=%d", len(primary.CompleteCalls), len(backup.CompleteCalls))
	}
	if !strings.Contains(a.Summary(), "generative") {
		t.Errorf("summary: got %q", a.Summary())
	}
}

func TestNew_GenerativeWithoutLLM(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Answer.Formatter = config.FormatterGenerative
	if _, err := app.New(context.Background(), cfg, &app.Providers{Embeddings: hashing.New(64)}); err == nil {
		t.Error("generative formatter without an LLM should fail")
	}
}

func TestNew_DimensionMismatchIsFatal(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	buildIndex(t, cfg, hashing.New(64))
	if _, err := app.New(context.Background(), cfg, &app.Providers{Embeddings: hashing.New(32)}); err == nil {
		t.Error("a snapshot built with another dimension should fail")
	}
}

func TestNew_UnreachableEncoderIsFatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		snapshot bool
	}{
		{"no snapshot", false},
		{"with snapshot", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			if tt.snapshot {
				buildIndex(t, cfg, hashing.New(384))
			}
			enc := &embedmock.Provider{
				DimensionsValue: 384,
				ModelIDValue:    "all-minilm",
				EmbedErr:        errors.New("dial tcp 127.0.0.1:11434: connection refused"),
			}
			a, err := app.New(context.Background(), cfg, &app.Providers{Embeddings: enc})
			if !errors.Is(err, embeddings.ErrModelUnavailable) {
				t.Fatalf("New: got err %v, want ErrModelUnavailable", err)
			}
			if a != nil {
				t.Error("New should not return an app when the encoder is unreachable")
			}
			if embeds, _ := enc.Calls(); embeds != 1 {
				t.Errorf("encoder probed %d times, want 1", embeds)
			}
		})
	}
}

func TestNew_MCPMount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		enabled bool
		want404 bool
	}{
		{"disabled", false, true},
		{"enabled", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			cfg.MCP.Enabled = tt.enabled
			a := newApp(t, cfg, &app.Providers{Embeddings: hashing.New(64)})
			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
			if got := rec.Code == http.StatusNotFound; got != tt.want404 {
				t.Errorf("/mcp status %d, want404=%v", rec.Code, tt.want404)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg, &app.Providers{Embeddings: hashing.New(64)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), &app.Providers{Embeddings: hashing.New(64)})
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
