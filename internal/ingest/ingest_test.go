package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/studymate/internal/chunk"
	"github.com/MrWong99/studymate/internal/ingest"
	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/embeddings/hashing"
	"github.com/MrWong99/studymate/pkg/provider/embeddings/mock"
	"github.com/MrWong99/studymate/pkg/vectorindex"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const ncertHeaders = `\b\d{1,3}\b\s*(?:NCERT|Science|Mathematics|English)?`

func TestNormalize(t *testing.T) {
	t.Parallel()
	withHeaders := ingest.DefaultNormalizePolicy()
	withHeaders.StripPatterns = []string{ncertHeaders}

	tests := []struct {
		name   string
		policy ingest.NormalizePolicy
		in     string
		want   string
	}{
		{
			name:   "whitespace collapsed",
			policy: ingest.DefaultNormalizePolicy(),
			in:     "  Cells\n\n are\tthe   unit of life.  ",
			want:   "Cells are the unit of life.",
		},
		{
			name:   "quotes folded before filtering",
			policy: ingest.DefaultNormalizePolicy(),
			in:     "The “cell” is the plant’s unit.",
			want:   `The "cell" is the plant's unit.`,
		},
		{
			name:   "disallowed characters removed",
			policy: ingest.DefaultNormalizePolicy(),
			in:     "Energy → work ★ done (joules).",
			want:   "Energy work done (joules).",
		},
		{
			name:   "non-latin letters kept",
			policy: ingest.DefaultNormalizePolicy(),
			in:     "कोशिका cell",
			want:   "कोशिका cell",
		},
		{
			name:   "page headers stripped",
			policy: withHeaders,
			in:     "Light travels fast. 112 Science Reflection occurs at mirrors.",
			want:   "Light travels fast. Reflection occurs at mirrors.",
		},
		{
			name:   "zero policy is identity",
			policy: ingest.NormalizePolicy{},
			in:     "  “x”  \n",
			want:   "  “x”  \n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, err := ingest.NewNormalizer(tt.policy)
			if err != nil {
				t.Fatalf("NewNormalizer: %v", err)
			}
			if got := n.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewNormalizer_InvalidPatterns(t *testing.T) {
	t.Parallel()
	_, err := ingest.NewNormalizer(ingest.NormalizePolicy{
		StripPatterns: []string{"(unclosed", "ok", "[z-a]"},
		AllowedChars:  `\p{Nope}`,
	})
	if !errors.Is(err, ingest.ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
	for _, want := range []string{"(unclosed", "[z-a]", `\p{Nope}`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q: %v", want, err)
		}
	}
}

// fakeExtractor returns canned text per file name.
type fakeExtractor struct {
	texts map[string]string
	errs  map[string]error
	calls []string
}

func (f *fakeExtractor) Extract(_ context.Context, path string) (string, error) {
	name := filepath.Base(path)
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.texts[name], nil
}

func words(n int, w string) string {
	return strings.TrimSpace(strings.Repeat(w+" ", n))
}

func newPreparer(t *testing.T, ex ingest.Extractor) *ingest.Preparer {
	t.Helper()
	n, err := ingest.NewNormalizer(ingest.DefaultNormalizePolicy())
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	c, err := chunk.New(20, 5, chunk.DefaultMinChars)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	return ingest.NewPreparer(ex, n, c)
}

func TestPrepareDir(t *testing.T) {
	t.Parallel()
	raw := t.TempDir()
	out := filepath.Join(t.TempDir(), "processed")
	for _, name := range []string{"b_science.pdf", "a_maths.PDF", "broken.pdf", "blank.pdf", "notes.md"} {
		if err := os.WriteFile(filepath.Join(raw, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ex := &fakeExtractor{
		texts: map[string]string{
			"a_maths.PDF":   words(30, "triangle"),
			"b_science.pdf": words(50, "photosynthesis"),
			"blank.pdf":     "12 3",
		},
		errs: map[string]error{"broken.pdf": errors.New("xref table damaged")},
	}

	reports, err := newPreparer(t, ex).PrepareDir(context.Background(), raw, out)
	if err != nil {
		t.Fatalf("PrepareDir: %v", err)
	}

	wantOrder := []string{"a_maths.PDF", "b_science.pdf", "blank.pdf", "broken.pdf"}
	if strings.Join(ex.calls, ",") != strings.Join(wantOrder, ",") {
		t.Errorf("extraction order = %v, want %v", ex.calls, wantOrder)
	}
	if len(reports) != 4 {
		t.Fatalf("reports = %d, want 4", len(reports))
	}

	byName := map[string]ingest.FileReport{}
	for _, r := range reports {
		byName[r.Source] = r
	}
	if r := byName["broken.pdf"]; r.Err == nil || r.Output != "" {
		t.Errorf("broken report = %+v, want a skip", r)
	}
	if r := byName["blank.pdf"]; r.Err == nil || r.Chunks != 0 {
		t.Errorf("blank report = %+v, want a skip", r)
	}
	// 50 words, windows of 20 advancing by 15: starts 0, 15, 30, 45.
	if r := byName["b_science.pdf"]; r.Err != nil || r.Chunks != 4 {
		t.Errorf("science report = %+v, want 4 chunks", r)
	}

	data, err := os.ReadFile(filepath.Join(out, "b_science.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	parts := strings.Split(string(data), ingest.ChunkSeparator)
	if len(parts) != 4 || len(strings.Fields(parts[0])) != 20 {
		t.Errorf("output holds %d chunks, first with %d words", len(parts), len(strings.Fields(parts[0])))
	}
	if _, err := os.Stat(filepath.Join(out, "broken.txt")); !os.IsNotExist(err) {
		t.Error("output written for an unreadable document")
	}
}

func TestPrepareDir_MissingRawDir(t *testing.T) {
	t.Parallel()
	_, err := newPreparer(t, &fakeExtractor{}).PrepareDir(context.Background(),
		filepath.Join(t.TempDir(), "nope"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing raw dir")
	}
}

func TestPrepareDir_NoPDFs(t *testing.T) {
	t.Parallel()
	reports, err := newPreparer(t, &fakeExtractor{}).PrepareDir(context.Background(), t.TempDir(), t.TempDir())
	if err != nil || reports != nil {
		t.Errorf("PrepareDir = %v, %v; want nil, nil", reports, err)
	}
}

func TestPDFExtractor_RejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, []byte("this is not a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (ingest.PDFExtractor{}).Extract(context.Background(), path); err == nil {
		t.Error("expected error for a non-PDF file")
	}
}

func writeProcessed(t *testing.T, dir, name string, chunks ...string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(chunks, ingest.ChunkSeparator)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadProcessed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProcessed(t, dir, "b.txt", "third", "  ", "fourth")
	writeProcessed(t, dir, "a.txt", "first", "second\n")
	writeProcessed(t, dir, "c.md", "ignored")

	got, err := ingest.ReadProcessed(dir)
	if err != nil {
		t.Fatalf("ReadProcessed: %v", err)
	}
	want := []string{"first", "second", "third", "fourth"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestReadProcessed_Empty(t *testing.T) {
	t.Parallel()
	empty := t.TempDir()
	blank := t.TempDir()
	writeProcessed(t, blank, "a.txt", " ", "\n")

	for name, dir := range map[string]string{
		"missing": filepath.Join(t.TempDir(), "absent"),
		"no txt":  empty,
		"blank":   blank,
	} {
		if _, err := ingest.ReadProcessed(dir); !errors.Is(err, ingest.ErrNoProcessedTexts) {
			t.Errorf("%s: err = %v, want ErrNoProcessedTexts", name, err)
		}
	}
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

func TestBuild(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := &vectorindex.FileStore{
		IndexPath: filepath.Join(dir, "vector_store", "index.gob"),
		MetaPath:  filepath.Join(dir, "vector_store", "meta.gob"),
	}
	chunks := []string{
		"Photosynthesis uses sunlight.",
		"Respiration releases energy.",
		"Water cycle involves evaporation.",
	}
	enc := hashing.New(64)

	snap, err := ingest.Build(context.Background(), enc, store, chunks,
		ingest.BuildOptions{BatchSize: 2, Concurrency: 2, Metrics: testMetrics(t)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Index.Len() != 3 || snap.Meta.ModelName != enc.ModelID() || snap.Meta.Dimension != 64 {
		t.Errorf("snapshot = %d rows, meta %+v", snap.Index.Len(), snap.Meta)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Meta.BuildID != snap.Meta.BuildID {
		t.Errorf("loaded build %s, want %s", loaded.Meta.BuildID, snap.Meta.BuildID)
	}
	for i, c := range chunks {
		if txt, _ := loaded.Text(i); txt != c {
			t.Errorf("text %d = %q, want %q", i, txt, c)
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := &vectorindex.FileStore{IndexPath: filepath.Join(dir, "i"), MetaPath: filepath.Join(dir, "m")}
	ctx := context.Background()

	if _, err := ingest.Build(ctx, hashing.New(8), store, nil, ingest.BuildOptions{Metrics: testMetrics(t)}); !errors.Is(err, ingest.ErrNoProcessedTexts) {
		t.Errorf("no chunks: err = %v", err)
	}

	unreachable := &mock.Provider{ModelIDValue: "all-minilm", DimensionsValue: 384,
		EmbedErr: errors.New("dial tcp 127.0.0.1:11434: connection refused")}
	if _, err := ingest.Build(ctx, unreachable, store, []string{"a"}, ingest.BuildOptions{Metrics: testMetrics(t)}); !errors.Is(err, embeddings.ErrModelUnavailable) {
		t.Errorf("unreachable model: err = %v, want ErrModelUnavailable", err)
	}
	if _, batches := unreachable.Calls(); batches != 0 {
		t.Errorf("unreachable model: %d batches sent, want 0", batches)
	}

	boom := errors.New("batch rejected")
	enc := &mock.Provider{ModelIDValue: "all-minilm", EmbedResult: []float32{1, 0}, EmbedBatchErr: boom}
	if _, err := ingest.Build(ctx, enc, store, []string{"a"}, ingest.BuildOptions{Metrics: testMetrics(t)}); !errors.Is(err, boom) {
		t.Errorf("embed failure: err = %v, want %v", err, boom)
	}
	if _, err := store.Load(ctx); !errors.Is(err, vectorindex.ErrIndexNotFound) {
		t.Errorf("failed build left a snapshot behind: %v", err)
	}

	ragged := &mock.Provider{ModelIDValue: "m", EmbedResult: []float32{1, 2}, EmbedBatchResult: [][]float32{{1, 2}, {1}}}
	if _, err := ingest.Build(ctx, ragged, store, []string{"a", "b"},
		ingest.BuildOptions{BatchSize: 2, Metrics: testMetrics(t)}); !errors.Is(err, vectorindex.ErrDimensionMismatch) {
		t.Errorf("ragged vectors: err = %v, want ErrDimensionMismatch", err)
	}
}
