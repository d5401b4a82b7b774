// Package retriever answers "which curriculum passages are closest to this
// question" against a loaded vector index snapshot.
//
// A Retriever owns one immutable index and its parallel text store for its
// whole lifetime. When no snapshot has been built yet it starts Degraded: it
// serves empty results instead of failing, so the HTTP surface can come up
// and report itself unready. There is no in-process transition back to
// Ready; rebuilding the index requires a restart.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/vectorindex"
)

// DefaultTopK is used when a caller passes a non-positive topK. It applies to
// raw search only; answers retrieve answer.DefaultTopK (3) passages, and the
// two defaults are kept distinct.
const DefaultTopK = 5

// State is the serving state of a Retriever.
type State int

const (
	// StateReady means a snapshot is loaded and searches hit the index.
	StateReady State = iota

	// StateDegraded means no snapshot was found at startup. Searches
	// return no results.
	StateDegraded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Result is one retrieved passage.
type Result struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithDefaultTopK overrides [DefaultTopK].
func WithDefaultTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.defaultTopK = k
		}
	}
}

// WithMetrics records search and embedding latency into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// Retriever runs the query side of the pipeline: encode, search, look up.
// It is safe for concurrent use.
type Retriever struct {
	encoder     embeddings.Provider
	snapshot    *vectorindex.Snapshot
	state       State
	cause       error
	defaultTopK int
	metrics     *observe.Metrics
}

// New loads the current snapshot from store and checks it against encoder.
//
// A missing snapshot yields a Degraded retriever and no error. A snapshot
// whose dimension differs from the encoder's, or that cannot be read, is
// returned as an error. A snapshot built by a different model of the same
// dimension is accepted with a warning.
func New(ctx context.Context, encoder embeddings.Provider, store vectorindex.Store, opts ...Option) (*Retriever, error) {
	if encoder == nil {
		return nil, errors.New("retriever: encoder must not be nil")
	}
	if store == nil {
		return nil, errors.New("retriever: store must not be nil")
	}

	r := &Retriever{
		encoder:     encoder,
		defaultTopK: DefaultTopK,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}

	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, vectorindex.ErrIndexNotFound):
		r.state = StateDegraded
		r.cause = err
		slog.Warn("retriever: no index snapshot, serving without retrieval; run prepare and build first",
			"err", err)
		return r, nil
	case err != nil:
		return nil, fmt.Errorf("retriever: load snapshot: %w", err)
	}

	dim := encoder.Dimensions()
	if dim <= 0 {
		if dim, err = embeddings.Probe(ctx, encoder); err != nil {
			return nil, fmt.Errorf("retriever: %w", err)
		}
	}
	if err := snap.Meta.Validate(dim); err != nil {
		return nil, fmt.Errorf("retriever: %w", err)
	}
	if snap.Meta.ModelName != encoder.ModelID() {
		slog.Warn("retriever: snapshot was built with a different model of the same dimension",
			"snapshot_model", snap.Meta.ModelName,
			"encoder_model", encoder.ModelID(),
			"dimension", dim,
		)
	}

	r.snapshot = snap
	r.state = StateReady
	r.metrics.IndexChunks.Record(ctx, int64(snap.Index.Len()))
	slog.Info("retriever: index loaded",
		"chunks", snap.Index.Len(),
		"dimension", dim,
		"model", snap.Meta.ModelName,
		"build_id", snap.Meta.BuildID,
		"built_at", snap.Meta.CreatedAt,
	)
	return r, nil
}

// State reports whether the retriever is serving from an index.
func (r *Retriever) State() State { return r.state }

// Err returns why the retriever is Degraded, or nil when Ready.
func (r *Retriever) Err() error { return r.cause }

// Len returns the number of indexed chunks, 0 when Degraded.
func (r *Retriever) Len() int {
	if r.snapshot == nil {
		return 0
	}
	return r.snapshot.Index.Len()
}

// Meta returns the loaded snapshot metadata and false when Degraded.
func (r *Retriever) Meta() (vectorindex.Meta, bool) {
	if r.snapshot == nil {
		return vectorindex.Meta{}, false
	}
	return r.snapshot.Meta, true
}

// Search returns up to topK passages most similar to query, best first.
// A non-positive topK uses the configured default. In the Degraded state
// it returns nil and no error.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if r.state == StateDegraded {
		observe.Logger(ctx).Debug("retriever: search skipped, index not loaded", "query", query)
		return nil, nil
	}
	if topK <= 0 {
		topK = r.defaultTopK
	}

	ctx, span := observe.StartSpan(ctx, "retriever.Search")
	defer span.End()
	start := time.Now()

	vecs, err := r.encoder.EmbedBatch(ctx, []string{query})
	r.metrics.RecordEmbed(ctx, r.encoder.ModelID(), "query", time.Since(start))
	if err != nil {
		observe.RecordError(span, err)
		return nil, fmt.Errorf("retriever: encode query: %w", err)
	}
	if len(vecs) != 1 {
		err := fmt.Errorf("retriever: encoder returned %d vectors for one query", len(vecs))
		observe.RecordError(span, err)
		return nil, err
	}

	hits, err := r.snapshot.Index.Search(vecs[0], topK)
	if err != nil {
		observe.RecordError(span, err)
		return nil, fmt.Errorf("retriever: search: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		text, ok := r.snapshot.Text(h.Ordinal)
		if !ok {
			continue
		}
		out = append(out, Result{Text: text, Score: h.Score})
	}
	r.metrics.RecordSearch(ctx, time.Since(start))
	return out, nil
}

// GetContext formats the topK passages for query as "Passage N: text"
// blocks separated by a blank line, in score order. It returns "" when
// nothing was retrieved.
func (r *Retriever) GetContext(ctx context.Context, query string, topK int) (string, error) {
	results, err := r.Search(ctx, query, topK)
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

// FormatContext renders results the way GetContext does.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Passage %d: %s", i+1, res.Text)
	}
	return b.String()
}
