package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/vectorindex"
)

// ErrNoProcessedTexts is returned when the processed directory is missing
// or holds no chunks.
var ErrNoProcessedTexts = errors.New("ingest: no processed texts")

// Defaults for [BuildOptions].
const (
	DefaultBatchSize   = 64
	DefaultConcurrency = 4
)

// ReadProcessed returns every non-blank chunk from the *.txt files in dir.
// Files are read in lexical order and chunks keep their in-file order, so
// the ordinals of a rebuild are reproducible.
func ReadProcessed(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: directory %s not found", ErrNoProcessedTexts, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read processed dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".txt" {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no .txt files in %s", ErrNoProcessedTexts, dir)
	}

	var chunks []string
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", name, err)
		}
		for _, c := range strings.Split(string(data), ChunkSeparator) {
			if c = strings.TrimSpace(c); c != "" {
				chunks = append(chunks, c)
			}
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %d files but no chunks", ErrNoProcessedTexts, len(files))
	}
	slog.Info("ingest: processed texts loaded", "files", len(files), "chunks", len(chunks))
	return chunks, nil
}

// BuildOptions tunes [Build].
type BuildOptions struct {
	BatchSize   int
	Concurrency int

	// Metrics receives embedding latency. Nil uses observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Build embeds chunks with encoder, builds an index over them and saves the
// snapshot to store, replacing any previous one. An encoder that fails a
// probe embedding is reported as embeddings.ErrModelUnavailable before any
// batch is sent.
func Build(ctx context.Context, encoder embeddings.Provider, store vectorindex.Store, chunks []string, opts BuildOptions) (*vectorindex.Snapshot, error) {
	if len(chunks) == 0 {
		return nil, ErrNoProcessedTexts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}

	dim, err := embeddings.Probe(ctx, encoder)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	slog.Info("ingest: embedding chunks",
		"chunks", len(chunks),
		"model", encoder.ModelID(),
		"dimension", dim,
		"batch_size", opts.BatchSize,
		"concurrency", opts.Concurrency,
	)
	start := time.Now()
	vecs, err := embeddings.EmbedAll(ctx, encoder, chunks, opts.BatchSize, opts.Concurrency)
	opts.Metrics.RecordEmbed(ctx, encoder.ModelID(), "build", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("ingest: embed: %w", err)
	}

	idx, err := vectorindex.Build(vecs)
	if err != nil {
		return nil, fmt.Errorf("ingest: build index: %w", err)
	}
	snap, err := vectorindex.NewSnapshot(idx, chunks, encoder.ModelID())
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if err := store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("ingest: save snapshot: %w", err)
	}
	slog.Info("ingest: index saved",
		"chunks", idx.Len(),
		"dimension", idx.Dimension(),
		"build_id", snap.Meta.BuildID,
		"took", time.Since(start),
	)
	return snap, nil
}
