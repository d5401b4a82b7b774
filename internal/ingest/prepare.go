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

	"github.com/ledongthuc/pdf"

	"github.com/MrWong99/studymate/internal/chunk"
)

// ChunkSeparator joins chunks inside a processed text file.
const ChunkSeparator = "\n\n---CHUNK---\n\n"

// Extractor pulls plain text out of a source document.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// PDFExtractor reads text page by page with github.com/ledongthuc/pdf.
type PDFExtractor struct{}

var _ Extractor = PDFExtractor{}

// Extract implements Extractor. Pages are separated by a newline; pages
// without a content stream are skipped.
func (PDFExtractor) Extract(ctx context.Context, path string) (text string, err error) {
	defer func() {
		// The PDF parser panics on some malformed inputs.
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("ingest: parse %s: %v", filepath.Base(path), r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("ingest: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var b strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := p.Font(name)
				fonts[name] = &font
			}
		}
		pageText, err := p.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("ingest: page %d of %s: %w", i, filepath.Base(path), err)
		}
		b.WriteString(pageText)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// FileReport describes the outcome for one source document.
type FileReport struct {
	Source string
	Output string
	Chunks int

	// Err is set when the document was skipped.
	Err error
}

// Preparer turns a directory of PDFs into processed text files.
type Preparer struct {
	extractor  Extractor
	normalizer *Normalizer
	chunker    *chunk.Chunker
}

// NewPreparer returns a Preparer. A nil extractor uses [PDFExtractor].
func NewPreparer(extractor Extractor, normalizer *Normalizer, chunker *chunk.Chunker) *Preparer {
	if extractor == nil {
		extractor = PDFExtractor{}
	}
	return &Preparer{extractor: extractor, normalizer: normalizer, chunker: chunker}
}

// PrepareDir processes every *.pdf in rawDir, in lexical order, and writes
// <name>.txt into outDir. Documents that cannot be read or yield no chunks
// are logged, reported, and skipped. It fails only when rawDir cannot be
// listed, outDir cannot be created, or an output cannot be written.
func (p *Preparer) PrepareDir(ctx context.Context, rawDir, outDir string) ([]FileReport, error) {
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read raw dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: create processed dir: %w", err)
	}

	var sources []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			sources = append(sources, e.Name())
		}
	}
	slices.Sort(sources)
	if len(sources) == 0 {
		slog.Warn("ingest: no PDF files found", "dir", rawDir)
		return nil, nil
	}
	slog.Info("ingest: preparing documents", "count", len(sources), "dir", rawDir)

	reports := make([]FileReport, 0, len(sources))
	for _, name := range sources {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := p.prepareFile(ctx, filepath.Join(rawDir, name), outDir)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (p *Preparer) prepareFile(ctx context.Context, src, outDir string) (FileReport, error) {
	name := filepath.Base(src)
	rep := FileReport{Source: name}

	raw, err := p.extractor.Extract(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		slog.Error("ingest: skipping unreadable document", "file", name, "err", err)
		rep.Err = err
		return rep, nil
	}

	chunks := p.chunker.Split(p.normalizer.Normalize(raw))
	if len(chunks) == 0 {
		rep.Err = errors.New("no chunks produced")
		slog.Warn("ingest: skipping document without usable text", "file", name)
		return rep, nil
	}

	out := filepath.Join(outDir, strings.TrimSuffix(name, filepath.Ext(name))+".txt")
	if err := os.WriteFile(out, []byte(strings.Join(chunks, ChunkSeparator)), 0o644); err != nil {
		return rep, fmt.Errorf("ingest: write %s: %w", out, err)
	}
	rep.Output = out
	rep.Chunks = len(chunks)
	slog.Info("ingest: document processed", "file", name, "chunks", len(chunks))
	return rep, nil
}
