package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/studymate/internal/app"
	"github.com/MrWong99/studymate/internal/chunk"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/internal/ingest"
	"github.com/MrWong99/studymate/internal/observe"
)

func newPrepareCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Extract, clean and chunk the PDFs in corpus.raw_dir",
		Long: `Extract the text of every PDF in corpus.raw_dir, normalise it with the
configured policy, split it into overlapping chunks and write one .txt file
per document into corpus.processed_dir.

Unreadable documents are reported and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			corpus := c.cfg.Corpus
			normalizer, err := ingest.NewNormalizer(corpus.NormalizePolicy())
			if err != nil {
				return err
			}
			chunker, err := chunk.New(corpus.ChunkSize, corpus.Overlap, corpus.MinChunkChars)
			if err != nil {
				return err
			}
			reports, err := ingest.NewPreparer(nil, normalizer, chunker).
				PrepareDir(cmd.Context(), corpus.RawDir, corpus.ProcessedDir)
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), reports)
		},
	}
	return cmd
}

func printReports(out io.Writer, reports []ingest.FileReport) error {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No PDF files found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tCHUNKS\tRESULT")
	var total, skipped int
	for _, r := range reports {
		result := r.Output
		if r.Err != nil {
			result = "skipped: " + r.Err.Error()
			skipped++
		}
		total += r.Chunks
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.Source, r.Chunks, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d documents, %d chunks, %d skipped\n", len(reports), total, skipped)
	return nil
}

func newBuildCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed the processed chunks and save the vector index",
		Long: `Read every chunk from corpus.processed_dir, embed it with the configured
embeddings provider and save the index snapshot to the configured backend,
replacing any previous snapshot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			chunks, err := ingest.ReadProcessed(c.cfg.Corpus.ProcessedDir)
			if err != nil {
				return fmt.Errorf("%w; run `studymate prepare` first", err)
			}

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			enc, err := buildEmbeddings(c.cfg, reg)
			if err != nil {
				return err
			}

			store, closeStore, err := app.NewStore(ctx, c.cfg.Index)
			if err != nil {
				return fmt.Errorf("open snapshot store: %w", err)
			}
			defer closeStore()

			snap, err := ingest.Build(ctx, enc, store, chunks, ingest.BuildOptions{
				BatchSize:   c.cfg.Index.BatchSize,
				Concurrency: c.cfg.Index.Concurrency,
				Metrics:     observe.DefaultMetrics(),
			})
			if err != nil {
				return err
			}
			slog.Debug("build finished", "build_id", snap.Meta.BuildID)
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks with %s (%d dimensions) into the %s store.\n",
				len(snap.Meta.Texts), snap.Meta.ModelName, snap.Meta.Dimension, c.cfg.Index.Backend)
			return nil
		},
	}
	return cmd
}
