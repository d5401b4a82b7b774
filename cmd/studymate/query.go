package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/studymate/internal/app"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/internal/retriever"
	"github.com/MrWong99/studymate/internal/tui"
)

// openApp builds the application for a command that does not serve HTTP.
// The caller must call the returned function when done.
func (c *cli) openApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, providers, app.WithVersion(version))
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}, nil
}

func warnIfDegraded(a *app.App) {
	if a.Retriever().State() == retriever.StateDegraded {
		slog.Warn("no index loaded; run `studymate prepare` and `studymate build` first")
	}
}

func newAskCmd(c *cli) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and exit",
		Example: `  studymate ask "What is photosynthesis?"
  studymate ask --stream "Why do we sweat?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, done, err := c.openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer done()
			warnIfDegraded(a)

			out := cmd.OutOrStdout()
			question := strings.Join(args, " ")
			if !stream {
				res, err := a.Engine().Ask(ctx, question)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, res.Answer)
				if res.Fallback {
					slog.Warn("generative model unavailable; showing key points", "err", res.Err)
				}
				return nil
			}

			res, err := a.Engine().AskStream(ctx, question, func(delta string) error {
				_, err := io.WriteString(out, delta)
				return err
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			if res.Err != nil {
				slog.Warn("answer incomplete", "fallback", res.Fallback, "err", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "print the answer as it is generated")
	return cmd
}

func newSearchCmd(c *cli) *cobra.Command {
	var (
		topK   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Print the passages most similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK <= 0 {
				return fmt.Errorf("--top-k must be positive, got %d", topK)
			}
			ctx := cmd.Context()

			// Search never generates, so skip creating the LLM.
			cfg := *c.cfg
			cfg.Answer.Formatter = config.FormatterTemplate
			a, done, err := c.openApp(ctx, &cfg)
			if err != nil {
				return err
			}
			defer done()
			warnIfDegraded(a)

			results, err := a.Retriever().Search(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if results == nil {
					results = []retriever.Result{}
				}
				return enc.Encode(results)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No passages found.")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "[%d] %.3f  %s\n\n", i+1, r.Score, r.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", retriever.DefaultTopK, "number of passages to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat",
		Long: `Open a full-screen chat. Enter sends the input line, Tab switches between
answers and raw passage search, PgUp/PgDn scroll, Ctrl+C quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, done, err := c.openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer done()

			// Log lines would corrupt the full-screen view.
			c.level.Set(slogLevel(config.LogError))
			return tui.Run(ctx, tui.New(ctx, a.Engine(), a.Retriever(), a.Summary()))
		},
	}
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdin/stdout",
		Long: `Serve search_curriculum and ask_question to a single MCP client over
stdin/stdout, e.g. when launched by a desktop assistant. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, done, err := c.openApp(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer done()
			warnIfDegraded(a)
			slog.Info("mcp server ready on stdio", "index", a.Summary())
			return a.MCP().RunStdio(ctx)
		},
	}
}
