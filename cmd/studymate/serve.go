package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/studymate/internal/app"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/internal/observe"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, WebSocket and MCP APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				c.cfg.Server.ListenAddr = listen
			}
			return c.serve(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr, e.g. :8080")
	return cmd
}

func (c *cli) serve(ctx context.Context, out io.Writer) error {
	cfg := c.cfg

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	printStartupSummary(out, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithTelemetry(tel),
		app.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	if w := c.watchConfig(ctx); w != nil {
		defer w.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	slog.Info("goodbye")
	return runErr
}

// watchConfig polls the config file and applies log level changes without a
// restart. SIGHUP forces an immediate reload. It returns nil when no config
// file is in use.
func (c *cli) watchConfig(ctx context.Context) *config.Watcher {
	if _, err := os.Stat(c.configPath); err != nil {
		return nil
	}
	w, err := config.Watch(ctx, c.configPath, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			if c.logLevel != "" {
				slog.Info("config log level changed but --log-level takes precedence", "config_level", d.NewLogLevel)
			} else {
				c.level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changed; restart to apply", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
		return nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := w.Reload(); errors.Is(err, config.ErrUnchanged) {
					slog.Info("SIGHUP: config unchanged")
				} else if err != nil {
					slog.Warn("SIGHUP: config reload failed", "err", err)
				}
			}
		}
	}()
	slog.Debug("watching config file", "path", c.configPath)
	return w
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════╗")
	fmt.Fprintln(out, "║         StudyMate: startup summary        ║")
	fmt.Fprintln(out, "╠═══════════════════════════════════════════╣")
	printRow(out, "Embeddings", provider(cfg.Providers.Embeddings))
	if cfg.Answer.Formatter == config.FormatterGenerative {
		printRow(out, "LLM", provider(cfg.Providers.LLM))
		printRow(out, "Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	}
	printRow(out, "Formatter", string(cfg.Answer.Formatter))
	printRow(out, "Index", string(cfg.Index.Backend))
	if cfg.MCP.Enabled {
		printRow(out, "MCP", "/mcp")
	} else {
		printRow(out, "MCP", "(disabled)")
	}
	printRow(out, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(out, "╚═══════════════════════════════════════════╝")
}

func provider(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(out io.Writer, label, value string) {
	if r := []rune(value); len(r) > 24 {
		value = string(r[:23]) + "…"
	}
	fmt.Fprintf(out, "║  %-12s : %-24s ║\n", label, value)
}
