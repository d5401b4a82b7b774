// Command studymate answers curriculum questions from a local index of
// textbook PDFs. It prepares and indexes the corpus, serves the HTTP,
// WebSocket and MCP APIs, and offers one-shot and interactive querying.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/studymate/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// defaultConfigPath is used when --config is not given. A missing file at
// this path selects the built-in defaults.
const defaultConfigPath = "studymate.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cli{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "studymate: %v\n", err)
		return 1
	}
	return 0
}

// cli holds the state shared by all subcommands once the root's
// PersistentPreRunE has run.
type cli struct {
	configPath string
	logLevel   string

	cfg   *config.Config
	level slog.LevelVar
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "studymate",
		Short: "Curriculum question answering over indexed textbooks",
		Long: `StudyMate answers student questions from a local index of textbook PDFs.

Typical workflow:
  studymate prepare     extract, clean and chunk the PDFs in corpus.raw_dir
  studymate build       embed the chunks and save the vector index
  studymate serve       serve /ask, /ws/ask and optionally /mcp

Environment variables are read from a .env file in the working directory
when present and expanded as ${VAR} inside the config file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newPrepareCmd(c),
		newBuildCmd(c),
		newAskCmd(c),
		newSearchCmd(c),
		newChatCmd(c),
		newMCPCmd(c),
	)
	return root
}

// setup loads .env, the config file and the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(c.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", c.configPath)
	case err != nil:
		return err
	}

	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", c.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	c.cfg = cfg

	c.level.Set(slogLevel(cfg.Server.LogLevel))
	// The MCP stdio transport owns stdout, so logs always go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &c.level})))
	slog.Debug("config loaded", "path", c.configPath, "log_level", cfg.Server.LogLevel)
	return nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
