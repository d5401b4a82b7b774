package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/studymate/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, config.Default())
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "listen addr",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			want:   []string{"server"},
		},
		{
			name:   "embedding model",
			mutate: func(c *config.Config) { c.Providers.Embeddings.Model = "nomic-embed-text" },
			want:   []string{"providers"},
		},
		{
			name: "top_k and backend",
			mutate: func(c *config.Config) {
				c.Answer.TopK = 7
				c.Index.Backend = config.BackendPostgres
			},
			want: []string{"index", "answer"},
		},
		{
			name: "log level and mcp",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogWarn
				c.MCP.Enabled = true
			},
			want: []string{"mcp"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tt.want)
			}
			if !d.Changed() {
				t.Error("Changed() should be true")
			}
		})
	}
}
