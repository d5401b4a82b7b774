package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/studymate/internal/config"
)

const baseYAML = `
server:
  log_level: info
corpus:
  chunk_size: 400
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// manualWatcher watches a fresh file without polling so tests drive Reload.
func manualWatcher(t *testing.T, onChange func(config.ConfigDiff, *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "studymate.yaml")
	writeFile(t, path, baseYAML)
	w, err := config.Watch(context.Background(), path, onChange, config.WithInterval(0))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatch_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Watch(context.Background(), filepath.Join(t.TempDir(), "none.yaml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want ErrNotExist", err)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		edit        string
		wantErr     error
		wantLevel   config.LogLevel
		wantRestart []string
	}{
		{
			name:    "unchanged",
			edit:    baseYAML,
			wantErr: config.ErrUnchanged,
		},
		{
			name:      "log level only",
			edit:      "server:\n  log_level: debug\ncorpus:\n  chunk_size: 400\n",
			wantLevel: config.LogDebug,
		},
		{
			name:        "chunking needs a restart",
			edit:        "server:\n  log_level: info\ncorpus:\n  chunk_size: 300\n",
			wantRestart: []string{"corpus"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls int
			w, path := manualWatcher(t, func(config.ConfigDiff, *config.Config) { calls++ })
			writeFile(t, path, tt.edit)

			d, err := w.Reload()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err: got %v, want %v", err, tt.wantErr)
				}
				if calls != 0 {
					t.Errorf("onChange called %d times for %s", calls, tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reload: %v", err)
			}
			if calls != 1 {
				t.Errorf("onChange calls: got %d, want 1", calls)
			}
			if tt.wantLevel != "" && (!d.LogLevelChanged || d.NewLogLevel != tt.wantLevel) {
				t.Errorf("diff log level: %+v", d)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("restart required: got %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}

func TestReload_InvalidEditKeepsCurrent(t *testing.T) {
	t.Parallel()
	w, path := manualWatcher(t, func(config.ConfigDiff, *config.Config) {
		t.Error("onChange must not run for an invalid edit")
	})
	writeFile(t, path, "corpus:\n  chunk_size: 100\n  overlap: 100\n")

	if _, err := w.Reload(); err == nil {
		t.Fatal("overlap equal to chunk_size should fail validation")
	}
	if got := w.Current().Corpus.ChunkSize; got != 400 {
		t.Errorf("current chunk_size: got %d, want 400", got)
	}
}

func TestWatch_PollsEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "studymate.yaml")
	writeFile(t, path, baseYAML)

	var mu sync.Mutex
	var diffs []config.ConfigDiff
	w, err := config.Watch(context.Background(), path, func(d config.ConfigDiff, _ *config.Config) {
		mu.Lock()
		diffs = append(diffs, d)
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, "server:\n  log_level: warn\ncorpus:\n  chunk_size: 400\n")
	// Some filesystems keep a coarse mtime; push it forward explicitly.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.LogLevel == config.LogWarn {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Fatalf("log level after edit: got %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(diffs) != 1 || diffs[0].NewLogLevel != config.LogWarn {
		t.Errorf("diffs: %+v", diffs)
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "studymate.yaml")
	writeFile(t, path, baseYAML)
	ctx, cancel := context.WithCancel(context.Background())
	w, err := config.Watch(ctx, path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the context was cancelled")
	}
}
