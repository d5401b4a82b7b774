package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/studymate/internal/app"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/embeddings/hashing"
	ollamaembed "github.com/MrWong99/studymate/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/studymate/pkg/provider/embeddings/openai"
	"github.com/MrWong99/studymate/pkg/provider/llm"
	"github.com/MrWong99/studymate/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/studymate/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires every built-in provider factory into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every any-llm backend shares the same shape: optional APIKey and
	// optional BaseURL. Without a key the backend reads its usual env var.
	for _, backend := range anyllm.Backends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// openai-compatible talks to any server implementing the chat completions
	// API (vLLM, LM Studio, a proxy) through the official SDK.
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(apiKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if d := optInt(entry.Options, "dimensions"); d > 0 {
			opts = append(opts, ollamaembed.WithDimensions(d))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if t, ok := entry.Options["truncate"].(bool); ok {
			opts = append(opts, ollamaembed.WithTruncate(t))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d := optInt(entry.Options, "dimensions"); d > 0 {
			opts = append(opts, oaembed.WithDimensions(d))
		}
		return oaembed.New(apiKey, entry.Model, opts...)
	})

	// hashing needs no model server; useful offline and in CI.
	reg.RegisterEmbeddings("hashing", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return hashing.New(optInt(entry.Options, "dimensions")), nil
	})

	for _, kind := range []string{config.KindLLM, config.KindEmbeddings} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildEmbeddings creates only the embeddings provider. Commands that never
// generate answers use it so a missing LLM key does not stop them.
func buildEmbeddings(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	entry := cfg.Providers.Embeddings
	p, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", p.ModelID())
	return p, nil
}

// buildProviders instantiates every provider named in cfg. The LLM and its
// fallbacks are only created for the generative formatter.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	emb, err := buildEmbeddings(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps := &app.Providers{Embeddings: emb}
	if cfg.Answer.Formatter != config.FormatterGenerative {
		return ps, nil
	}

	primary, err := createLLM(reg, cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	ps.LLM = primary
	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := createLLM(reg, entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("skipping unknown llm fallback", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, err
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, *fb)
	}
	return ps, nil
}

func createLLM(reg *config.Registry, entry config.ProviderEntry) (*app.NamedLLM, error) {
	p, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	name := entry.Name
	if entry.Model != "" {
		name += "/" + entry.Model
	}
	slog.Info("provider created", "kind", "llm", "name", name)
	return &app.NamedLLM{Name: name, Provider: p}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration option such as "45s". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
