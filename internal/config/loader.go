package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/studymate/internal/ingest"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compatible"},
	"embeddings": {"ollama", "openai", "hashing"},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with the value of the environment
// variable VAR. Unset variables expand to the empty string. A bare $ is
// left alone so regular expressions survive.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.CORSOrigins == nil {
		s.CORSOrigins = slices.Clone(DefaultCORSOrigins)
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	if cfg.Providers.Embeddings.Name == "" {
		cfg.Providers.Embeddings.Name = DefaultEmbeddingsName
		if cfg.Providers.Embeddings.Model == "" {
			cfg.Providers.Embeddings.Model = DefaultEmbeddingsModel
		}
	}

	c := &cfg.Corpus
	if c.RawDir == "" {
		c.RawDir = DefaultRawDir
	}
	if c.ProcessedDir == "" {
		c.ProcessedDir = DefaultProcessedDir
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Overlap == 0 {
		c.Overlap = DefaultOverlap
	}
	if c.MinChunkChars == 0 {
		c.MinChunkChars = DefaultMinChunkChars
	}

	x := &cfg.Index
	if x.Backend == "" {
		x.Backend = BackendFile
	}
	if x.IndexPath == "" {
		x.IndexPath = DefaultIndexPath
	}
	if x.MetaPath == "" {
		x.MetaPath = DefaultMetaPath
	}
	if x.BatchSize == 0 {
		x.BatchSize = ingest.DefaultBatchSize
	}
	if x.Concurrency == 0 {
		x.Concurrency = ingest.DefaultConcurrency
	}

	a := &cfg.Answer
	if a.Formatter == "" {
		a.Formatter = FormatterTemplate
		if cfg.Providers.LLM.Name != "" {
			a.Formatter = FormatterGenerative
		}
	}
	if a.TopK == 0 {
		a.TopK = DefaultAnswerTopK
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultAnswerTimeout
	}
	if a.CircuitBreaker.MaxFailures == 0 {
		a.CircuitBreaker.MaxFailures = DefaultBreakerFailures
	}
	if a.CircuitBreaker.ResetTimeout == 0 {
		a.CircuitBreaker.ResetTimeout = DefaultBreakerReset
	}
	if a.CorpusName == "" {
		a.CorpusName = DefaultCorpusName
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout %s must not be negative", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout %s must not be negative", cfg.Server.WriteTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm to be configured"))
	}

	// Corpus
	c := cfg.Corpus
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("corpus.chunk_size %d must be positive", c.ChunkSize))
	}
	if c.Overlap < 0 || (c.ChunkSize > 0 && c.Overlap >= c.ChunkSize) {
		errs = append(errs, fmt.Errorf("corpus.overlap %d must be in [0, chunk_size)", c.Overlap))
	}
	if c.MinChunkChars < 0 {
		errs = append(errs, fmt.Errorf("corpus.min_chunk_chars %d must not be negative", c.MinChunkChars))
	}
	if _, err := ingest.NewNormalizer(c.NormalizePolicy()); err != nil {
		errs = append(errs, fmt.Errorf("corpus.normalize: %w", err))
	}

	// Index
	x := cfg.Index
	switch {
	case !x.Backend.IsValid():
		errs = append(errs, fmt.Errorf("index.backend %q is invalid; valid values: file, postgres", x.Backend))
	case x.Backend == BackendPostgres && x.PostgresDSN == "":
		errs = append(errs, errors.New("index.postgres_dsn is required when backend is postgres"))
	case x.Backend == BackendFile && (x.IndexPath == "" || x.MetaPath == ""):
		errs = append(errs, errors.New("index.index_path and index.meta_path are required when backend is file"))
	}
	if x.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("index.batch_size %d must be positive", x.BatchSize))
	}
	if x.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("index.concurrency %d must be positive", x.Concurrency))
	}

	// Answer
	a := cfg.Answer
	if a.Formatter != "" && !a.Formatter.IsValid() {
		errs = append(errs, fmt.Errorf("answer.formatter %q is invalid; valid values: template, generative", a.Formatter))
	}
	if a.Formatter == FormatterGenerative && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("answer.formatter \"generative\" requires providers.llm to be configured"))
	}
	if a.TopK <= 0 {
		errs = append(errs, fmt.Errorf("answer.top_k %d must be positive", a.TopK))
	}
	if a.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("answer.timeout %s must be positive", a.Timeout))
	}
	if a.CircuitBreaker.MaxFailures < 0 || a.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("answer.circuit_breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
