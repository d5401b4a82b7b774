// Package config provides the configuration schema, loader, provider registry
// and file watcher for StudyMate.
package config

import (
	"time"

	"github.com/MrWong99/studymate/internal/ingest"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// IndexBackend selects where index snapshots are stored.
type IndexBackend string

const (
	// BackendFile stores the snapshot as two gob files on local disk.
	BackendFile IndexBackend = "file"

	// BackendPostgres stores the snapshot in PostgreSQL with pgvector.
	BackendPostgres IndexBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b IndexBackend) IsValid() bool {
	return b == BackendFile || b == BackendPostgres
}

// FormatterKind selects the answer formatter variant.
type FormatterKind string

const (
	FormatterTemplate   FormatterKind = "template"
	FormatterGenerative FormatterKind = "generative"
)

// IsValid reports whether k is a recognised formatter.
func (k FormatterKind) IsValid() bool {
	return k == FormatterTemplate || k == FormatterGenerative
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":5000"
	DefaultEmbeddingsName    = "ollama"
	DefaultEmbeddingsModel   = "all-minilm"
	DefaultRawDir            = "data/raw"
	DefaultProcessedDir      = "data/processed"
	DefaultChunkSize         = 500
	DefaultOverlap           = 100
	DefaultMinChunkChars     = 50
	DefaultIndexPath         = "data/vector_store/index.gob"
	DefaultMetaPath          = "data/vector_store/meta.gob"
	DefaultAnswerTopK        = 3
	DefaultAnswerTimeout     = 30 * time.Second
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultCorpusName        = "NCERT"
	DefaultServiceName       = "studymate"
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
)

// DefaultCORSOrigins are the local frontend dev servers.
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Index     IndexConfig     `yaml:"index"`
	Answer    AnswerConfig    `yaml:"answer"`
	MCP       MCPConfig       `yaml:"mcp"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// CORSOrigins lists the browser origins allowed to call the API.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the embedding model and the optional language
// models. Each entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	Embeddings ProviderEntry `yaml:"embeddings"`

	// LLM is the primary generator. Empty disables generative answers.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary fails or its circuit
	// is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "ollama", "gemini").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// CorpusConfig describes where documents live and how they are chunked.
type CorpusConfig struct {
	RawDir        string `yaml:"raw_dir"`
	ProcessedDir  string `yaml:"processed_dir"`
	ChunkSize     int    `yaml:"chunk_size"`
	Overlap       int    `yaml:"overlap"`
	MinChunkChars int    `yaml:"min_chunk_chars"`

	// Normalize is the text cleaning policy. When omitted entirely the
	// default policy is used.
	Normalize *ingest.NormalizePolicy `yaml:"normalize"`
}

// IndexConfig selects the snapshot store and tunes index builds.
type IndexConfig struct {
	Backend     IndexBackend `yaml:"backend"`
	IndexPath   string       `yaml:"index_path"`
	MetaPath    string       `yaml:"meta_path"`
	PostgresDSN string       `yaml:"postgres_dsn"`
	BatchSize   int          `yaml:"batch_size"`
	Concurrency int          `yaml:"concurrency"`
}

// AnswerConfig configures the answer engine.
type AnswerConfig struct {
	// Formatter defaults to generative when an LLM is configured and to
	// template otherwise.
	Formatter      FormatterKind        `yaml:"formatter"`
	TopK           int                  `yaml:"top_k"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// CorpusName labels the source material in answer text.
	CorpusName string `yaml:"corpus_name"`
}

// CircuitBreakerConfig tunes the breaker in front of each LLM.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// MCPConfig controls the Model Context Protocol surface.
type MCPConfig struct {
	// Enabled mounts the streamable HTTP MCP endpoint at /mcp.
	Enabled bool `yaml:"enabled"`
}

// ObserveConfig controls telemetry.
type ObserveConfig struct {
	// Metrics exposes the Prometheus endpoint at /metrics. Nil means true.
	Metrics     *bool  `yaml:"metrics"`
	ServiceName string `yaml:"service_name"`
}

// MetricsEnabled reports whether /metrics should be served.
func (o ObserveConfig) MetricsEnabled() bool {
	return o.Metrics == nil || *o.Metrics
}

// NormalizePolicy returns the configured policy or the default one.
func (c CorpusConfig) NormalizePolicy() ingest.NormalizePolicy {
	if c.Normalize == nil {
		return ingest.DefaultNormalizePolicy()
	}
	return *c.Normalize
}
