// Package app wires the StudyMate subsystems into a running application.
//
// The App owns the lifecycle: New builds the snapshot store, retriever,
// answer formatter, answer engine, MCP server and HTTP server exactly once,
// Run serves HTTP until the context ends, and Shutdown releases everything in
// reverse order. Commands receive these components from the App instead of
// constructing their own.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/config"
	"github.com/MrWong99/studymate/internal/health"
	"github.com/MrWong99/studymate/internal/mcpserver"
	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/internal/resilience"
	"github.com/MrWong99/studymate/internal/retriever"
	"github.com/MrWong99/studymate/internal/server"
	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/llm"
	"github.com/MrWong99/studymate/pkg/vectorindex"
	"github.com/MrWong99/studymate/pkg/vectorindex/postgres"
)

// NamedLLM is a language model together with the name its breaker reports
// under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the instantiated providers. Embeddings is required; LLM
// nil means no generative model is configured. Populated by the CLI via the
// config registry.
type Providers struct {
	Embeddings   embeddings.Provider
	LLM          *NamedLLM
	LLMFallbacks []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	metrics        *observe.Metrics
	metricsHandler http.Handler
	store          vectorindex.Store

	retriever *retriever.Retriever
	llm       *resilience.LLMFallback
	formatter answer.Formatter
	engine    *answer.Engine
	mcp       *mcpserver.Server
	health    *health.Handler
	server    *server.Server

	// closers run in reverse registration order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a snapshot store instead of creating one from config.
func WithStore(s vectorindex.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry uses t's metrics, serves its Prometheus handler at /metrics
// when enabled, and shuts t down with the App.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.metricsHandler = t.Handler()
		a.closers = append(a.closers, t.Shutdown)
	}
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together.
//
// A missing snapshot is not an error: the retriever starts Degraded and
// every answer uses no context until the index is built and the process
// restarted. An unreachable embedding model, a dimension mismatch or a
// corrupt snapshot are fatal.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	dim, err := embeddings.Probe(ctx, providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	slog.Info("embedding model ready", "model", providers.Embeddings.ModelID(), "dimensions", dim)

	if err := a.initStore(ctx); err != nil {
		a.closeAll(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRetriever(ctx); err != nil {
		a.closeAll(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init retriever: %w", err)
	}
	if err := a.initAnswer(); err != nil {
		a.closeAll(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("app: init answer engine: %w", err)
	}
	a.mcp = mcpserver.New(a.retriever, a.engine, a.version, a.metrics)
	a.initHealth()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// NewStore opens the snapshot store selected by cfg. The returned close
// function is never nil.
func NewStore(ctx context.Context, cfg config.IndexConfig) (vectorindex.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		st, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, func() {}, err
		}
		return st, st.Close, nil
	default:
		return &vectorindex.FileStore{IndexPath: cfg.IndexPath, MetaPath: cfg.MetaPath}, func() {}, nil
	}
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	st, closeFn, err := NewStore(ctx, a.cfg.Index)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error {
		closeFn()
		return nil
	})
	slog.Info("snapshot store ready", "backend", a.cfg.Index.Backend)
	return nil
}

func (a *App) initRetriever(ctx context.Context) error {
	r, err := retriever.New(ctx, a.providers.Embeddings, a.store,
		retriever.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.retriever = r
	if r.State() == retriever.StateDegraded {
		slog.Warn("vector store not found; run `studymate prepare` and `studymate build` first",
			"backend", a.cfg.Index.Backend,
			"index_path", a.cfg.Index.IndexPath,
		)
	}
	return nil
}

func (a *App) initAnswer() error {
	ac := a.cfg.Answer
	template := answer.NewTemplateFormatter(ac.CorpusName)

	switch ac.Formatter {
	case config.FormatterGenerative:
		if a.providers.LLM == nil || a.providers.LLM.Provider == nil {
			return errors.New("generative formatter requires an LLM provider")
		}
		a.llm = resilience.NewLLMFallback(a.providers.LLM.Provider, a.providers.LLM.Name,
			resilience.FallbackConfig{CircuitBreaker: a.breakerConfig()})
		for _, fb := range a.providers.LLMFallbacks {
			a.llm.AddFallback(fb.Name, fb.Provider)
		}
		a.formatter = answer.NewGenerativeFormatter(a.llm, template, answer.WithTimeout(ac.Timeout))
		slog.Info("answer formatter ready",
			"kind", answer.KindGenerative,
			"models", a.llm.Group().Names(),
		)
	default:
		a.formatter = template
		slog.Info("answer formatter ready", "kind", answer.KindTemplate)
	}

	a.engine = answer.NewEngine(a.retriever, a.formatter,
		answer.WithTopK(ac.TopK),
		answer.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) breakerConfig() resilience.CircuitBreakerConfig {
	cb := a.cfg.Answer.CircuitBreaker
	return resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("llm circuit breaker state changed", "breaker", name, "from", from, "to", to)
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

func (a *App) initHealth() {
	checks := []health.Checker{{
		Name: "index",
		Check: func(context.Context) error {
			if a.retriever.State() == retriever.StateDegraded {
				return errors.New("no snapshot loaded; run prepare and build")
			}
			return nil
		},
	}}
	if a.llm != nil {
		checks = append(checks, health.Checker{
			Name:     "llm",
			Optional: true,
			Check: func(context.Context) error {
				return openBreakers(a.llm.Group().States())
			},
		})
	}
	if pg, ok := a.store.(*postgres.Store); ok {
		checks = append(checks, health.Checker{Name: "postgres", Check: pg.Ping})
	}
	a.health = health.New(checks...)
}

// openBreakers reports the members whose breaker is open, or nil.
func openBreakers(states map[string]resilience.State) error {
	var open []string
	for name, st := range states {
		if st == resilience.StateOpen {
			open = append(open, name)
		}
	}
	if len(open) == 0 {
		return nil
	}
	slices.Sort(open)
	return fmt.Errorf("circuit open for %s; answers fall back to templates", strings.Join(open, ", "))
}

func (a *App) initServer() {
	sc := a.cfg.Server
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithCORSOrigins(sc.CORSOrigins...),
		server.WithHealth(a.health),
		server.WithTimeouts(sc.ReadTimeout, sc.WriteTimeout),
	}
	if a.metricsHandler != nil && a.cfg.Observe.MetricsEnabled() {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	if a.cfg.MCP.Enabled {
		opts = append(opts, server.WithMCPHandler(a.mcp.HTTPHandler()))
	}
	if sc.TLS != nil {
		opts = append(opts, server.WithTLS(sc.TLS.CertFile, sc.TLS.KeyFile))
	}
	a.server = server.New(sc.ListenAddr, a.engine, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Retriever returns the shared retriever.
func (a *App) Retriever() *retriever.Retriever { return a.retriever }

// Engine returns the shared answer engine.
func (a *App) Engine() *answer.Engine { return a.engine }

// MCP returns the MCP server.
func (a *App) MCP() *mcpserver.Server { return a.mcp }

// Handler returns the HTTP route tree.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Ready evaluates the readiness checks.
func (a *App) Ready(ctx context.Context) bool {
	_, ok := a.health.Evaluate(ctx)
	return ok
}

// Summary is a one-line description of the loaded index and formatter.
func (a *App) Summary() string {
	if a.retriever.State() == retriever.StateDegraded {
		return fmt.Sprintf("no index loaded (run prepare and build) | formatter: %s", a.formatter.Kind())
	}
	meta, _ := a.retriever.Meta()
	return fmt.Sprintf("%d chunks | model %s | formatter: %s", a.retriever.Len(), meta.ModelName, a.formatter.Kind())
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled. It returns nil after a clean
// shutdown of the listener.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"index_state", a.retriever.State(),
		"chunks", a.retriever.Len(),
		"formatter", a.formatter.Kind(),
		"mcp", a.cfg.MCP.Enabled,
	)
	return a.server.ListenAndServe(ctx)
}

// Shutdown releases all resources. It is safe to call more than once; only
// the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		err = a.closeAll(ctx)
		slog.Info("shutdown complete")
	})
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			errs = append(errs, err)
			break
		}
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
