// Package server exposes the answer engine over HTTP.
//
// Routes:
//
//	GET  /          service banner
//	POST /ask       {question} -> {answer, status}
//	GET  /ws/ask    websocket; streams delta events then a done event
//	GET  /healthz   liveness
//	GET  /readyz    readiness (index loaded, model breakers)
//	GET  /metrics   Prometheus exposition, when enabled
//	     /mcp       streamable HTTP MCP endpoint, when enabled
//
// Every route runs behind observe.Middleware and the CORS filter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/health"
	"github.com/MrWong99/studymate/internal/observe"
)

// Error texts returned to clients.
const (
	msgEmptyQuestion = "Question cannot be empty"
	msgNoAnswer      = "Failed to generate answer"
	msgServicePrefix = "AI service error: "
	msgBadBody       = "invalid request body"
)

// maxBodyBytes caps the /ask request body.
const maxBodyBytes = 1 << 20

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 5 * time.Second

// Asker answers questions. *answer.Engine implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (answer.Result, error)
	AskStream(ctx context.Context, question string, emit answer.EmitFunc) (answer.Result, error)
}

var _ Asker = (*answer.Engine)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithCORSOrigins sets the allowed browser origins. "*" allows any.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMetrics sets the metrics sink. Nil uses observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHealth mounts h at /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcpHandler = h }
}

// WithTimeouts sets the read and write timeouts of the underlying
// http.Server. Websocket connections clear them after the upgrade.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithTLS serves HTTPS with the given PEM files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// Server is the HTTP front end. Create it with [New].
type Server struct {
	asker   Asker
	metrics *observe.Metrics
	origins []string

	health         *health.Handler
	metricsHandler http.Handler
	mcpHandler     http.Handler

	readTimeout  time.Duration
	writeTimeout time.Duration
	certFile     string
	keyFile      string

	handler http.Handler
	srv     *http.Server
}

// New builds a Server for addr. No socket is opened until [Server.Serve] or
// [Server.ListenAndServe].
func New(addr string, asker Asker, opts ...Option) *Server {
	s := &Server{
		asker:   asker,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	s.handler = s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("GET /ws/ask", s.handleWSAsk)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.mcpHandler != nil {
		mux.Handle("/mcp", s.mcpHandler)
	}
	return newCORS(s.origins)(observe.Middleware(s.metrics)(mux))
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It returns nil
// after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = s.srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = s.srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type bannerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, bannerResponse{
		Status:  "success",
		Message: "StudyMate AI Service is running",
	})
}

// handleAsk handles POST /ask.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.metrics.RecordQuestion(ctx, "http", "invalid")
		writeError(w, http.StatusBadRequest, msgBadBody)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.metrics.RecordQuestion(ctx, "http", "invalid")
		writeError(w, http.StatusBadRequest, msgEmptyQuestion)
		return
	}

	log.Info("question received", "question", clip(req.Question, 100))
	res, err := s.asker.Ask(ctx, req.Question)
	switch {
	case errors.Is(err, answer.ErrEmptyQuestion):
		s.metrics.RecordQuestion(ctx, "http", "invalid")
		writeError(w, http.StatusBadRequest, msgEmptyQuestion)
		return
	case err != nil:
		log.Error("question failed", "err", err)
		s.metrics.RecordQuestion(ctx, "http", observe.StatusError)
		writeError(w, http.StatusInternalServerError, msgServicePrefix+err.Error())
		return
	case res.Answer == "":
		s.metrics.RecordQuestion(ctx, "http", observe.StatusError)
		writeError(w, http.StatusInternalServerError, msgNoAnswer)
		return
	}

	if res.Err != nil {
		log.Warn("answer served from fallback", "err", res.Err)
	}
	s.metrics.RecordQuestion(ctx, "http", observe.StatusOK)
	w.Header().Set("X-Answer-Source", string(res.Source))
	writeJSON(w, http.StatusOK, askResponse{Answer: res.Answer, Status: "success"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// clip shortens s to n runes for logging.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
