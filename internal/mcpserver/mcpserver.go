// Package mcpserver exposes curriculum search and question answering as
// Model Context Protocol tools, so MCP clients such as desktop assistants
// can query the same index and answer engine as the HTTP API.
//
// Two tools are registered:
//
//   - search_curriculum returns the passages most similar to a query.
//   - ask_question returns a formatted answer grounded in those passages.
//
// The server runs over stdio ([Server.RunStdio]) or is mounted on the HTTP
// server as a streamable HTTP handler ([Server.HTTPHandler]).
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/studymate/internal/answer"
	"github.com/MrWong99/studymate/internal/observe"
	"github.com/MrWong99/studymate/internal/retriever"
)

// Tool names.
const (
	ToolSearch = "search_curriculum"
	ToolAsk    = "ask_question"
)

// maxTopK caps search_curriculum's top_k argument.
const maxTopK = 20

// Searcher finds passages. *retriever.Retriever implements it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retriever.Result, error)
}

// Asker answers questions. *answer.Engine implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (answer.Result, error)
}

// SearchInput is the argument object of search_curriculum.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the topic or question to look up in the curriculum"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"number of passages to return, default 5, at most 20"`
}

// SearchOutput is the structured result of search_curriculum.
type SearchOutput struct {
	Passages []retriever.Result `json:"passages"`
}

// AskInput is the argument object of ask_question.
type AskInput struct {
	Question string `json:"question" jsonschema:"the student's question"`
}

// AskOutput is the structured result of ask_question.
type AskOutput struct {
	Answer   string `json:"answer"`
	Source   string `json:"source"`
	Fallback bool   `json:"fallback"`
}

// Server wraps an MCP server with the curriculum tools registered.
type Server struct {
	srv     *mcpsdk.Server
	search  Searcher
	ask     Asker
	metrics *observe.Metrics
}

// New registers the tools on a fresh MCP server. version is reported to
// clients during initialization. A nil metrics uses observe.DefaultMetrics.
func New(search Searcher, ask Asker, version string, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		srv: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "studymate",
			Version: version,
		}, nil),
		search:  search,
		ask:     ask,
		metrics: metrics,
	}

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolSearch,
		Description: "Search the indexed textbooks for passages relevant to a query. Returns passages with cosine similarity scores, best first.",
	}, s.handleSearch)

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolAsk,
		Description: "Answer a student's question from the indexed textbooks. The answer cites only the retrieved passages.",
	}, s.handleAsk)

	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// RunStdio serves a single client over stdin/stdout until ctx is cancelled
// or the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.srv.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserver: stdio: %w", err)
	}
	return nil
}

// HTTPHandler returns a streamable HTTP handler serving this server to every
// session.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.srv
	}, nil)
}

func (s *Server) handleSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchInput) (*mcpsdk.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, SearchOutput{}, errors.New("query must not be empty")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = retriever.DefaultTopK
	}
	topK = min(topK, maxTopK)

	results, err := s.search.Search(ctx, in.Query, topK)
	if err != nil {
		observe.Logger(ctx).Error("mcp search failed", "err", err)
		return nil, SearchOutput{}, fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []retriever.Result{}
	}

	text := retriever.FormatContext(results)
	if text == "" {
		text = "No relevant passages found. The index may not be built yet."
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}, SearchOutput{Passages: results}, nil
}

func (s *Server) handleAsk(ctx context.Context, _ *mcpsdk.CallToolRequest, in AskInput) (*mcpsdk.CallToolResult, AskOutput, error) {
	res, err := s.ask.Ask(ctx, in.Question)
	if errors.Is(err, answer.ErrEmptyQuestion) {
		s.metrics.RecordQuestion(ctx, "mcp", "invalid")
		return nil, AskOutput{}, errors.New("question must not be empty")
	}
	if err != nil {
		s.metrics.RecordQuestion(ctx, "mcp", observe.StatusError)
		observe.Logger(ctx).Error("mcp ask failed", "err", err)
		return nil, AskOutput{}, fmt.Errorf("AI service error: %w", err)
	}
	s.metrics.RecordQuestion(ctx, "mcp", observe.StatusOK)
	out := AskOutput{
		Answer:   res.Answer,
		Source:   string(res.Source),
		Fallback: res.Fallback,
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Answer}},
	}, out, nil
}
