// Package ollama provides an embeddings provider backed by a local Ollama
// server through its /api/embed endpoint.
//
// The default model is all-minilm, the Ollama build of all-MiniLM-L6-v2,
// which produces 384-dimensional sentence embeddings.
//
//	p, err := ollama.New("", "")
//	vec, err := p.Embed(ctx, "What is photosynthesis?")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/studymate/pkg/provider/embeddings"
)

const (
	// DefaultBaseURL is where a locally running Ollama listens.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when New receives an empty model name.
	DefaultModel = "all-minilm"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider against an Ollama server.
//
// Dimensions reports, in order of preference: the WithDimensions value, the
// size of a well-known model, or the length of the last vector the server
// returned. It never issues a request on its own; call embeddings.Probe at
// startup to learn the size of an unknown model.
type Provider struct {
	baseURL    string
	model      string
	truncate   bool
	httpClient *http.Client

	fixedDims    int
	observedDims atomic.Int64
}

type options struct {
	timeout    time.Duration
	dimensions int
	truncate   bool
	client     *http.Client
}

// Option configures a Provider.
type Option func(*options)

// WithTimeout bounds every HTTP request. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions declares the model's vector size up front.
func WithDimensions(dims int) Option {
	return func(o *options) { o.dimensions = dims }
}

// WithTruncate asks Ollama to cut inputs that exceed the model's context
// window instead of failing the request.
func WithTruncate(truncate bool) Option {
	return func(o *options) { o.truncate = truncate }
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// New returns a Provider for model on the server at baseURL. Empty arguments
// select DefaultBaseURL and DefaultModel.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	o := options{truncate: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dimensions < 0 {
		return nil, fmt.Errorf("ollama embeddings: dimensions %d must not be negative", o.dimensions)
	}

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: o.timeout}
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		truncate:   o.truncate,
		httpClient: client,
		fixedDims:  o.dimensions,
	}
	if p.fixedDims == 0 {
		p.fixedDims = knownDimensions(model)
	}
	return p, nil
}

type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.post(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. All texts travel in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. It returns 0 for an unknown
// model that has not produced a vector yet.
func (p *Provider) Dimensions() int {
	if p.fixedDims > 0 {
		return p.fixedDims
	}
	return int(p.observedDims.Load())
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts, Truncate: p.truncate})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Ollama reports "model not found" and similar as {"error": "..."}.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	p.observedDims.Store(int64(len(out.Embeddings[0])))
	return out.Embeddings, nil
}

func knownDimensions(model string) int {
	name := strings.ToLower(model)
	switch {
	case strings.HasPrefix(name, "all-minilm"):
		return 384
	case strings.HasPrefix(name, "nomic-embed-text"):
		return 768
	case strings.HasPrefix(name, "mxbai-embed-large"):
		return 1024
	case strings.HasPrefix(name, "bge-m3"):
		return 1024
	default:
		return 0
	}
}
