package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/studymate/pkg/provider/embeddings"
	"github.com/MrWong99/studymate/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Provider kinds accepted by [Registry.Names].
const (
	KindLLM        = "llm"
	KindEmbeddings = "embeddings"
)

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one kind's name → factory table.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	var zero T
	fn, ok := f.m[entry.Name]
	if !ok {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := fn(entry)
	if err != nil {
		return zero, fmt.Errorf("config: %s/%s: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry maps provider names to factories, one table per kind. It is safe
// for concurrent use; cmd/studymate fills it once at startup.
type Registry struct {
	mu         sync.RWMutex
	llm        factories[llm.Provider]
	embeddings factories[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        factories[llm.Provider]{kind: KindLLM, m: map[string]Factory[llm.Provider]{}},
		embeddings: factories[embeddings.Provider]{kind: KindEmbeddings, m: map[string]Factory[embeddings.Provider]{}},
	}
}

// RegisterLLM registers an LLM factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.m[name] = factory
	r.mu.Unlock()
}

// RegisterEmbeddings registers an embeddings factory under name, replacing
// any earlier one.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	r.mu.Lock()
	r.embeddings.m[name] = factory
	r.mu.Unlock()
}

// CreateLLM builds the language model named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

// CreateEmbeddings builds the encoder named by entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.embeddings.create(entry)
}

// Names returns the sorted names registered for kind, or nil for an unknown
// kind.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case KindLLM:
		return slices.Sorted(maps.Keys(r.llm.m))
	case KindEmbeddings:
		return slices.Sorted(maps.Keys(r.embeddings.m))
	}
	return nil
}
