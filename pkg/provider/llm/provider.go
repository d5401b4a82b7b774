// Package llm defines the Provider interface for the text-generation backends
// that phrase answers from retrieved curriculum passages.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks the final chunk of a stream that failed after it
// started. The chunk's Err field carries the cause.
const FinishReasonError = "error"

// Message is a single turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt, when set, is sent ahead of Messages with the system role.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]. Zero leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Prompt returns a request holding a single user message.
func Prompt(text string) CompletionRequest {
	return CompletionRequest{Messages: []Message{{Role: RoleUser, Content: text}}}
}

// Usage holds token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Chunk is one fragment of a streaming completion.
type Chunk struct {
	Text string

	// FinishReason is empty on intermediate chunks, "stop" or "length" on
	// the last one, or FinishReasonError when the stream broke.
	FinishReason string

	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a completion and returns a channel of chunks.
	// The error return covers failures that prevent the stream from starting;
	// later failures arrive as a chunk with FinishReasonError. The channel is
	// never nil when the error is nil, and callers must drain it.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a completion and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID names the model requests are sent to.
	ModelID() string
}

// ErrStream is the fallback cause for an error chunk that carries none.
var ErrStream = errors.New("llm: stream failed")

// Collect drains ch and returns the concatenated text. It stops at the first
// error chunk, returning the text received so far together with the error.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return b.String(), nil
			}
			if c.FinishReason == FinishReasonError {
				if c.Err == nil {
					return b.String(), ErrStream
				}
				return b.String(), c.Err
			}
			b.WriteString(c.Text)
		}
	}
}
