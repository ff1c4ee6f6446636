// Package llm is the gateway between kait and its LLM providers. It
// resolves an ordered provider chain (router + circuit breakers +
// per-provider availability), executes chat/stream/embed calls with
// fall-through on failure, and records every call into the observer.
package llm

import (
	"context"
)

// Canonical provider names. These are also the circuit breaker keys;
// every lookup site uses the same literal.
const (
	ProviderOllama  = "ollama"
	ProviderClaude  = "claude"
	ProviderOpenAI  = "openai"
	ProviderLiteLLM = "litellm"
)

// Message is one turn of a conversation in the gateway's neutral shape.
// Adapters translate to their target API's conventions.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// StreamChunk is one unit of a streaming response. Exactly one of Token
// or Err is set; the channel closes after the final chunk.
type StreamChunk struct {
	Token string
	Err   error
}

// Provider is an LLM backend adapter. Implementations block on network
// I/O and honour ctx cancellation; they are called from worker
// goroutines, never from a UI thread.
type Provider interface {
	// Name returns the canonical provider name.
	Name() string
	// Model returns the model the adapter will use for the next call.
	Model() string
	// Available reports whether the provider can take requests right
	// now: key present, daemon reachable, enable flag set.
	Available(ctx context.Context) bool
	// Chat runs a full-response completion.
	Chat(ctx context.Context, messages []Message) (string, error)
	// ChatStream starts a streaming completion. The returned channel
	// yields tokens as they arrive and closes when the response ends;
	// a mid-stream failure arrives as a chunk with Err set.
	ChatStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
}

// Embedder is implemented by providers that can produce embeddings.
// Only the local provider does.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// lastUserContent returns the content of the most recent user turn,
// which is what the router scores.
func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
