// Package agent routes ingested messages to a handler. The registry
// maps a Kind tag to an Agent; the default sidekick agent closes the
// loop from user text to stored interaction.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Kind tags an agent implementation.
type Kind string

const (
	// KindSidekick is the default conversational agent.
	KindSidekick Kind = "sidekick"
)

// Request is one message to process.
type Request struct {
	Kind       Kind              `json:"kind,omitempty"`
	Text       string            `json:"text"`
	SessionID  string            `json:"session_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	SourceMeta string            `json:"source_meta,omitempty"`
	Sender     string            `json:"sender,omitempty"`
	Override   string            `json:"override,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Result is what an agent produced.
type Result struct {
	Text          string  `json:"text"`
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	InteractionID string  `json:"interaction_id,omitempty"`
	Sentiment     float64 `json:"sentiment"`
	Mood          string  `json:"mood,omitempty"`
	Resonance     float64 `json:"resonance"`
}

// Agent processes one request.
type Agent interface {
	Kind() Kind
	Process(ctx context.Context, req Request) (*Result, error)
}

// Registry holds agents by kind.
type Registry struct {
	mu     sync.RWMutex
	agents map[Kind]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[Kind]Agent)}
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Kind()] = a
}

// Get looks up an agent by kind.
func (r *Registry) Get(kind Kind) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[kind]
	return a, ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch routes a request to its kind, falling back to the sidekick
// when the kind is empty or unknown.
func (r *Registry) Dispatch(ctx context.Context, req Request) (*Result, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindSidekick
	}
	a, ok := r.Get(kind)
	if !ok {
		a, ok = r.Get(KindSidekick)
	}
	if !ok {
		return nil, fmt.Errorf("no agent registered for kind %q", req.Kind)
	}
	return a.Process(ctx, req)
}
