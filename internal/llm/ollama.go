package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"kait/internal/config"
)

// modelPreference is the walk order when no model is configured; the
// first tag present on the daemon wins, otherwise the largest model.
var modelPreference = []string{"llama3.1:70b", "llama3.1:8b", "llama3:latest", "mistral"}

// Ollama talks to a local Ollama daemon, optionally through an
// Olla-style proxy.
type Ollama struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	model string // resolved lazily from /api/tags when unset
}

// NewOllama builds the local provider from config.
func NewOllama(cfg config.OllamaConfig) *Ollama {
	return &Ollama{
		baseURL: cfg.BaseURL(),
		client:  &http.Client{},
		model:   cfg.Model,
	}
}

func (o *Ollama) Name() string { return ProviderOllama }

// Model returns the configured or resolved model, empty before first
// contact with the daemon.
func (o *Ollama) Model() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.model
}

type ollamaTag struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type ollamaTagsResponse struct {
	Models []ollamaTag `json:"models"`
}

// Available probes /api/tags within the health timeout.
func (o *Ollama) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultHealthTimeout)
	defer cancel()
	_, err := o.tags(ctx)
	return err == nil
}

func (o *Ollama) tags(ctx context.Context) ([]ollamaTag, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama /api/tags returned %d", resp.StatusCode)
	}
	var parsed ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse ollama tags: %w", err)
	}
	return parsed.Models, nil
}

// resolveModel picks the model for the next call: configured value,
// then the preference walk over installed tags, then the largest tag.
func (o *Ollama) resolveModel(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.model != "" {
		m := o.model
		o.mu.Unlock()
		return m, nil
	}
	o.mu.Unlock()

	tags, err := o.tags(ctx)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", fmt.Errorf("ollama has no models installed")
	}

	installed := make(map[string]bool, len(tags))
	for _, tag := range tags {
		installed[tag.Name] = true
	}
	chosen := ""
	for _, want := range modelPreference {
		if installed[want] {
			chosen = want
			break
		}
	}
	if chosen == "" {
		sort.Slice(tags, func(i, j int) bool { return tags[i].Size > tags[j].Size })
		chosen = tags[0].Name
	}

	o.mu.Lock()
	o.model = chosen
	o.mu.Unlock()
	return chosen, nil
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// Chat runs a full completion against /api/chat.
func (o *Ollama) Chat(ctx context.Context, messages []Message) (string, error) {
	model, err := o.resolveModel(ctx)
	if err != nil {
		return "", err
	}
	body, err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// ChatStream streams NDJSON chunks from /api/chat.
func (o *Ollama) ChatStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	model, err := o.resolveModel(ctx)
	if err != nil {
		return nil, err
	}
	body, err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("parse ollama stream: %w", err)})
				return
			}
			if chunk.Error != "" {
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("ollama: %s", chunk.Error)})
				return
			}
			if chunk.Message.Content != "" {
				if !emit(ctx, out, StreamChunk{Token: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamChunk{Err: fmt.Errorf("ollama stream: %w", err)})
		}
	}()
	return out, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input,omitempty"`
	// Prompt is the legacy /api/embeddings field.
	Prompt string `json:"prompt,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Embedding  []float32   `json:"embedding"`
}

// Embed produces an embedding via /api/embed, falling back to the
// legacy /api/embeddings endpoint on older daemons.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	model, err := o.resolveModel(ctx)
	if err != nil {
		return nil, err
	}

	body, err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: model, Input: text})
	if err == nil {
		defer body.Close()
		var parsed ollamaEmbedResponse
		if err := json.NewDecoder(body).Decode(&parsed); err == nil && len(parsed.Embeddings) > 0 {
			return parsed.Embeddings[0], nil
		}
	}

	body, err = o.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse ollama embedding: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding")
	}
	return parsed.Embedding, nil
}

func (o *Ollama) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama %s returned %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return resp.Body, nil
}

// emit sends a chunk unless the consumer went away.
func emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
