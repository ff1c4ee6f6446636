package llm

import (
	"context"
	"net/http"

	"kait/internal/config"
)

// LiteLLM talks to a local LiteLLM proxy, which speaks the OpenAI wire
// shape and multiplexes cloud models behind configured aliases.
type LiteLLM struct {
	enabled   bool
	baseURL   string
	masterKey string
	model     string
	client    *http.Client
}

// NewLiteLLM builds the proxy adapter from config. The model defaults
// to the proxy's claude alias.
func NewLiteLLM(cfg config.LiteLLMConfig) *LiteLLM {
	return &LiteLLM{
		enabled:   cfg.Enabled,
		baseURL:   cfg.BaseURL(),
		masterKey: cfg.MasterKey,
		model:     cfg.ClaudeModel,
		client:    &http.Client{},
	}
}

func (l *LiteLLM) Name() string  { return ProviderLiteLLM }
func (l *LiteLLM) Model() string { return l.model }

// Available requires the enable flag and a live /health endpoint.
func (l *LiteLLM) Available(ctx context.Context) bool {
	if !l.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, config.DefaultHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	l.authorize(req)
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (l *LiteLLM) Chat(ctx context.Context, messages []Message) (string, error) {
	return openaiStyleChat(ctx, l.client, l.baseURL, l.authorize, l.model, messages, nil)
}

func (l *LiteLLM) ChatStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	return openaiStyleStream(ctx, l.client, l.baseURL, l.authorize, l.model, messages, nil)
}

func (l *LiteLLM) authorize(req *http.Request) {
	if l.masterKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.masterKey)
	}
}
