package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"kait/internal/config"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	claudeMaxTokens  = 4096
)

// Claude is the Anthropic messages-API adapter.
type Claude struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	// disabled latches on a 401: a bad key will not fix itself this
	// session, so stop offering the provider. 429s do not latch.
	disabled atomic.Bool
}

// NewClaude builds the Anthropic adapter from config.
func NewClaude(cfg config.ClaudeConfig) *Claude {
	return &Claude{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: anthropicBaseURL,
		client:  &http.Client{},
	}
}

func (c *Claude) Name() string  { return ProviderClaude }
func (c *Claude) Model() string { return c.model }

// Available is a local check: key configured and not latched out.
func (c *Claude) Available(ctx context.Context) bool {
	return c.apiKey != "" && !c.disabled.Load()
}

type claudeRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeResponse struct {
	Content []claudeContent `json:"content"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat runs a completion against v1/messages.
func (c *Claude) Chat(ctx context.Context, messages []Message) (string, error) {
	system, translated := anthropicMessages(messages)
	resp, err := c.post(ctx, claudeRequest{
		Model:     c.model,
		MaxTokens: claudeMaxTokens,
		System:    system,
		Messages:  translated,
	})
	if err != nil {
		return "", err
	}
	defer resp.Close()

	var parsed claudeResponse
	if err := json.NewDecoder(resp).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse claude response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("claude api error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	var b strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// ChatStream streams SSE events, yielding text deltas.
func (c *Claude) ChatStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	system, translated := anthropicMessages(messages)
	resp, err := c.post(ctx, claudeRequest{
		Model:     c.model,
		MaxTokens: claudeMaxTokens,
		System:    system,
		Messages:  translated,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Close()
		scanner := bufio.NewScanner(resp)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !emit(ctx, out, StreamChunk{Token: event.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				return
			case "error":
				emit(ctx, out, StreamChunk{Err: fmt.Errorf("claude stream error event")})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamChunk{Err: fmt.Errorf("claude stream: %w", err)})
		}
	}()
	return out, nil
}

func (c *Claude) post(ctx context.Context, payload claudeRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude connection failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusUnauthorized:
		resp.Body.Close()
		c.disabled.Store(true)
		return nil, fmt.Errorf("claude auth failed (401), provider disabled for this session")
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("claude rate limited (429)")
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("claude returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}
