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

const openaiBaseURL = "https://api.openai.com"

// OpenAI is the chat-completions adapter.
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	disabled atomic.Bool // latched on 401, same policy as Claude
}

// NewOpenAI builds the OpenAI adapter from config.
func NewOpenAI(cfg config.OpenAIConfig) *OpenAI {
	return &OpenAI{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: openaiBaseURL,
		client:  &http.Client{},
	}
}

func (o *OpenAI) Name() string  { return ProviderOpenAI }
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Available(ctx context.Context) bool {
	return o.apiKey != "" && !o.disabled.Load()
}

type openaiRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message Message `json:"message"`
		Delta   Message `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat runs a completion against v1/chat/completions.
func (o *OpenAI) Chat(ctx context.Context, messages []Message) (string, error) {
	return openaiStyleChat(ctx, o.client, o.baseURL, o.authorize, o.model, messages, &o.disabled)
}

// ChatStream streams SSE deltas.
func (o *OpenAI) ChatStream(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	return openaiStyleStream(ctx, o.client, o.baseURL, o.authorize, o.model, messages, &o.disabled)
}

func (o *OpenAI) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
}

// The OpenAI wire shape is shared with the LiteLLM proxy; both adapters
// funnel through these helpers.

func openaiStyleChat(ctx context.Context, client *http.Client, baseURL string,
	authorize func(*http.Request), model string, messages []Message, disabled *atomic.Bool) (string, error) {
	body, err := openaiStylePost(ctx, client, baseURL, authorize, openaiRequest{
		Model:    model,
		Messages: openaiMessages(messages),
	}, disabled)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("api error: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func openaiStyleStream(ctx context.Context, client *http.Client, baseURL string,
	authorize func(*http.Request), model string, messages []Message, disabled *atomic.Bool) (<-chan StreamChunk, error) {
	body, err := openaiStylePost(ctx, client, baseURL, authorize, openaiRequest{
		Model:    model,
		Messages: openaiMessages(messages),
		Stream:   true,
	}, disabled)
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
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var event openaiResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
				if !emit(ctx, out, StreamChunk{Token: event.Choices[0].Delta.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, StreamChunk{Err: fmt.Errorf("completion stream: %w", err)})
		}
	}()
	return out, nil
}

func openaiStylePost(ctx context.Context, client *http.Client, baseURL string,
	authorize func(*http.Request), payload openaiRequest, disabled *atomic.Bool) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion connection failed: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusUnauthorized:
		resp.Body.Close()
		if disabled != nil {
			disabled.Store(true)
		}
		return nil, fmt.Errorf("auth failed (401), provider disabled for this session")
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("rate limited (429)")
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("completion returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}
