package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"kait/internal/bank"
	"kait/internal/evolution"
	"kait/internal/llm"
	"kait/internal/logging"
	"kait/internal/resonance"
)

const historyDepth = 10

const offlineReply = "I can't reach any of my language models right now. Give me a moment and try again."

// Chatter is the gateway surface the sidekick needs.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// Store is the bank surface the sidekick writes through.
type Store interface {
	SaveInteraction(ctx context.Context, in bank.Interaction) (string, error)
	InteractionHistory(ctx context.Context, f bank.HistoryFilter) ([]bank.Interaction, error)
}

// PromptSource supplies the current refined system prompt.
// *reflect.Pipeline satisfies it.
type PromptSource interface {
	SystemPrompt() string
}

// staticPrompt adapts a fixed string into a PromptSource.
type staticPrompt string

func (s staticPrompt) SystemPrompt() string { return string(s) }

// StaticPrompt wraps a fixed system prompt.
func StaticPrompt(s string) PromptSource { return staticPrompt(s) }

// SidekickOptions wires the default agent.
type SidekickOptions struct {
	Gateway   Chatter
	Bank      Store
	Prompt    PromptSource
	Resonance *resonance.Engine
	Tracker   *resonance.Tracker
	Evolution *evolution.Engine
	Logger    logging.Logger
}

// Sidekick is the default conversational agent: analyze the message,
// assemble the prompt, chat through the gateway, persist the exchange,
// and feed the learning loops.
type Sidekick struct {
	gateway   Chatter
	store     Store
	prompt    PromptSource
	engine    *resonance.Engine
	tracker   *resonance.Tracker
	evolution *evolution.Engine
	logger    logging.Logger
}

// NewSidekick builds the agent. Gateway and Bank are required; the
// learning hooks are optional.
func NewSidekick(opts SidekickOptions) (*Sidekick, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("agent: gateway is required")
	}
	if opts.Bank == nil {
		return nil, fmt.Errorf("agent: bank store is required")
	}
	prompt := opts.Prompt
	if prompt == nil {
		prompt = StaticPrompt("You are Kait, a personal AI sidekick.")
	}
	return &Sidekick{
		gateway:   opts.Gateway,
		store:     opts.Bank,
		prompt:    prompt,
		engine:    opts.Resonance,
		tracker:   opts.Tracker,
		evolution: opts.Evolution,
		logger:    logging.OrNop(opts.Logger),
	}, nil
}

func (s *Sidekick) Kind() Kind { return KindSidekick }

// Process handles one message end to end. The reply is produced even
// when every provider is down; only bank write failures are errors.
func (s *Sidekick) Process(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("empty message")
	}

	sentiment := resonance.Analyze(req.Text)

	messages, err := s.assembleMessages(ctx, req)
	if err != nil {
		return nil, err
	}

	reply := offlineReply
	provider, model := "", ""
	quality := 0.3
	chat, err := s.gateway.Chat(ctx, messages, llm.ChatOptions{
		Override: req.Override,
		Caller:   "agent.sidekick",
	})
	switch {
	case err != nil:
		return nil, fmt.Errorf("sidekick chat: %w", err)
	case chat != nil:
		reply = chat.Text
		provider = chat.Provider
		model = chat.Model
		quality = 0.8
	}

	id, err := s.store.SaveInteraction(ctx, bank.Interaction{
		UserInput:      req.Text,
		AIResponse:     reply,
		Mood:           sentiment.Label,
		SentimentScore: sentiment.Score,
		SessionID:      req.SessionID,
		Source:         req.Source,
		SourceMeta:     req.SourceMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("save interaction: %w", err)
	}

	score := s.feedLearning(ctx, req, sentiment, quality)

	return &Result{
		Text:          reply,
		Provider:      provider,
		Model:         model,
		InteractionID: id,
		Sentiment:     sentiment.Score,
		Mood:          sentiment.Label,
		Resonance:     score,
	}, nil
}

// assembleMessages builds system prompt plus recent session history,
// oldest first, ending with the new message.
func (s *Sidekick) assembleMessages(ctx context.Context, req Request) ([]llm.Message, error) {
	messages := []llm.Message{{Role: "system", Content: s.prompt.SystemPrompt()}}

	if req.SessionID != "" {
		history, err := s.store.InteractionHistory(ctx, bank.HistoryFilter{
			SessionID: req.SessionID,
			Limit:     historyDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("session history: %w", err)
		}
		// History arrives newest first.
		for i := len(history) - 1; i >= 0; i-- {
			messages = append(messages,
				llm.Message{Role: "user", Content: history[i].UserInput},
				llm.Message{Role: "assistant", Content: history[i].AIResponse},
			)
		}
	}
	return append(messages, llm.Message{Role: "user", Content: req.Text}), nil
}

// feedLearning updates the resonance window, tracked preferences, and
// evolution metrics. Learning failures are logged, never surfaced.
func (s *Sidekick) feedLearning(ctx context.Context, req Request, sentiment resonance.Sentiment, quality float64) float64 {
	score := 0.5
	if s.engine != nil {
		s.engine.Observe(resonance.Sample{
			Sentiment:  sentiment.Score,
			Alignment:  0.5,
			Engagement: resonance.EstimateEngagement(req.Text),
			Humor:      resonance.HasHumor(req.Text),
		})
		score = s.engine.Score()
	}
	if s.tracker != nil {
		for key, value := range statedPreferences(req.Text) {
			if err := s.tracker.Track(ctx, key, value); err != nil {
				s.logger.Warn("preference track %s failed: %v", key, err)
			}
		}
	}
	if s.evolution != nil {
		s.evolution.RecordInteraction(score, quality)
	}
	return score
}

var (
	callMeRe    = regexp.MustCompile(`(?i)\bcall me ([a-z][a-z0-9_-]{1,30})`)
	preferLenRe = regexp.MustCompile(`(?i)\bi prefer (short|brief|long|detailed|thorough)\b`)
)

// statedPreferences pulls explicit preference statements out of a
// message.
func statedPreferences(text string) map[string]string {
	out := make(map[string]string)
	if m := callMeRe.FindStringSubmatch(text); m != nil {
		out["name"] = m[1]
	}
	if m := preferLenRe.FindStringSubmatch(text); m != nil {
		length := strings.ToLower(m[1])
		switch length {
		case "brief":
			length = "short"
		case "detailed", "thorough":
			length = "long"
		}
		out["response_length"] = length
	}
	return out
}
