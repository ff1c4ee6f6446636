package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"kait/internal/llm"
)

const narrativeTimeout = 60 * time.Second

// narrativeReply is the JSON shape the narrator is asked to produce.
type narrativeReply struct {
	Summary string `json:"summary"`
	Mood    string `json:"mood"`
}

// narrate produces the batch summary. The LLM gets one shot with a
// strict-JSON ask; a malformed reply goes through jsonrepair before the
// deterministic template takes over. Returns the summary and the batch
// status: complete when a narrative was obtained, partial otherwise.
func (w *Worker) narrate(ctx context.Context, b batch, topics []string, mood string) (string, string) {
	fallback := templateSummary(b, topics, mood)
	if w.narrator == nil {
		return fallback, "partial"
	}

	nctx, cancel := context.WithTimeout(ctx, narrativeTimeout)
	defer cancel()

	result, err := w.narrator.Chat(nctx, narrativeMessages(b, topics, mood), llm.ChatOptions{Caller: "archive.narrate"})
	if err != nil || result == nil || strings.TrimSpace(result.Text) == "" {
		w.logger.Warn("archive narrative unavailable for %s, using template", b.label)
		return fallback, "partial"
	}

	reply, ok := parseNarrative(result.Text)
	if !ok || strings.TrimSpace(reply.Summary) == "" {
		w.logger.Warn("archive narrative for %s was not valid JSON, using template", b.label)
		return fallback, "partial"
	}
	return strings.TrimSpace(reply.Summary), "complete"
}

// narrativeMessages builds the strict-JSON ask with a transcript
// excerpt.
func narrativeMessages(b batch, topics []string, mood string) []llm.Message {
	var transcript strings.Builder
	limit := len(b.interactions)
	if limit > 20 {
		limit = 20
	}
	for _, in := range b.interactions[:limit] {
		fmt.Fprintf(&transcript, "User: %s\nKait: %s\n", truncate(in.UserInput, 300), truncate(in.AIResponse, 300))
	}

	system := "You summarise archived conversations. Reply with exactly one JSON object " +
		`{"summary": "...", "mood": "..."} and nothing else. The summary is 2-3 sentences ` +
		"in past tense about what the user talked about and how it went."
	user := fmt.Sprintf("Date: %s\nMessages: %d\nSessions: %d\nTopics: %s\nOverall sentiment: %s\n\nTranscript excerpt:\n%s",
		b.label, len(b.interactions), len(b.sessionIDs), strings.Join(topics, ", "), mood, transcript.String())

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// parseNarrative decodes the reply, repairing almost-JSON first.
func parseNarrative(text string) (narrativeReply, bool) {
	text = stripFences(text)

	var reply narrativeReply
	if err := json.Unmarshal([]byte(text), &reply); err == nil {
		return reply, true
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return narrativeReply{}, false
	}
	if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
		return narrativeReply{}, false
	}
	return reply, true
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// templateSummary is the deterministic fallback narrative.
func templateSummary(b batch, topics []string, mood string) string {
	topicText := "everyday conversation"
	if len(topics) > 0 {
		topicText = strings.Join(topics, ", ")
	}
	return fmt.Sprintf("On %s, %d messages across %d session(s) covered %s. Sentiment: %s.",
		b.label, len(b.interactions), len(b.sessionIDs), topicText, mood)
}
