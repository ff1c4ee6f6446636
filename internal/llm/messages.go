package llm

import "strings"

// anthropicMessages translates the neutral message list to Anthropic's
// conventions: system turns are extracted into one top-level system
// string, consecutive same-role turns are merged, and a conversation
// that would start with an assistant turn gets a synthetic user opener.
func anthropicMessages(messages []Message) (system string, out []Message) {
	var systemParts []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "user", "assistant":
			if len(out) > 0 && out[len(out)-1].Role == m.Role {
				out[len(out)-1].Content += "\n\n" + m.Content
				continue
			}
			out = append(out, m)
		}
	}
	if len(out) > 0 && out[0].Role == "assistant" {
		out = append([]Message{{Role: "user", Content: "(continuing conversation)"}}, out...)
	}
	return strings.Join(systemParts, "\n\n"), out
}

// openaiMessages folds all system turns into a single head message,
// keeping the rest in order. OpenAI accepts interleaved system turns
// but behaves better with one.
func openaiMessages(messages []Message) []Message {
	var systemParts []string
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	if len(systemParts) == 0 {
		return rest
	}
	out := make([]Message, 0, len(rest)+1)
	out = append(out, Message{Role: "system", Content: strings.Join(systemParts, "\n\n")})
	return append(out, rest...)
}

// joinForEstimate flattens a message list for token estimation.
func joinForEstimate(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
