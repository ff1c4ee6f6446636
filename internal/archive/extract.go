package archive

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"kait/internal/bank"
)

var topicStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "your": true, "have": true, "what": true,
	"about": true, "from": true, "can": true, "could": true, "would": true,
	"should": true, "how": true, "when": true, "where": true, "why": true,
	"will": true, "just": true, "like": true, "want": true, "need": true,
	"please": true, "tell": true, "know": true, "some": true, "there": true,
	"they": true, "them": true, "then": true, "than": true, "been": true,
	"into": true, "over": true, "more": true, "make": true, "really": true,
	"thing": true, "things": true, "today": true,
}

var topicWordRe = regexp.MustCompile(`[a-z][a-z0-9'-]{3,}`)

var preferenceMarkers = []string{
	"i prefer", "i like", "i love", "i hate", "i dislike",
	"call me", "remember that", "my name is", "always", "never",
}

// batchTopics ranks the recurring topic words of a batch, descending
// by frequency. A word mentioned once is noise, not a topic.
func batchTopics(interactions []bank.Interaction, limit int) []string {
	counts := topicCounts(interactions)
	type wc struct {
		word  string
		count int
	}
	var all []wc
	for w, c := range counts {
		if c >= 2 {
			all = append(all, wc{w, c})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].word < all[j].word
	})
	var out []string
	for i := 0; i < len(all) && i < limit; i++ {
		out = append(out, all[i].word)
	}
	return out
}

// topicCounts counts each topic word once per interaction.
func topicCounts(interactions []bank.Interaction) map[string]int {
	counts := make(map[string]int)
	for _, in := range interactions {
		seen := make(map[string]bool)
		for _, w := range topicWordRe.FindAllString(strings.ToLower(in.UserInput), -1) {
			if topicStopWords[w] || seen[w] {
				continue
			}
			seen[w] = true
			counts[w]++
		}
	}
	return counts
}

// extractMemories keeps the moments worth remembering after the raw
// rows are archived: emotionally loaded exchanges and stated
// preferences.
func extractMemories(interactions []bank.Interaction) []bank.MemoryEntry {
	var out []bank.MemoryEntry
	for _, in := range interactions {
		switch {
		case in.SentimentScore > 0.5 || in.SentimentScore < -0.5:
			weight := in.SentimentScore
			if weight < 0 {
				weight = -weight
			}
			out = append(out, bank.MemoryEntry{
				Kind:   "emotional",
				Text:   truncate(in.UserInput, 200),
				Weight: weight,
			})
		case hasPreferenceMarker(in.UserInput):
			out = append(out, bank.MemoryEntry{
				Kind:   "preference",
				Text:   truncate(in.UserInput, 200),
				Weight: 0.8,
			})
		}
	}
	return out
}

func hasPreferenceMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range preferenceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extractLearnings mines the batch for patterns: topics the user kept
// returning to, and stretches where the conversation went badly.
// Interactions arrive chronological.
func extractLearnings(interactions []bank.Interaction, topics []string) []bank.LearningRecord {
	var out []bank.LearningRecord

	counts := topicCounts(interactions)
	for _, topic := range topics {
		count := counts[topic]
		if count < 3 {
			continue
		}
		confidence := 0.3 + float64(count)*0.1
		if confidence > 0.9 {
			confidence = 0.9
		}
		out = append(out, bank.LearningRecord{
			Kind:       "frequent_topic",
			Topic:      topic,
			Detail:     fmt.Sprintf("came up in %d messages", count),
			Confidence: confidence,
		})
	}

	if run := longestNegativeRun(interactions); run >= 3 {
		out = append(out, bank.LearningRecord{
			Kind:       "struggle",
			Topic:      firstOr(topics, "general"),
			Detail:     fmt.Sprintf("%d consecutive messages with negative sentiment", run),
			Confidence: 0.6,
		})
	}
	return out
}

// longestNegativeRun measures the longest streak of interactions with
// sentiment below -0.3.
func longestNegativeRun(interactions []bank.Interaction) int {
	longest, current := 0, 0
	for _, in := range interactions {
		if in.SentimentScore < -0.3 {
			current++
			if current > longest {
				longest = current
			}
		} else {
			current = 0
		}
	}
	return longest
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
