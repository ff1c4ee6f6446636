// Package reflect closes the feedback loop: it mines recent
// interactions, corrections and LLM telemetry for insights, derives
// behaviour rules, refines the system prompt, and feeds the evolution
// engine. The analysis itself is pure (Snapshot in, Report out); a thin
// pipeline layer applies the proposed writes to the Reasoning Bank.
package reflect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"kait/internal/bank"
	"kait/internal/observer"
)

// Snapshot is the consistent view of history a reflection cycle reads.
// An interaction completing mid-cycle lands in the next snapshot, never
// half in this one.
type Snapshot struct {
	Interactions  []bank.Interaction // newest first, as the bank returns them
	Corrections   []bank.Correction
	ActiveRules   []bank.BehaviorRule
	Preferences   []bank.Preference
	Summary       observer.Summary
	ProviderStats map[string]observer.ProviderSummary
}

// Insight is one observation extracted from history.
type Insight struct {
	Type       string  `json:"type"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Report is the outcome of one reflection analysis.
type Report struct {
	Insights      []Insight      `json:"insights"`
	ProposedRules []ProposedRule `json:"proposed_rules"`
	MetaContexts  []MetaContext  `json:"meta_contexts"`
	Confidence    float64        `json:"confidence"`
}

// MetaContext is an observability-driven insight destined for the
// bank's `meta` context domain.
type MetaContext struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "your": true, "have": true, "what": true,
	"about": true, "from": true, "can": true, "could": true, "would": true,
	"should": true, "how": true, "when": true, "where": true, "why": true,
	"will": true, "just": true, "like": true, "want": true, "need": true,
	"please": true, "tell": true, "know": true, "some": true, "there": true,
	"they": true, "them": true, "then": true, "than": true, "been": true,
	"being": true, "into": true, "over": true, "more": true, "make": true,
	"think": true, "really": true, "thing": true, "things": true,
}

var wordRe = regexp.MustCompile(`[a-z][a-z0-9'-]{3,}`)

// keywords extracts the topic-bearing words of a text.
func keywords(text string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// topTopics counts keyword frequency across the user inputs and
// returns the most common topics, descending.
func topTopics(interactions []bank.Interaction, limit int) []string {
	counts := make(map[string]int)
	for _, in := range interactions {
		seen := make(map[string]bool)
		for _, w := range keywords(in.UserInput) {
			if !seen[w] {
				counts[w]++
				seen[w] = true
			}
		}
	}
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

// feedbackSigned maps a [0,1] feedback score onto [-1,1].
func feedbackSigned(score float64) float64 { return score*2 - 1 }

// sentimentTrend compares the older and newer halves of the last ~20
// interactions.
func sentimentTrend(interactions []bank.Interaction) (trend string, delta float64) {
	recent := interactions
	if len(recent) > 20 {
		recent = recent[:20]
	}
	if len(recent) < 4 {
		return "stable", 0
	}
	// Input is newest first; split at the middle.
	half := len(recent) / 2
	newer, older := recent[:half], recent[half:]
	avg := func(list []bank.Interaction) float64 {
		var sum float64
		for _, in := range list {
			sum += in.SentimentScore
		}
		return sum / float64(len(list))
	}
	delta = avg(newer) - avg(older)
	switch {
	case delta > 0.15:
		return "improving", delta
	case delta < -0.15:
		return "declining", delta
	default:
		return "stable", delta
	}
}

// extractInsights runs every analyzer over the snapshot.
func extractInsights(snap Snapshot, now time.Time) []Insight {
	var out []Insight

	if len(snap.Interactions) >= 4 {
		trend, delta := sentimentTrend(snap.Interactions)
		out = append(out, Insight{
			Type:       "sentiment_trend",
			Summary:    fmt.Sprintf("Sentiment is %s over the last %d interactions (Δ%.2f)", trend, min(len(snap.Interactions), 20), delta),
			Confidence: 0.6,
		})
	}

	if cat, count := topCorrectionCategory(snap.Corrections); count >= 2 {
		out = append(out, Insight{
			Type:       "correction_pattern",
			Summary:    fmt.Sprintf("User corrected %s-related answers %d times", cat, count),
			Confidence: 0.7,
		})
	}

	if insight, ok := lengthFeedbackInsight(snap.Interactions); ok {
		out = append(out, insight)
	}

	if topics := topTopics(snap.Interactions, 3); len(topics) > 0 {
		out = append(out, Insight{
			Type:       "topics",
			Summary:    "Recurring topics: " + strings.Join(topics, ", "),
			Confidence: 0.5,
		})
	}

	return out
}

// topCorrectionCategory finds the most frequent correction domain.
func topCorrectionCategory(corrections []bank.Correction) (string, int) {
	counts := make(map[string]int)
	for _, c := range corrections {
		domain := c.Domain
		if domain == "" {
			domain = "general"
		}
		counts[domain]++
	}
	best, bestCount := "", 0
	for cat, count := range counts {
		if count > bestCount || (count == bestCount && cat < best) {
			best, bestCount = cat, count
		}
	}
	return best, bestCount
}

// lengthFeedbackInsight correlates response length with feedback.
func lengthFeedbackInsight(interactions []bank.Interaction) (Insight, bool) {
	var short, long, shortFb, longFb float64
	var shortN, longN int
	for _, in := range interactions {
		if in.FeedbackScore == nil {
			continue
		}
		words := float64(len(strings.Fields(in.AIResponse)))
		fb := feedbackSigned(*in.FeedbackScore)
		if words < 80 {
			short += words
			shortFb += fb
			shortN++
		} else {
			long += words
			longFb += fb
			longN++
		}
	}
	if shortN < 2 || longN < 2 {
		return Insight{}, false
	}
	shortAvg, longAvg := shortFb/float64(shortN), longFb/float64(longN)
	preferred := "shorter"
	if longAvg > shortAvg {
		preferred = "longer"
	}
	return Insight{
		Type:       "length_preference",
		Summary:    fmt.Sprintf("Feedback favours %s responses (short %.2f vs long %.2f)", preferred, shortAvg, longAvg),
		Confidence: 0.6,
	}, true
}

// observabilityInsights turns provider telemetry into meta contexts:
// high error rates and degraded tail latency over the 5-minute window.
func observabilityInsights(stats map[string]observer.ProviderSummary, degradedP99MS float64) []MetaContext {
	var out []MetaContext
	providers := make([]string, 0, len(stats))
	for name := range stats {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	for _, name := range providers {
		ps := stats[name]
		if ps.Calls == 0 {
			continue
		}
		if ps.ErrorRate > 0.25 {
			out = append(out, MetaContext{
				Key:        "provider_degraded_" + name,
				Value:      fmt.Sprintf("%s error rate %.0f%% over 5m (%d/%d calls failed)", name, ps.ErrorRate*100, ps.Errors, ps.Calls),
				Confidence: 0.8,
			})
		}
		if degradedP99MS > 0 && ps.P99LatencyMS > degradedP99MS {
			out = append(out, MetaContext{
				Key:        "provider_slow_" + name,
				Value:      fmt.Sprintf("%s p99 latency %.0fms exceeds %.0fms threshold", name, ps.P99LatencyMS, degradedP99MS),
				Confidence: 0.7,
			})
		}
	}
	return out
}

// cycleConfidence scores how much to trust this cycle's conclusions:
// data volume, feedback clarity (low variance), and insight yield.
func cycleConfidence(snap Snapshot, insightCount int) float64 {
	volume := 0.9
	switch n := len(snap.Interactions); {
	case n < 3:
		volume = 0.2
	case n < 10:
		volume = 0.5
	case n < 30:
		volume = 0.7
	}

	clarity := 0.4 // default when no feedback exists
	var scores []float64
	for _, in := range snap.Interactions {
		if in.FeedbackScore != nil {
			scores = append(scores, *in.FeedbackScore)
		}
	}
	if len(scores) > 1 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		mean := sum / float64(len(scores))
		var variance float64
		for _, s := range scores {
			variance += (s - mean) * (s - mean)
		}
		variance /= float64(len(scores))
		clarity = 1 - variance
		if clarity < 0.3 {
			clarity = 0.3
		}
	}

	yield := float64(insightCount) * 0.2
	if yield > 1 {
		yield = 1
	}
	return 0.4*volume + 0.35*clarity + 0.25*yield
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
