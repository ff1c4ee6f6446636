package reflect

import (
	"fmt"
	"strings"
	"time"

	"kait/internal/bank"
)

// ProposedRule is a behaviour rule the detectors want to add. The
// pipeline deduplicates against active rules before saving.
type ProposedRule struct {
	Trigger    string  `json:"trigger"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

var followUpSignals = []string{
	"what about", "and then", "also", "how about", "what if",
	"can you also", "another", "next", "follow up", "more on",
}

// detectRules runs every rule detector over the snapshot.
func detectRules(snap Snapshot, now time.Time) []ProposedRule {
	var out []ProposedRule
	out = append(out, topicFeedbackRules(snap.Interactions)...)
	out = append(out, correctionRules(snap.Corrections)...)
	out = append(out, lengthRules(snap.Interactions)...)
	out = append(out, followUpRules(snap.Interactions)...)
	out = append(out, eveningRules(snap.Interactions)...)
	return out
}

// topicFeedbackRules maps repeated feedback on a topic to a rule:
// liked topics get detail, disliked topics get clarifying questions
// first.
func topicFeedbackRules(interactions []bank.Interaction) []ProposedRule {
	type sample struct {
		sum float64
		n   int
	}
	byTopic := make(map[string]*sample)
	var order []string
	for _, in := range interactions {
		if in.FeedbackScore == nil {
			continue
		}
		fb := feedbackSigned(*in.FeedbackScore)
		seen := make(map[string]bool)
		for _, topic := range keywords(in.UserInput) {
			if seen[topic] {
				continue
			}
			seen[topic] = true
			s, ok := byTopic[topic]
			if !ok {
				s = &sample{}
				byTopic[topic] = s
				order = append(order, topic)
			}
			s.sum += fb
			s.n++
		}
	}

	var out []ProposedRule
	for _, topic := range order {
		s := byTopic[topic]
		if s.n < 2 {
			continue
		}
		avg := s.sum / float64(s.n)
		confidence := 0.4 + float64(s.n)*0.1
		if confidence > 0.9 {
			confidence = 0.9
		}
		switch {
		case avg > 0.3:
			out = append(out, ProposedRule{
				Trigger:    fmt.Sprintf("asked about %s", topic),
				Action:     "give detailed responses",
				Confidence: confidence,
				Source:     "topic_feedback",
			})
		case avg < -0.2:
			out = append(out, ProposedRule{
				Trigger:    fmt.Sprintf("asked about %s", topic),
				Action:     "ask clarifying questions first",
				Confidence: confidence,
				Source:     "topic_feedback",
			})
		}
	}
	return out
}

// correctionRules: two or more corrections in one category earn a
// double-check rule.
func correctionRules(corrections []bank.Correction) []ProposedRule {
	counts := make(map[string]int)
	var order []string
	for _, c := range corrections {
		domain := c.Domain
		if domain == "" {
			domain = "general"
		}
		if counts[domain] == 0 {
			order = append(order, domain)
		}
		counts[domain]++
	}

	var out []ProposedRule
	for _, domain := range order {
		count := counts[domain]
		if count < 2 {
			continue
		}
		confidence := 0.5 + float64(count)*0.1
		if confidence > 0.95 {
			confidence = 0.95
		}
		out = append(out, ProposedRule{
			Trigger:    fmt.Sprintf("making %s claims", domain),
			Action:     fmt.Sprintf("double-check %s claims before asserting them", domain),
			Confidence: confidence,
			Source:     "corrections",
		})
	}
	return out
}

// lengthRules reads the word counts of positively-received responses.
func lengthRules(interactions []bank.Interaction) []ProposedRule {
	var totalWords float64
	n := 0
	for _, in := range interactions {
		if in.FeedbackScore == nil || feedbackSigned(*in.FeedbackScore) <= 0.3 {
			continue
		}
		totalWords += float64(len(strings.Fields(in.AIResponse)))
		n++
	}
	if n < 3 {
		return nil
	}
	avg := totalWords / float64(n)
	switch {
	case avg < 60:
		return []ProposedRule{{
			Trigger:    "responding",
			Action:     "keep responses under 80 words",
			Confidence: 0.7,
			Source:     "length_preference",
		}}
	case avg > 120:
		return []ProposedRule{{
			Trigger:    "responding",
			Action:     "provide thorough, detailed responses",
			Confidence: 0.7,
			Source:     "length_preference",
		}}
	}
	return nil
}

// followUpRules: a user who keeps extending answers wants the follow-up
// anticipated.
func followUpRules(interactions []bank.Interaction) []ProposedRule {
	turns, hits := 0, 0
	for _, in := range interactions {
		if len(strings.Fields(in.UserInput)) < 5 {
			continue
		}
		turns++
		lower := strings.ToLower(in.UserInput)
		for _, signal := range followUpSignals {
			if strings.Contains(lower, signal) {
				hits++
				break
			}
		}
	}
	if turns < 3 {
		return nil
	}
	ratio := float64(hits) / float64(turns)
	if ratio <= 0.3 {
		return nil
	}
	confidence := 0.5 + ratio
	if confidence > 0.85 {
		confidence = 0.85
	}
	return []ProposedRule{{
		Trigger:    "answering a question",
		Action:     "anticipate likely follow-up questions",
		Confidence: confidence,
		Source:     "follow_up_pattern",
	}}
}

// eveningRules: a user active late at night gets a relaxed tone.
func eveningRules(interactions []bank.Interaction) []ProposedRule {
	evening := 0
	for _, in := range interactions {
		hour := time.Unix(int64(in.Timestamp), 0).Local().Hour()
		if hour >= 20 || hour < 6 {
			evening++
		}
	}
	if evening < 3 {
		return nil
	}
	return []ProposedRule{{
		Trigger:    "chatting in the evening",
		Action:     "use a relaxed, winding-down tone",
		Confidence: 0.5,
		Source:     "time_pattern",
	}}
}

// dedupeRules drops proposals whose trigger+action already exist as an
// active rule or earlier proposal.
func dedupeRules(proposed []ProposedRule, active []bank.BehaviorRule) []ProposedRule {
	seen := make(map[string]bool)
	for _, r := range active {
		seen[r.Trigger+"\x00"+r.Action] = true
	}
	var out []ProposedRule
	for _, p := range proposed {
		key := p.Trigger + "\x00" + p.Action
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// Reflect is the pure analysis step: Snapshot in, Report out.
func Reflect(snap Snapshot, now time.Time, degradedP99MS float64) Report {
	insights := extractInsights(snap, now)
	rules := dedupeRules(detectRules(snap, now), snap.ActiveRules)
	meta := observabilityInsights(snap.ProviderStats, degradedP99MS)
	return Report{
		Insights:      insights,
		ProposedRules: rules,
		MetaContexts:  meta,
		Confidence:    cycleConfidence(snap, len(insights)),
	}
}
