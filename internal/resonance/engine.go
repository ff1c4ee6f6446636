package resonance

import (
	"context"
	"strings"
	"sync"

	"kait/internal/bank"
)

// PreferenceStore is the slice of the Reasoning Bank the tracker needs.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (*bank.Preference, error)
	SavePreference(ctx context.Context, key, value string, confidence float64) error
}

// Tracker applies reinforcement to stored preferences: repeated
// agreement boosts confidence, a conflicting value replaces the old one
// at dampened confidence.
type Tracker struct {
	store PreferenceStore
}

// NewTracker builds a Tracker over the given store.
func NewTracker(store PreferenceStore) *Tracker {
	return &Tracker{store: store}
}

// Track records one observation of a preference.
func (t *Tracker) Track(ctx context.Context, key, value string) error {
	existing, err := t.store.GetPreference(ctx, key)
	if err != nil {
		return err
	}
	switch {
	case existing == nil:
		return t.store.SavePreference(ctx, key, value, 0.5)
	case existing.Value == value:
		confidence := existing.Confidence + 0.05
		if confidence > 1.0 {
			confidence = 1.0
		}
		return t.store.SavePreference(ctx, key, value, confidence)
	default:
		return t.store.SavePreference(ctx, key, value, existing.Confidence*0.9)
	}
}

// Sample is one interaction's contribution to the resonance window.
type Sample struct {
	Sentiment  float64  // [-1, 1]
	Feedback   *float64 // [0, 1], nil when the user gave none
	Alignment  float64  // [0, 1] preference-alignment estimate
	Engagement float64  // [0, 1]
	Humor      bool
}

const windowSize = 50

// Engine maintains a sliding window of samples and derives the
// resonance score.
type Engine struct {
	mu        sync.Mutex
	samples   []Sample
	humorHits int
	total     int
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Observe adds one sample, evicting the oldest past the window.
func (e *Engine) Observe(s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
	if len(e.samples) > windowSize {
		e.samples = e.samples[1:]
	}
	e.total++
	if s.Humor {
		e.humorHits++
	}
}

// Score folds the window into a 0–1 resonance value. With feedback
// present the weights are sentiment 0.40, feedback 0.30, alignment
// 0.20, engagement 0.10; without feedback the sentiment share absorbs
// it (0.55/0.25/0.20).
func (e *Engine) Score() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0.5
	}

	var sentimentSum, alignmentSum, engagementSum, feedbackSum float64
	feedbackCount := 0
	for _, s := range e.samples {
		sentimentSum += (s.Sentiment + 1) / 2 // map [-1,1] to [0,1]
		alignmentSum += s.Alignment
		engagementSum += s.Engagement
		if s.Feedback != nil {
			feedbackSum += *s.Feedback
			feedbackCount++
		}
	}
	n := float64(len(e.samples))
	sentiment := sentimentSum / n
	alignment := alignmentSum / n
	engagement := engagementSum / n

	if feedbackCount > 0 {
		feedback := feedbackSum / float64(feedbackCount)
		return clamp01(0.40*sentiment + 0.30*feedback + 0.20*alignment + 0.10*engagement)
	}
	return clamp01(0.55*sentiment + 0.25*alignment + 0.20*engagement)
}

// HumorRate is the share of sampled interactions carrying humor.
func (e *Engine) HumorRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.total == 0 {
		return 0
	}
	return float64(e.humorHits) / float64(e.total)
}

// WindowLen reports how many samples the window currently holds.
func (e *Engine) WindowLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// Suggestions turns the current window into human-readable nudges for
// the intelligence view.
func (e *Engine) Suggestions() []string {
	score := e.Score()
	humor := e.HumorRate()

	var out []string
	if score < 0.35 {
		out = append(out, "Resonance is low; ask more clarifying questions before answering.")
	}
	if score > 0.75 {
		out = append(out, "Resonance is strong; keep the current tone.")
	}
	if humor > 0.3 {
		out = append(out, "The user enjoys humor; a light touch is welcome.")
	}
	return out
}

// EstimateEngagement derives an engagement value from the user's input:
// longer, question-bearing messages signal a user leaning in.
func EstimateEngagement(input string) float64 {
	words := len(strings.Fields(input))
	engagement := float64(words) / 40.0
	if engagement > 0.8 {
		engagement = 0.8
	}
	if strings.Contains(input, "?") {
		engagement += 0.2
	}
	return clamp01(engagement)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
