// Package resonance measures how well the sidekick is landing: a
// rule-based sentiment analyzer, a preference tracker with
// reinforcement, and an engine that folds sentiment, feedback,
// preference alignment and engagement into one 0–1 resonance score for
// the evolution engine.
package resonance

import (
	"math"
	"regexp"
	"strings"
)

// Sentiment is the outcome of analyzing one utterance.
type Sentiment struct {
	Score      float64 `json:"score"` // [-1, 1]
	Label      string  `json:"label"` // positive, negative, neutral
	Confidence float64 `json:"confidence"`
}

var positiveWords = map[string]bool{
	"good": true, "great": true, "awesome": true, "excellent": true,
	"love": true, "like": true, "happy": true, "thanks": true,
	"thank": true, "perfect": true, "nice": true, "helpful": true,
	"wonderful": true, "amazing": true, "cool": true, "fantastic": true,
	"brilliant": true, "glad": true, "enjoy": true, "works": true,
}

var negativeWords = map[string]bool{
	"bad": true, "terrible": true, "awful": true, "hate": true,
	"wrong": true, "annoying": true, "useless": true, "broken": true,
	"sad": true, "angry": true, "frustrated": true, "horrible": true,
	"stupid": true, "worse": true, "worst": true, "fail": true,
	"failed": true, "confusing": true, "slow": true, "disappointed": true,
}

var intensifiers = map[string]float64{
	"very": 1.5, "really": 1.5, "so": 1.3, "extremely": 2.0,
	"absolutely": 1.8, "totally": 1.5, "quite": 1.2, "super": 1.6,
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "don't": true, "dont": true,
	"isn't": true, "isnt": true, "wasn't": true, "wasnt": true,
	"can't": true, "cant": true, "won't": true, "wont": true,
}

var tokenRe = regexp.MustCompile(`[a-z']+`)

// Analyze scores one utterance. Negation within a three-token window
// flips polarity at reduced weight ("not good" is negative but softer
// than "bad"); the raw sum is squashed with tanh so long rants don't
// saturate.
func Analyze(text string) Sentiment {
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)

	var raw float64
	hits := 0
	for i, token := range tokens {
		var value float64
		switch {
		case positiveWords[token]:
			value = 1
		case negativeWords[token]:
			value = -1
		default:
			continue
		}
		hits++

		multiplier := 1.0
		negated := false
		// Look back up to three tokens for negations and intensifiers.
		for j := i - 1; j >= 0 && j >= i-3; j-- {
			if negations[tokens[j]] {
				negated = true
			}
			if m, ok := intensifiers[tokens[j]]; ok {
				multiplier *= m
			}
		}
		if negated {
			// "not good" reads as mildly negative, "not bad" as mildly
			// positive.
			if value > 0 {
				value = -0.75
			} else {
				value = 0.5
			}
		}
		raw += value * multiplier
	}

	score := math.Tanh(raw / 2)
	label := "neutral"
	switch {
	case score > 0.05:
		label = "positive"
	case score < -0.05:
		label = "negative"
	}
	confidence := 0.5 + float64(hits)*0.1
	if confidence > 1.0 {
		confidence = 1.0
	}
	return Sentiment{Score: score, Label: label, Confidence: confidence}
}

var casualRe = regexp.MustCompile(`(?i)\b(hey|yeah|yep|nah|gonna|wanna|lol|haha|btw|kinda|dunno)\b|[!]{2,}|:\)|:D`)
var formalRe = regexp.MustCompile(`(?i)\b(therefore|however|furthermore|regarding|accordingly|nevertheless|pursuant|sincerely)\b`)

// Formality estimates the register of a text: "casual", "formal" or
// "neutral" by counting marker hits.
func Formality(text string) string {
	casual := len(casualRe.FindAllString(text, -1))
	formal := len(formalRe.FindAllString(text, -1))
	switch {
	case casual > formal:
		return "casual"
	case formal > casual:
		return "formal"
	default:
		return "neutral"
	}
}

var humorRe = regexp.MustCompile(`(?i)\b(lol|lmao|haha|hehe|joke|funny|hilarious)\b|😂|🤣`)

// HasHumor reports whether the text carries humor signals.
func HasHumor(text string) bool {
	return humorRe.MatchString(text)
}
