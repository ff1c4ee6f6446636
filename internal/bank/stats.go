package bank

import (
	"context"
	"math"
)

// HotContext is one entry of the most-accessed-contexts leaderboard.
type HotContext struct {
	Key         string `json:"key"`
	AccessCount int    `json:"access_count"`
}

// Stats is an aggregate snapshot across every table.
type Stats struct {
	Interactions           int     `json:"interactions"`
	Contexts               int     `json:"contexts"`
	Corrections            int     `json:"corrections"`
	Evolutions             int     `json:"evolutions"`
	Preferences            int     `json:"preferences"`
	PersonalityTraits      int     `json:"personality_traits"`
	BehaviorRules          int     `json:"behavior_rules"`
	Archives               int     `json:"archives"`
	AvgSentiment           float64 `json:"avg_sentiment"`
	AvgFeedback            float64 `json:"avg_feedback"`
	CorrectionsApplied     int     `json:"total_corrections_applied"`
	HighConfidenceContexts int     `json:"high_confidence_contexts"`
	DistinctSessions       int     `json:"distinct_sessions"`

	HotContexts []HotContext `json:"hot_contexts"`
}

// Stats computes the aggregate snapshot.
func (b *Bank) Stats(ctx context.Context) (*Stats, error) {
	var s Stats

	counts := []struct {
		q    string
		dest *int
	}{
		{`SELECT COUNT(*) FROM interactions`, &s.Interactions},
		{`SELECT COUNT(*) FROM contexts`, &s.Contexts},
		{`SELECT COUNT(*) FROM corrections`, &s.Corrections},
		{`SELECT COUNT(*) FROM evolutions`, &s.Evolutions},
		{`SELECT COUNT(*) FROM preferences`, &s.Preferences},
		{`SELECT COUNT(*) FROM personality`, &s.PersonalityTraits},
		{`SELECT COUNT(*) FROM behavior_rules`, &s.BehaviorRules},
		{`SELECT COUNT(*) FROM archives`, &s.Archives},
		{`SELECT COUNT(*) FROM contexts WHERE confidence >= 0.7`, &s.HighConfidenceContexts},
		{`SELECT COUNT(DISTINCT session_id) FROM interactions WHERE session_id != ''`, &s.DistinctSessions},
		{`SELECT COALESCE(SUM(applied_count), 0) FROM corrections`, &s.CorrectionsApplied},
	}
	for _, c := range counts {
		if err := b.db.QueryRowContext(ctx, c.q).Scan(c.dest); err != nil {
			return nil, storageErr("stats", err)
		}
	}

	if err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(sentiment_score), 0) FROM interactions`).
		Scan(&s.AvgSentiment); err != nil {
		return nil, storageErr("stats", err)
	}
	if err := b.db.QueryRowContext(ctx, `
        SELECT COALESCE(AVG(feedback_score), 0) FROM interactions
        WHERE feedback_score IS NOT NULL`).
		Scan(&s.AvgFeedback); err != nil {
		return nil, storageErr("stats", err)
	}
	s.AvgSentiment = round4(s.AvgSentiment)
	s.AvgFeedback = round4(s.AvgFeedback)

	rows, err := b.db.QueryContext(ctx, `
        SELECT key, access_count FROM contexts
        ORDER BY access_count DESC LIMIT 5`)
	if err != nil {
		return nil, storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h HotContext
		if err := rows.Scan(&h.Key, &h.AccessCount); err != nil {
			return nil, storageErr("stats", err)
		}
		s.HotContexts = append(s.HotContexts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("stats", err)
	}
	return &s, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
