package bank

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kaiterrors "kait/internal/errors"
)

func openTestBank(t *testing.T) *Bank {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "sidekick.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSaveInteractionGeneratesID(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	id, err := b.SaveInteraction(ctx, Interaction{
		UserInput:  "hello",
		AIResponse: "hi there",
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), id)

	got, err := b.GetInteraction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.UserInput)
	assert.Equal(t, "hi there", got.AIResponse)
	assert.Equal(t, "gui", got.Source, "source defaults to gui")
	assert.Greater(t, got.Timestamp, 0.0)
	assert.Nil(t, got.FeedbackScore)
	assert.False(t, got.Archived)
}

func TestGetInteractionMissing(t *testing.T) {
	b := openTestBank(t)

	got, err := b.GetInteraction(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInteractionHistoryOrderingAndFilters(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	base := 1_700_000_000.0
	seed := []Interaction{
		{ID: "a", Timestamp: base + 1, UserInput: "first", AIResponse: "r", SessionID: "s1", Source: "gui"},
		{ID: "b", Timestamp: base + 2, UserInput: "second", AIResponse: "r", SessionID: "s1", Source: "matrix"},
		{ID: "c", Timestamp: base + 3, UserInput: "third", AIResponse: "r", SessionID: "s2", Source: "gui", Archived: true},
	}
	for _, in := range seed {
		_, err := b.SaveInteraction(ctx, in)
		require.NoError(t, err)
	}

	all, err := b.InteractionHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID},
		"newest first")

	bySession, err := b.InteractionHistory(ctx, HistoryFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	bySource, err := b.InteractionHistory(ctx, HistoryFilter{Source: "matrix"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "b", bySource[0].ID)

	unarchived := false
	live, err := b.InteractionHistory(ctx, HistoryFilter{Archived: &unarchived})
	require.NoError(t, err)
	assert.Len(t, live, 2)

	limited, err := b.InteractionHistory(ctx, HistoryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

func TestUpdateInteractionFeedback(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	id, err := b.SaveInteraction(ctx, Interaction{UserInput: "q", AIResponse: "a"})
	require.NoError(t, err)

	ok, err := b.UpdateInteractionFeedback(ctx, id, 0.8)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.UpdateInteractionFeedback(ctx, "missing", 0.8)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := b.GetInteraction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.FeedbackScore)
	assert.InDelta(t, 0.8, *got.FeedbackScore, 1e-9)
}

func TestSessionsSummaries(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	base := 1_700_000_000.0
	seed := []Interaction{
		{Timestamp: base + 1, UserInput: "s1 first", AIResponse: "r", SessionID: "s1"},
		{Timestamp: base + 5, UserInput: "s1 later", AIResponse: "r", SessionID: "s1"},
		{Timestamp: base + 3, UserInput: "s2 only", AIResponse: "r", SessionID: "s2", Source: "matrix", Archived: true},
		{Timestamp: base + 4, UserInput: "no session", AIResponse: "r"},
	}
	for _, in := range seed {
		_, err := b.SaveInteraction(ctx, in)
		require.NoError(t, err)
	}

	sessions, err := b.Sessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID, "most recent activity first")
	assert.Equal(t, 2, sessions[0].MessageCount)
	assert.Equal(t, "s1 first", sessions[0].FirstMessage)
	assert.InDelta(t, base+1, sessions[0].FirstTS, 1e-6)
	assert.InDelta(t, base+5, sessions[0].LastTS, 1e-6)

	fresh, err := b.Sessions(ctx, SessionFilter{ExcludeArchived: true})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "s1", fresh[0].SessionID)

	matrix, err := b.Sessions(ctx, SessionFilter{Source: "matrix"})
	require.NoError(t, err)
	require.Len(t, matrix, 1)
	assert.Equal(t, "s2", matrix[0].SessionID)
}

func TestContextBumpOnRead(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SaveContext(ctx, "user_location", "Berlin", "personal", 0.9))

	for i := 1; i <= 3; i++ {
		c, err := b.GetContext(ctx, "user_location")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, i, c.AccessCount, "each read bumps the counter")
	}

	var v string
	c, err := b.GetContext(ctx, "user_location")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(c.Value, &v))
	assert.Equal(t, "Berlin", v)
	assert.Equal(t, "personal", c.Domain)

	missing, err := b.GetContext(ctx, "never_saved")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveContextOverwrites(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SaveContext(ctx, "stack", "python", "work", 0.5))
	require.NoError(t, b.SaveContext(ctx, "stack", "go", "work", 0.8))

	c, err := b.GetContext(ctx, "stack")
	require.NoError(t, err)
	require.NotNil(t, c)
	var v string
	require.NoError(t, json.Unmarshal(c.Value, &v))
	assert.Equal(t, "go", v)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}

func TestUpdateContextPreservesUnsetFields(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SaveContext(ctx, "editor", "vim", "tools", 0.6))

	updated, err := b.UpdateContext(ctx, "editor", "neovim", "", -1)
	require.NoError(t, err)
	assert.True(t, updated)

	c, err := b.GetContext(ctx, "editor")
	require.NoError(t, err)
	assert.Equal(t, "tools", c.Domain, "empty domain keeps the stored one")
	assert.InDelta(t, 0.6, c.Confidence, 1e-9, "negative confidence keeps the stored one")
	assert.Equal(t, 2, c.AccessCount, "update counts as an access")

	created, err := b.UpdateContext(ctx, "shell", "zsh", "tools", -1)
	require.NoError(t, err)
	assert.False(t, created, "missing key is created, not updated")

	c, err = b.GetContext(ctx, "shell")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Confidence, 1e-9, "created rows default to 0.5")
}

func TestSearchContexts(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SaveContext(ctx, "user_location", "Berlin", "personal", 0.9))
	require.NoError(t, b.SaveContext(ctx, "user_tz", "CET", "personal", 0.9))
	require.NoError(t, b.SaveContext(ctx, "userXlocation", "trap", "personal", 0.9))
	require.NoError(t, b.SaveContext(ctx, "project_stack", "go", "work", 0.9))

	hits, err := b.SearchContexts(ctx, "user_", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2, "underscore in the prefix matches literally")

	work, err := b.SearchContexts(ctx, "project", "work", 10)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, "project_stack", work[0].Key)

	none, err := b.SearchContexts(ctx, "project", "personal", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteContext(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SaveContext(ctx, "tmp", 1, "", 0.5))

	ok, err := b.DeleteContext(ctx, "tmp")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DeleteContext(ctx, "tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorrections(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	id1, err := b.RecordCorrection(ctx, Correction{
		OriginalResponse: "the capital is Bonn",
		Correction:       "the capital is Berlin",
		Reason:           "outdated",
		Domain:           "geography",
		LearnedAt:        1000,
	})
	require.NoError(t, err)
	_, err = b.RecordCorrection(ctx, Correction{
		OriginalResponse: "o2", Correction: "c2", Domain: "geography", LearnedAt: 2000,
	})
	require.NoError(t, err)

	recent, err := b.RecentCorrections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c2", recent[0].Correction, "newest first")

	ok, err := b.IncrementCorrectionApplied(ctx, id1)
	require.NoError(t, err)
	assert.True(t, ok)

	recent, err = b.RecentCorrections(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recent[1].AppliedCount)
}

func TestEvolvePersonalityNewTrait(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.EvolvePersonality(ctx, "warmth", 0.7))

	trait, err := b.PersonalityTrait(ctx, "warmth")
	require.NoError(t, err)
	require.NotNil(t, trait)
	assert.InDelta(t, 0.7, trait.Value, 1e-9)
	require.Len(t, trait.History, 1, "new trait starts with a single-point history")

	events, err := b.EvolutionsByType(ctx, "personality_shift", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Description, `"warmth"`)
	assert.Nil(t, events[0].MetricsBefore)
	assert.NotNil(t, events[0].MetricsAfter)
}

func TestEvolvePersonalityShift(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.EvolvePersonality(ctx, "humor", 0.4))
	require.NoError(t, b.EvolvePersonality(ctx, "humor", 0.6))

	trait, err := b.PersonalityTrait(ctx, "humor")
	require.NoError(t, err)
	require.NotNil(t, trait)
	assert.InDelta(t, 0.6, trait.Value, 1e-9)
	require.Len(t, trait.History, 2)
	assert.InDelta(t, 0.4, trait.History[0].Value, 1e-9)
	assert.InDelta(t, 0.6, trait.History[1].Value, 1e-9)

	events, err := b.EvolutionsByType(ctx, "personality_shift", 10)
	require.NoError(t, err)
	require.Len(t, events, 2, "every shift lands on the evolution timeline")

	var before traitMetric
	require.NoError(t, json.Unmarshal(events[0].MetricsBefore, &before))
	assert.InDelta(t, 0.4, before.Value, 1e-9)
}

func TestEvolutionTimeline(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	_, err := b.SaveEvolution(ctx, Evolution{Type: "stage_advance", Description: "up", Timestamp: 1000})
	require.NoError(t, err)
	_, err = b.SaveEvolution(ctx, Evolution{Type: "rule_applied", Description: "rule", Timestamp: 2000})
	require.NoError(t, err)

	timeline, err := b.EvolutionTimeline(ctx, 10)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, "rule_applied", timeline[0].Type)

	byType, err := b.EvolutionsByType(ctx, "stage_advance", 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "up", byType[0].Description)
}

func TestPreferences(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	require.NoError(t, b.SavePreference(ctx, "tone", "casual", 0.6))
	require.NoError(t, b.SavePreference(ctx, "length", "short", 0.9))
	require.NoError(t, b.SavePreference(ctx, "tone", "playful", 0.7))

	p, err := b.GetPreference(ctx, "tone")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "playful", p.Value)

	missing, err := b.GetPreference(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := b.AllPreferences(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "length", all[0].Key, "highest confidence first")
}

func TestBehaviorRules(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	lowID, err := b.SaveBehaviorRule(ctx, BehaviorRule{
		Trigger: "asked about go", Action: "give examples", Confidence: 0.5,
		Source: "reflection", Active: true,
	})
	require.NoError(t, err)
	_, err = b.SaveBehaviorRule(ctx, BehaviorRule{
		Trigger: "evening", Action: "relaxed tone", Confidence: 0.9, Active: true,
	})
	require.NoError(t, err)

	rules, err := b.ActiveBehaviorRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "evening", rules[0].Trigger, "highest confidence first")

	require.NoError(t, b.DeactivateBehaviorRule(ctx, lowID))
	rules, err = b.ActiveBehaviorRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "evening", rules[0].Trigger)
}

func TestArchivableSessions(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	now := nowUnix()
	old := now - 2*3600
	seed := []Interaction{
		{ID: "old1", Timestamp: old, UserInput: "u", AIResponse: "r", SessionID: "stale"},
		{ID: "old2", Timestamp: old + 10, UserInput: "u", AIResponse: "r", SessionID: "stale"},
		{ID: "mix1", Timestamp: old, UserInput: "u", AIResponse: "r", SessionID: "active"},
		{ID: "mix2", Timestamp: now - 60, UserInput: "u", AIResponse: "r", SessionID: "active"},
		{ID: "done", Timestamp: old, UserInput: "u", AIResponse: "r", SessionID: "archived", Archived: true},
	}
	for _, in := range seed {
		_, err := b.SaveInteraction(ctx, in)
		require.NoError(t, err)
	}

	sessions, err := b.ArchivableSessions(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, sessions, 1, "sessions with any recent interaction stay out")
	assert.Equal(t, "stale", sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].MessageCount)
}

func TestMarkInteractionsArchivedCountsFlips(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	_, err := b.SaveInteraction(ctx, Interaction{ID: "i1", UserInput: "u", AIResponse: "r"})
	require.NoError(t, err)
	_, err = b.SaveInteraction(ctx, Interaction{ID: "i2", UserInput: "u", AIResponse: "r"})
	require.NoError(t, err)

	n, err := b.MarkInteractionsArchived(ctx, []string{"i1", "i2", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.MarkInteractionsArchived(ctx, []string{"i1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already-archived rows do not count")

	n, err = b.MarkInteractionsArchived(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiveRoundTrip(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	base := 1_700_000_000.0
	_, err := b.SaveInteraction(ctx, Interaction{ID: "x1", Timestamp: base + 2, UserInput: "later", AIResponse: "r", SessionID: "s"})
	require.NoError(t, err)
	_, err = b.SaveInteraction(ctx, Interaction{ID: "x2", Timestamp: base + 1, UserInput: "earlier", AIResponse: "r", SessionID: "s"})
	require.NoError(t, err)

	id, err := b.SaveArchive(ctx, Archive{
		BatchLabel:     "2026-08-23",
		SessionIDs:     []string{"s"},
		InteractionIDs: []string{"x1", "x2"},
		Summary:        "a quiet day",
		Memories:       []MemoryEntry{{Kind: "moment", Text: "good news", Weight: 0.8}},
		MoodSummary:    "calm",
		AvgSentiment:   0.3,
		Meta: ArchiveMeta{
			InteractionCount: 2,
			TimeRangeStart:   base + 1,
			TimeRangeEnd:     base + 2,
			Topics:           []string{"news"},
			SourceBreakdown:  map[string]int{"gui": 2},
		},
	})
	require.NoError(t, err)

	a, err := b.ArchiveByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "2026-08-23", a.BatchLabel)
	assert.Equal(t, "pending", a.MindSyncStatus)
	assert.Equal(t, "complete", a.Meta.Status)
	assert.Equal(t, []string{"x1", "x2"}, a.InteractionIDs)
	require.Len(t, a.Memories, 1)
	assert.Equal(t, "good news", a.Memories[0].Text)

	ins, err := b.ArchiveInteractions(ctx, id)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	assert.Equal(t, "x2", ins[0].ID, "oldest first")

	pending, err := b.PendingMindSync(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, b.SetMindSyncStatus(ctx, id, "synced"))
	pending, err = b.PendingMindSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	list, err := b.Archives(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	missing, err := b.ArchiveByID(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStats(t *testing.T) {
	b := openTestBank(t)
	ctx := context.Background()

	score := 0.5
	_, err := b.SaveInteraction(ctx, Interaction{UserInput: "u", AIResponse: "r", SentimentScore: 0.4, SessionID: "s1", FeedbackScore: &score})
	require.NoError(t, err)
	_, err = b.SaveInteraction(ctx, Interaction{UserInput: "u", AIResponse: "r", SentimentScore: -0.2, SessionID: "s2"})
	require.NoError(t, err)
	require.NoError(t, b.SaveContext(ctx, "hot", 1, "", 0.9))
	require.NoError(t, b.SaveContext(ctx, "cold", 1, "", 0.2))
	_, err = b.GetContext(ctx, "hot")
	require.NoError(t, err)
	_, err = b.RecordCorrection(ctx, Correction{OriginalResponse: "o", Correction: "c"})
	require.NoError(t, err)
	require.NoError(t, b.EvolvePersonality(ctx, "warmth", 0.6))

	s, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Interactions)
	assert.Equal(t, 2, s.Contexts)
	assert.Equal(t, 1, s.Corrections)
	assert.Equal(t, 1, s.Evolutions, "personality shift recorded an event")
	assert.Equal(t, 1, s.PersonalityTraits)
	assert.Equal(t, 2, s.DistinctSessions)
	assert.Equal(t, 1, s.HighConfidenceContexts)
	assert.InDelta(t, 0.1, s.AvgSentiment, 1e-9)
	assert.InDelta(t, 0.5, s.AvgFeedback, 1e-9)
	require.NotEmpty(t, s.HotContexts)
	assert.Equal(t, "hot", s.HotContexts[0].Key)
}

func TestStorageErrorsCarryKind(t *testing.T) {
	b := openTestBank(t)
	require.NoError(t, b.Close())

	_, err := b.SaveInteraction(context.Background(), Interaction{UserInput: "u", AIResponse: "r"})
	require.Error(t, err)
	assert.Equal(t, kaiterrors.KindStorage, kaiterrors.KindOf(err))
}
