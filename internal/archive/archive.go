// Package archive compresses stale conversations into batch records:
// sessions whose every interaction has aged out are grouped per UTC
// calendar date, summarised into a narrative with extracted memories
// and learnings, and their raw rows flagged archived in the bank.
package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"kait/internal/bank"
	"kait/internal/config"
	"kait/internal/llm"
	"kait/internal/logging"
)

// Store is the slice of the Reasoning Bank the worker uses.
// *bank.Bank satisfies it.
type Store interface {
	ArchivableSessions(ctx context.Context, age time.Duration) ([]bank.SessionSummary, error)
	InteractionHistory(ctx context.Context, f bank.HistoryFilter) ([]bank.Interaction, error)
	SaveArchive(ctx context.Context, a bank.Archive) (string, error)
	MarkInteractionsArchived(ctx context.Context, ids []string) (int, error)
}

// Narrator generates the archive summary. *llm.Gateway satisfies it;
// a nil narrator always falls back to the template summary.
type Narrator interface {
	Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error)
}

// Options configures an archive worker.
type Options struct {
	Bank     Store
	Narrator Narrator
	Logger   logging.Logger

	// Age is how old a session's newest interaction must be before the
	// session qualifies for archival.
	Age time.Duration
}

// Worker runs archive cycles.
type Worker struct {
	store    Store
	narrator Narrator
	logger   logging.Logger
	age      time.Duration
}

// CycleResult summarises one archive cycle.
type CycleResult struct {
	ArchiveIDs   []string `json:"archive_ids"`
	Sessions     int      `json:"sessions"`
	Interactions int      `json:"interactions"`
}

// NewWorker wires a worker. Bank is required.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Bank == nil {
		return nil, fmt.Errorf("archive: bank store is required")
	}
	age := opts.Age
	if age <= 0 {
		age = config.DefaultArchiveAge
	}
	return &Worker{
		store:    opts.Bank,
		narrator: opts.Narrator,
		logger:   logging.OrNop(opts.Logger),
		age:      age,
	}, nil
}

// RunCycle archives every qualifying session. Interactions are batched
// by the UTC calendar date they happened on, so one cycle can produce
// several archives. Partial failure leaves later batches unarchived for
// the next cycle.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	sessions, err := w.store.ArchivableSessions(ctx, w.age)
	if err != nil {
		return nil, fmt.Errorf("archivable sessions: %w", err)
	}
	result := &CycleResult{Sessions: len(sessions)}
	if len(sessions) == 0 {
		return result, nil
	}

	batches, err := w.collectBatches(ctx, sessions)
	if err != nil {
		return nil, err
	}

	for _, b := range batches {
		id, err := w.archiveBatch(ctx, b)
		if err != nil {
			return result, fmt.Errorf("archive batch %s: %w", b.label, err)
		}
		result.ArchiveIDs = append(result.ArchiveIDs, id)
		result.Interactions += len(b.interactions)
		w.logger.Info("archived %d interactions from %d session(s) as %s (%s)",
			len(b.interactions), len(b.sessionIDs), b.label, id)
	}
	return result, nil
}

// batch is one calendar date's worth of stale interactions.
type batch struct {
	label        string
	sessionIDs   []string
	interactions []bank.Interaction // chronological
}

// collectBatches loads each session's rows and regroups them by the
// UTC date of the interaction timestamp.
func (w *Worker) collectBatches(ctx context.Context, sessions []bank.SessionSummary) ([]batch, error) {
	type group struct {
		interactions []bank.Interaction
		sessions     map[string]bool
	}
	unarchived := false
	byDate := make(map[string]*group)
	for _, s := range sessions {
		rows, err := w.store.InteractionHistory(ctx, bank.HistoryFilter{
			SessionID: s.SessionID,
			Archived:  &unarchived,
			Limit:     s.MessageCount,
		})
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", s.SessionID, err)
		}
		for _, in := range rows {
			label := time.Unix(int64(in.Timestamp), 0).UTC().Format("2006-01-02")
			g, ok := byDate[label]
			if !ok {
				g = &group{sessions: make(map[string]bool)}
				byDate[label] = g
			}
			g.interactions = append(g.interactions, in)
			g.sessions[s.SessionID] = true
		}
	}

	labels := make([]string, 0, len(byDate))
	for label := range byDate {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var out []batch
	for _, label := range labels {
		g := byDate[label]
		sort.Slice(g.interactions, func(i, j int) bool {
			return g.interactions[i].Timestamp < g.interactions[j].Timestamp
		})
		ids := make([]string, 0, len(g.sessions))
		for id := range g.sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, batch{label: label, sessionIDs: ids, interactions: g.interactions})
	}
	return out, nil
}

// archiveBatch builds and persists one archive record, then flips the
// underlying rows.
func (w *Worker) archiveBatch(ctx context.Context, b batch) (string, error) {
	topics := batchTopics(b.interactions, 5)
	avg := avgSentiment(b.interactions)
	mood := sentimentLabel(avg)

	summary, status := w.narrate(ctx, b, topics, mood)

	ids := make([]string, 0, len(b.interactions))
	sources := make(map[string]int)
	for _, in := range b.interactions {
		ids = append(ids, in.ID)
		src := in.Source
		if src == "" {
			src = "gui"
		}
		sources[src]++
	}

	archiveID, err := w.store.SaveArchive(ctx, bank.Archive{
		BatchLabel:     b.label,
		SessionIDs:     b.sessionIDs,
		InteractionIDs: ids,
		Summary:        summary,
		Memories:       extractMemories(b.interactions),
		MoodSummary:    mood,
		AvgSentiment:   avg,
		Meta: bank.ArchiveMeta{
			InteractionCount: len(b.interactions),
			TimeRangeStart:   b.interactions[0].Timestamp,
			TimeRangeEnd:     b.interactions[len(b.interactions)-1].Timestamp,
			Topics:           topics,
			SourceBreakdown:  sources,
			Learnings:        extractLearnings(b.interactions, topics),
			Status:           status,
		},
		MindSyncStatus: "pending",
	})
	if err != nil {
		return "", err
	}

	flipped, err := w.store.MarkInteractionsArchived(ctx, ids)
	if err != nil {
		return "", err
	}
	if flipped != len(ids) {
		w.logger.Warn("archive %s flipped %d of %d interactions", archiveID, flipped, len(ids))
	}
	return archiveID, nil
}

func avgSentiment(interactions []bank.Interaction) float64 {
	if len(interactions) == 0 {
		return 0
	}
	var sum float64
	for _, in := range interactions {
		sum += in.SentimentScore
	}
	return sum / float64(len(interactions))
}

func sentimentLabel(score float64) string {
	switch {
	case score >= 0.05:
		return "positive"
	case score <= -0.05:
		return "negative"
	default:
		return "neutral"
	}
}
