package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"kait/internal/bank"
)

// Change is one parameter adjustment inside a proposal.
type Change struct {
	Parameter string `json:"parameter"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// Proposal is a behaviour evolution the evolver wants to apply: a set
// of parameter changes plus the rationale that produced them.
type Proposal struct {
	Changes   []Change `json:"changes"`
	Rationale string   `json:"rationale"`
}

// EvolutionStore is the slice of the bank the evolver writes through.
type EvolutionStore interface {
	SaveEvolution(ctx context.Context, ev bank.Evolution) (string, error)
}

// ProposeEvolution turns a report's strongest conclusions into a
// proposal. Weak cycles (confidence < 0.5) propose nothing.
func ProposeEvolution(report Report) *Proposal {
	if report.Confidence < 0.5 {
		return nil
	}
	var changes []Change
	for _, rule := range report.ProposedRules {
		if rule.Source == "corrections" {
			changes = append(changes, Change{
				Parameter: "verification",
				From:      "off",
				To:        "on:" + rule.Trigger,
			})
		}
	}
	for _, insight := range report.Insights {
		if insight.Type == "length_preference" {
			changes = append(changes, Change{
				Parameter: "response_length",
				From:      "default",
				To:        insight.Summary,
			})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return &Proposal{
		Changes:   changes,
		Rationale: fmt.Sprintf("reflection cycle (confidence %.2f) proposed %d change(s)", report.Confidence, len(changes)),
	}
}

// ApplyEvolution records the proposal as an evolution event, including
// a diff of the system prompt it produced. Returns the event id; the
// caller may later roll it back.
func ApplyEvolution(ctx context.Context, store EvolutionStore, proposal Proposal, promptBefore, promptAfter string) (string, error) {
	before, err := json.Marshal(map[string]any{"prompt_chars": len(promptBefore)})
	if err != nil {
		return "", err
	}
	after, err := json.Marshal(map[string]any{
		"prompt_chars": len(promptAfter),
		"changes":      proposal.Changes,
		"prompt_diff":  promptDiff(promptBefore, promptAfter),
	})
	if err != nil {
		return "", err
	}
	return store.SaveEvolution(ctx, bank.Evolution{
		Type:          "behaviour_evolution",
		Description:   proposal.Rationale,
		MetricsBefore: before,
		MetricsAfter:  after,
	})
}

// RollbackEvolution marks an applied evolution as rolled back by
// appending a rollback event referencing it. The evolution log is
// append-only; nothing is deleted.
func RollbackEvolution(ctx context.Context, store EvolutionStore, eventID, reason string) (string, error) {
	meta, err := json.Marshal(map[string]string{"rolled_back_event": eventID})
	if err != nil {
		return "", err
	}
	return store.SaveEvolution(ctx, bank.Evolution{
		Type:          "rollback",
		Description:   fmt.Sprintf("rolled back %s: %s", eventID, reason),
		MetricsBefore: meta,
		MetricsAfter:  meta,
	})
}

// promptDiff renders a compact patch of the prompt change.
func promptDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = time.Second
	diffs := dmp.DiffMain(before, after, false)
	patch := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if len(patch) > 4000 {
		patch = patch[:4000]
	}
	return patch
}
