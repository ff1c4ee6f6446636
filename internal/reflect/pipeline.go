package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kait/internal/bank"
	"kait/internal/config"
	"kait/internal/evolution"
	"kait/internal/logging"
	"kait/internal/observer"
)

// Store is the slice of the Reasoning Bank the pipeline reads and
// writes. *bank.Bank satisfies it.
type Store interface {
	InteractionHistory(ctx context.Context, f bank.HistoryFilter) ([]bank.Interaction, error)
	RecentCorrections(ctx context.Context, limit int) ([]bank.Correction, error)
	ActiveBehaviorRules(ctx context.Context) ([]bank.BehaviorRule, error)
	AllPreferences(ctx context.Context) ([]bank.Preference, error)
	SaveBehaviorRule(ctx context.Context, r bank.BehaviorRule) (string, error)
	UpdateContext(ctx context.Context, key string, value any, domain string, confidence float64) (bool, error)
	SaveEvolution(ctx context.Context, ev bank.Evolution) (string, error)
	Stats(ctx context.Context) (*bank.Stats, error)
}

const (
	snapshotInteractions = 50
	snapshotCorrections  = 20
	telemetryWindow      = 5 * time.Minute

	// p99 above this marks a provider as slow in the meta domain.
	defaultDegradedP99MS = 10000
)

// Options configures a reflection pipeline.
type Options struct {
	Bank       Store
	Observer   *observer.Observer
	Evolution  *evolution.Engine
	Logger     logging.Logger
	Config     config.ReflectionConfig
	BasePrompt string

	// DegradedP99MS overrides the slow-provider latency threshold.
	DegradedP99MS float64

	// PromptBudget overrides DefaultPromptBudget.
	PromptBudget int

	now func() time.Time
}

// Pipeline drives the reflection loop: decide when a cycle is due,
// take a snapshot, run the pure analysis, and apply the proposed
// writes back to the bank and the evolution engine.
type Pipeline struct {
	store     Store
	obs       *observer.Observer
	engine    *evolution.Engine
	logger    logging.Logger
	cfg       config.ReflectionConfig
	base      string
	degraded  float64
	budget    int
	now       func() time.Time

	mu            sync.Mutex
	firstSeen     time.Time
	lastCycle     time.Time
	lastCount     int
	lastReport    *Report
	currentPrompt string
}

// NewPipeline wires a pipeline. Bank and Evolution are required;
// Observer may be nil (telemetry insights are skipped).
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Bank == nil {
		return nil, fmt.Errorf("reflect: bank store is required")
	}
	if opts.Evolution == nil {
		return nil, fmt.Errorf("reflect: evolution engine is required")
	}
	cfg := opts.Config
	if cfg.MinInteractions <= 0 {
		cfg.MinInteractions = config.DefaultReflectMinTurn
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultReflectEvery
	}
	degraded := opts.DegradedP99MS
	if degraded == 0 {
		degraded = defaultDegradedP99MS
	}
	budget := opts.PromptBudget
	if budget <= 0 {
		budget = DefaultPromptBudget
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		store:         opts.Bank,
		obs:           opts.Observer,
		engine:        opts.Evolution,
		logger:        logging.OrNop(opts.Logger),
		cfg:           cfg,
		base:          opts.BasePrompt,
		degraded:      degraded,
		budget:        budget,
		now:           now,
		currentPrompt: opts.BasePrompt,
	}, nil
}

// Due reports whether a cycle should run: enough new interactions have
// landed since the last cycle, or the interval has elapsed. A pipeline
// that has never reflected is due after half the interval.
func (p *Pipeline) Due(ctx context.Context) (bool, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if stats.Interactions-p.lastCount >= p.cfg.MinInteractions {
		return true, nil
	}
	if p.lastCycle.IsZero() {
		return stats.Interactions > 0 && p.now().Sub(p.startOrNow()) >= p.cfg.Interval/2, nil
	}
	return stats.Interactions > p.lastCount && p.now().Sub(p.lastCycle) >= p.cfg.Interval, nil
}

// startOrNow lazily records the first time Due was consulted so the
// never-reflected grace period has an anchor.
func (p *Pipeline) startOrNow() time.Time {
	if p.firstSeen.IsZero() {
		p.firstSeen = p.now()
	}
	return p.firstSeen
}

// RunCycle takes a snapshot, analyses it, and applies the outcome:
// new behaviour rules, meta contexts, a refined prompt, and evolution
// bookkeeping. Returns the report.
func (p *Pipeline) RunCycle(ctx context.Context) (*Report, error) {
	snap, count, err := p.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reflection snapshot: %w", err)
	}

	now := p.now()
	report := Reflect(snap, now, p.degraded)

	for _, rule := range report.ProposedRules {
		if _, err := p.store.SaveBehaviorRule(ctx, bank.BehaviorRule{
			Trigger:    rule.Trigger,
			Action:     rule.Action,
			Confidence: rule.Confidence,
			Source:     rule.Source,
		}); err != nil {
			return nil, fmt.Errorf("save behaviour rule: %w", err)
		}
	}
	for _, meta := range report.MetaContexts {
		if _, err := p.store.UpdateContext(ctx, meta.Key, meta.Value, "meta", meta.Confidence); err != nil {
			return nil, fmt.Errorf("save meta context: %w", err)
		}
	}

	// Rebuild the system prompt from the post-cycle rule set.
	rules, err := p.store.ActiveBehaviorRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload rules: %w", err)
	}
	refined := RefinePrompt(p.base, rules, snap.Corrections, snap.Preferences, p.budget)

	p.mu.Lock()
	promptBefore := p.currentPrompt
	p.currentPrompt = refined
	p.lastCycle = now
	p.lastCount = count
	p.lastReport = &report
	p.mu.Unlock()

	if proposal := ProposeEvolution(report); proposal != nil {
		if _, err := ApplyEvolution(ctx, p.store, *proposal, promptBefore, refined); err != nil {
			return nil, fmt.Errorf("apply evolution: %w", err)
		}
		p.logger.Info("reflection applied evolution: %s", proposal.Rationale)
	}

	p.engine.RecordReflectionCycle()
	if transition := p.engine.Check(); transition != nil {
		if err := p.recordStageAdvance(ctx, transition); err != nil {
			return nil, err
		}
	}
	if err := p.engine.Save(); err != nil {
		return nil, fmt.Errorf("persist evolution state: %w", err)
	}

	p.logger.Info("reflection cycle done: %d insights, %d rules, %d meta contexts, confidence %.2f",
		len(report.Insights), len(report.ProposedRules), len(report.MetaContexts), report.Confidence)
	return &report, nil
}

// RunIfDue runs a cycle only when the scheduler says one is due.
// Returns nil, nil when nothing was due.
func (p *Pipeline) RunIfDue(ctx context.Context) (*Report, error) {
	due, err := p.Due(ctx)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, nil
	}
	return p.RunCycle(ctx)
}

// snapshot reads a consistent view of recent history.
func (p *Pipeline) snapshot(ctx context.Context) (Snapshot, int, error) {
	interactions, err := p.store.InteractionHistory(ctx, bank.HistoryFilter{Limit: snapshotInteractions})
	if err != nil {
		return Snapshot{}, 0, err
	}
	corrections, err := p.store.RecentCorrections(ctx, snapshotCorrections)
	if err != nil {
		return Snapshot{}, 0, err
	}
	rules, err := p.store.ActiveBehaviorRules(ctx)
	if err != nil {
		return Snapshot{}, 0, err
	}
	prefs, err := p.store.AllPreferences(ctx)
	if err != nil {
		return Snapshot{}, 0, err
	}
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return Snapshot{}, 0, err
	}

	snap := Snapshot{
		Interactions: interactions,
		Corrections:  corrections,
		ActiveRules:  rules,
		Preferences:  prefs,
	}
	if p.obs != nil {
		snap.Summary = p.obs.Summary(telemetryWindow)
		snap.ProviderStats = p.obs.ProviderStats(telemetryWindow)
	}
	return snap, stats.Interactions, nil
}

// recordStageAdvance writes the stage transition to the evolution log.
func (p *Pipeline) recordStageAdvance(ctx context.Context, tr *evolution.Transition) error {
	fromName := evolution.StageByLevel(tr.FromStage).Name
	toName := evolution.StageByLevel(tr.ToStage).Name
	before, err := json.Marshal(map[string]any{"stage": tr.FromStage, "name": fromName})
	if err != nil {
		return fmt.Errorf("encode stage metrics: %w", err)
	}
	after, err := json.Marshal(tr.Metrics)
	if err != nil {
		return fmt.Errorf("encode stage metrics: %w", err)
	}
	if _, err := p.store.SaveEvolution(ctx, bank.Evolution{
		Type:          "stage_advance",
		Description:   fmt.Sprintf("advanced from %s to %s", fromName, toName),
		MetricsBefore: before,
		MetricsAfter:  after,
	}); err != nil {
		return fmt.Errorf("record stage advance: %w", err)
	}
	p.logger.Info("evolution stage advanced: %s -> %s", fromName, toName)
	return nil
}

// SystemPrompt returns the current refined system prompt.
func (p *Pipeline) SystemPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPrompt
}

// LastReport returns the most recent cycle's report, or nil.
func (p *Pipeline) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReport
}

// LastCycleAt returns when the last cycle ran (zero before the first).
func (p *Pipeline) LastCycleAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCycle
}
