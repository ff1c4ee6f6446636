package evolution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Metrics is the current quantitative picture of the sidekick.
type Metrics struct {
	Stage            int     `json:"stage"`
	Interactions     int     `json:"interactions"`
	Corrections      int     `json:"corrections"`
	ReflectionCycles int     `json:"reflection_cycles"`
	AvgResonance     float64 `json:"avg_resonance"`
	AvgQuality       float64 `json:"avg_quality"`
}

// Transition is one recorded stage advancement.
type Transition struct {
	FromStage int     `json:"from_stage"`
	ToStage   int     `json:"to_stage"`
	Timestamp float64 `json:"timestamp"`
	Metrics   Metrics `json:"metrics"`
}

// accumulators back the running averages.
type accumulators struct {
	ResonanceSum           float64 `json:"resonance_sum"`
	QualitySum             float64 `json:"quality_sum"`
	InteractionCountForAvg int     `json:"interaction_count_for_avg"`
}

type state struct {
	Version         int          `json:"version"`
	CreatedAt       float64      `json:"created_at"`
	LastEvolutionAt float64      `json:"last_evolution_at,omitempty"`
	UpdatedAt       float64      `json:"updated_at"`
	Metrics         Metrics      `json:"metrics"`
	Accumulators    accumulators `json:"accumulators"`
	History         []Transition `json:"history"`
}

// Engine owns sidekick_evolution.json. Safe for concurrent use.
type Engine struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	state state
}

// Open loads the engine state from path, starting fresh when the file
// does not exist.
func Open(path string) (*Engine, error) {
	e := &Engine{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		e.state = state{
			Version:   1,
			CreatedAt: float64(e.now().UnixNano()) / 1e9,
			Metrics:   Metrics{Stage: 1},
		}
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read evolution state: %w", err)
	}
	if err := json.Unmarshal(data, &e.state); err != nil {
		return nil, fmt.Errorf("parse evolution state: %w", err)
	}
	if e.state.Metrics.Stage < 1 {
		e.state.Metrics.Stage = 1
	}
	return e, nil
}

// Metrics returns a copy of the current metrics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Metrics
}

// Stage returns the current stage descriptor.
func (e *Engine) Stage() Stage {
	return StageByLevel(e.Metrics().Stage)
}

// History returns the recorded transitions, oldest first.
func (e *Engine) History() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.state.History))
	copy(out, e.state.History)
	return out
}

// RecordInteraction folds one interaction's resonance and quality into
// the running averages.
func (e *Engine) RecordInteraction(resonance, quality float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Metrics.Interactions++
	e.state.Accumulators.ResonanceSum += resonance
	e.state.Accumulators.QualitySum += quality
	e.state.Accumulators.InteractionCountForAvg++
	n := float64(e.state.Accumulators.InteractionCountForAvg)
	e.state.Metrics.AvgResonance = e.state.Accumulators.ResonanceSum / n
	e.state.Metrics.AvgQuality = e.state.Accumulators.QualitySum / n
	e.touchLocked()
}

// RecordCorrection counts one user correction.
func (e *Engine) RecordCorrection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Metrics.Corrections++
	e.touchLocked()
}

// RecordReflectionCycle counts one completed reflection cycle.
func (e *Engine) RecordReflectionCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Metrics.ReflectionCycles++
	e.touchLocked()
}

// Check advances at most one stage when every threshold of the next
// stage holds, returning the transition or nil.
func (e *Engine) Check() *Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.state.Metrics.Stage
	if current >= len(Stages) {
		return nil
	}
	next := StageByLevel(current + 1)
	m := e.state.Metrics
	if m.Interactions < next.MinInteractions ||
		m.Corrections < next.MinCorrections ||
		m.ReflectionCycles < next.MinCycles ||
		m.AvgResonance < next.MinResonance ||
		m.AvgQuality < next.MinQuality {
		return nil
	}

	e.state.Metrics.Stage = next.Level
	transition := Transition{
		FromStage: current,
		ToStage:   next.Level,
		Timestamp: float64(e.now().UnixNano()) / 1e9,
		Metrics:   e.state.Metrics,
	}
	e.state.History = append(e.state.History, transition)
	e.state.LastEvolutionAt = transition.Timestamp
	e.touchLocked()
	return &transition
}

// Save writes the state atomically (temp file + rename).
func (e *Engine) Save() error {
	e.mu.Lock()
	data, err := json.MarshalIndent(e.state, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal evolution state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create evolution state dir: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write evolution state: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return fmt.Errorf("replace evolution state: %w", err)
	}
	return nil
}

func (e *Engine) touchLocked() {
	e.state.UpdatedAt = float64(e.now().UnixNano()) / 1e9
}
