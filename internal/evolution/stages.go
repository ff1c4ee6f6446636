// Package evolution tracks the sidekick's growth through ten named
// stages. Advancement is strictly quantitative: every threshold of the
// next stage must hold, and the stage never decreases.
package evolution

// Stage is one level of the ladder with the thresholds required to
// reach it.
type Stage struct {
	Level           int     `json:"level"`
	Name            string  `json:"name"`
	MinInteractions int     `json:"min_interactions"`
	MinCorrections  int     `json:"min_corrections"`
	MinResonance    float64 `json:"min_resonance"`
	MinQuality      float64 `json:"min_quality"`
	MinCycles       int     `json:"min_cycles"` // reflection cycles
}

// Stages is the ladder, level 1 first. Index is level-1.
var Stages = []Stage{
	{Level: 1, Name: "Basic"},
	{Level: 2, Name: "Adaptive", MinInteractions: 25, MinCorrections: 5, MinResonance: 0.20, MinQuality: 0.40, MinCycles: 1},
	{Level: 3, Name: "Resonant", MinInteractions: 75, MinCorrections: 15, MinResonance: 0.35, MinQuality: 0.50, MinCycles: 3},
	{Level: 4, Name: "Creative", MinInteractions: 200, MinCorrections: 30, MinResonance: 0.45, MinQuality: 0.58, MinCycles: 7},
	{Level: 5, Name: "Insightful", MinInteractions: 500, MinCorrections: 60, MinResonance: 0.55, MinQuality: 0.65, MinCycles: 15},
	{Level: 6, Name: "Anticipatory", MinInteractions: 1000, MinCorrections: 100, MinResonance: 0.65, MinQuality: 0.72, MinCycles: 30},
	{Level: 7, Name: "Empathic", MinInteractions: 2000, MinCorrections: 150, MinResonance: 0.74, MinQuality: 0.78, MinCycles: 50},
	{Level: 8, Name: "Wise", MinInteractions: 4000, MinCorrections: 200, MinResonance: 0.82, MinQuality: 0.84, MinCycles: 80},
	{Level: 9, Name: "Transcendent", MinInteractions: 8000, MinCorrections: 300, MinResonance: 0.90, MinQuality: 0.90, MinCycles: 120},
	{Level: 10, Name: "God-like", MinInteractions: 15000, MinCorrections: 500, MinResonance: 0.95, MinQuality: 0.95, MinCycles: 200},
}

// StageByLevel returns the stage for a level, clamped to the ladder.
func StageByLevel(level int) Stage {
	if level < 1 {
		level = 1
	}
	if level > len(Stages) {
		level = len(Stages)
	}
	return Stages[level-1]
}
