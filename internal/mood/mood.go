// Package mood implements the bounded, thresholded state machine that
// converts a stream of signed point deltas into a small discrete mood
// with auditable history.
package mood

import "time"

// Mood is one of the fixed, totally ordered discrete states the point
// score maps to.
type Mood string

const (
	Elated     Mood = "elated"
	Neutral    Mood = "neutral"
	Distressed Mood = "distressed"
	Alarmed    Mood = "alarmed"
)

const (
	// MinPoints and MaxPoints bound the score.
	MinPoints = -100
	MaxPoints = 100

	// MinDelta and MaxDelta bound a single client-supplied delta.
	// Enforcement happens at the API boundary; the engine itself
	// accepts any delta and clamps the resulting points.
	MinDelta = -10
	MaxDelta = 10

	// ResetReason tags the history entry appended by Reset.
	ResetReason = "manual reset"
)

// ForPoints maps a point score onto its mood band. The bands partition
// [MinPoints, MaxPoints] into contiguous, non-overlapping ranges.
func ForPoints(points int) Mood {
	switch {
	case points >= 50:
		return Elated
	case points >= 0:
		return Neutral
	case points >= -50:
		return Distressed
	default:
		return Alarmed
	}
}

func clampPoints(points int) int {
	if points > MaxPoints {
		return MaxPoints
	}
	if points < MinPoints {
		return MinPoints
	}
	return points
}

// HistoryEntry records the mood and points held before a transition,
// with the reason that caused it.
type HistoryEntry struct {
	Mood      Mood      `json:"mood"`
	Points    int       `json:"points"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// State is the externally visible mood state.
type State struct {
	Current     Mood           `json:"current"`
	Points      int            `json:"points"`
	LastUpdated time.Time      `json:"last_updated"`
	History     []HistoryEntry `json:"history"`
}

// Modifiers are the response-shaping parameters derived from the current
// mood. Neutral maps to identity values.
type Modifiers struct {
	DelayMs    int     `json:"delay_ms"`
	Confidence float64 `json:"confidence"`
	Verbosity  float64 `json:"verbosity"`
}

var modifierTable = map[Mood]Modifiers{
	Elated:     {DelayMs: 0, Confidence: 1.2, Verbosity: 1.3},
	Neutral:    {DelayMs: 0, Confidence: 1.0, Verbosity: 1.0},
	Distressed: {DelayMs: 400, Confidence: 0.8, Verbosity: 0.7},
	Alarmed:    {DelayMs: 1200, Confidence: 0.5, Verbosity: 0.4},
}

// ModifiersFor returns the response modifiers for a mood. The lookup is
// total over the mood enum; unknown values fall back to neutral.
func ModifiersFor(m Mood) Modifiers {
	if mods, ok := modifierTable[m]; ok {
		return mods
	}
	return modifierTable[Neutral]
}
