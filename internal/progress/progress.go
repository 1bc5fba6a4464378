// Package progress turns structured progress reports and free-form engine
// text into a normalised percentage with a description.
package progress

import (
	"math"
	"strings"
)

// Category names the pattern family a progress report came from.
type Category string

const (
	CategoryPercentage Category = "percentage"
	CategoryPhase      Category = "phase"
	CategoryIteration  Category = "iteration"
	CategoryTimeStep   Category = "time-step"
	CategoryFraction   Category = "fraction"
	CategoryStep       Category = "step"
	CategoryCompletion Category = "completion"
	CategoryUnknown    Category = "unknown"
)

// Info is one normalised progress report.
type Info struct {
	Percentage  float64  `json:"percentage"`
	Description string   `json:"description"`
	Source      string   `json:"source,omitempty"`
	Category    Category `json:"category"`
}

// New builds an Info with the percentage clamped to [0, 100].
func New(percentage float64, description, source string, category Category) Info {
	return Info{
		Percentage:  clamp(percentage),
		Description: description,
		Source:      source,
		Category:    category,
	}
}

// IsCompletion reports whether the report marks the end of the work.
func (i Info) IsCompletion() bool {
	return i.Category == CategoryCompletion || i.Percentage >= 100
}

const defaultDescription = "Processing..."

// FromStructured converts a decoded progress payload, which always carries
// a percentage. An empty step falls back to a generic description.
func FromStructured(percent float64, step string) Info {
	if strings.TrimSpace(step) == "" {
		step = defaultDescription
	}
	return New(percent, step, "", CategoryPercentage)
}

// Describe prefixes the step with the activity implied by the command name:
// "Loading: " for model loads, "Simulating: " for simulation runs.
func Describe(command, step string) string {
	if strings.TrimSpace(step) == "" {
		return defaultDescription
	}
	c := strings.ToLower(command)
	switch {
	case strings.Contains(c, "load"):
		return "Loading: " + step
	case strings.Contains(c, "simulation"):
		return "Simulating: " + step
	case strings.Contains(c, "optimis"), strings.Contains(c, "optimiz"):
		return "Optimising: " + step
	default:
		return step
	}
}

func clamp(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
