package agent

import "strings"

// Complexity buckets a task for model routing.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexityLow     Complexity = "low"
	ComplexityMedium  Complexity = "medium"
	ComplexityHigh    Complexity = "high"
)

// ModelRoute is the spawn budget for one complexity bucket.
type ModelRoute struct {
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
}

var routes = map[Complexity]ModelRoute{
	ComplexityTrivial: {Model: "claude-3-5-haiku-latest", MaxTurns: 10, MaxBudgetUSD: 0.50},
	ComplexityLow:     {Model: "claude-3-5-haiku-latest", MaxTurns: 20, MaxBudgetUSD: 1.00},
	ComplexityMedium:  {Model: "claude-sonnet-4-5", MaxTurns: 40, MaxBudgetUSD: 5.00},
	ComplexityHigh:    {Model: "claude-opus-4-1", MaxTurns: 80, MaxBudgetUSD: 15.00},
}

var complexityKeywords = map[Complexity][]string{
	ComplexityTrivial: {"typo", "rename", "comment", "whitespace", "format"},
	ComplexityLow:     {"update", "bump", "docs", "readme", "config", "small"},
	ComplexityHigh: {"architecture", "refactor", "redesign", "migrate", "migration",
		"security", "concurrency", "distributed", "protocol"},
}

// Classify buckets a task from an explicit context hint when present, else
// from keyword heuristics over name and description. Unmatched tasks are
// medium.
func Classify(hint, name, description string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(hint))) {
	case ComplexityTrivial, ComplexityLow, ComplexityMedium, ComplexityHigh:
		return Complexity(strings.ToLower(strings.TrimSpace(hint)))
	}
	text := strings.ToLower(name + " " + description)
	for _, c := range []Complexity{ComplexityHigh, ComplexityTrivial, ComplexityLow} {
		for _, kw := range complexityKeywords[c] {
			if strings.Contains(text, kw) {
				return c
			}
		}
	}
	return ComplexityMedium
}

// Route maps a complexity bucket to its spawn budget.
func Route(c Complexity) ModelRoute {
	if r, ok := routes[c]; ok {
		return r
	}
	return routes[ComplexityMedium]
}
