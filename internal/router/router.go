// Package router implements the C7 Intent Router: a pure function from
// message + context to an Intent, with no I/O and no hidden state, so it
// can be unit tested exhaustively without mocking anything.
package router

import "strings"

// Intent is the routing decision C11 acts on.
type Intent string

const (
	IntentExplicitCommand   Intent = "explicit_command"
	IntentHighComplexity    Intent = "high_complexity"
	IntentMediumComplexity  Intent = "medium_complexity"
	IntentSimpleTask        Intent = "simple_task"
	IntentQA                Intent = "qa"
)

// Context carries the request-scoped facts Classify may consult beyond
// the message text. Kept minimal and growable without breaking existing
// callers.
type Context struct {
	// ClassifierConfidence, if non-nil, is an ML classifier's confidence
	// in its own suggested intent. Per §4.7, confidence below
	// Config.ConfidenceFloor must fall back to full orchestration
	// regardless of what the classifier suggested.
	ClassifierConfidence *float64
}

// Classify routes message deterministically per §4.7's priority order:
// explicit_command > high_complexity > medium_complexity > simple_task >
// qa, with ties breaking toward the lower-complexity intent.
func Classify(message string, ctx Context, cfg Config) Intent {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(trimmed, cfg.ExplicitCommandPrefix) {
		return IntentExplicitCommand
	}

	// A classifier too unsure of itself always falls back to full
	// orchestration, ahead of every rule except the explicit-command
	// prefix checked above.
	if belowConfidenceFloor(ctx, cfg) {
		return IntentHighComplexity
	}

	multiStepMarkers := countMultiStepMarkers(lower, cfg.MultiStepMarkers)
	hasExecutionKeyword := startsWithExecutionKeyword(lower, cfg.ExecutionKeywords)

	if multiStepMarkers >= 2 || (hasExecutionKeyword && multiStepMarkers >= 1) {
		return IntentHighComplexity
	}

	if hasExecutionKeyword {
		return IntentMediumComplexity
	}

	if matchesAny(lower, cfg.SearchPatterns) {
		return IntentSimpleTask
	}

	return IntentQA
}

func belowConfidenceFloor(ctx Context, cfg Config) bool {
	return ctx.ClassifierConfidence != nil && cfg.ConfidenceFloor > 0 && *ctx.ClassifierConfidence < cfg.ConfidenceFloor
}

func countMultiStepMarkers(lower string, markers []string) int {
	count := 0
	for _, marker := range markers {
		count += strings.Count(lower, marker)
	}
	return count
}

func startsWithExecutionKeyword(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.HasPrefix(lower, kw) {
			return true
		}
		if strings.Contains(lower, " "+kw+" ") || strings.Contains(lower, " "+kw) {
			return true
		}
	}
	return false
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
