package router

// Config holds every keyword table Classify consults as plain data,
// never as magic strings embedded in branch conditions — matching
// core/config.go's struct-of-config idiom and Design Notes §9's
// direction to keep the "closed set" of routing keywords in a
// configuration structure so it stays testable and editable without
// touching Classify's control flow.
type Config struct {
	// ExplicitCommandPrefix marks an explicit_command message.
	ExplicitCommandPrefix string

	// MultiStepMarkers are substrings whose combined count (>=2) signals
	// high_complexity.
	MultiStepMarkers []string

	// ExecutionKeywords is the open set of verbs that, alone, signal
	// medium_complexity, or combined with a multi-step marker signal
	// high_complexity.
	ExecutionKeywords []string

	// SearchPatterns are substrings that signal simple_task.
	SearchPatterns []string

	// ConfidenceFloor is the minimum confidence an ML classifier
	// substituted for this rule set must report; below it, Classify
	// forces high_complexity regardless of everything else. Zero
	// disables the check (the default, pure-keyword behavior).
	ConfidenceFloor float64
}

// DefaultConfig is the keyword table named directly in §4.7.
func DefaultConfig() Config {
	return Config{
		ExplicitCommandPrefix: "/execute",
		MultiStepMarkers: []string{
			"and then", "then", ", and", ", then", "after that", "after",
		},
		ExecutionKeywords: []string{
			"implement", "create", "build", "add", "write", "develop", "fix",
			"refactor", "modify", "change", "edit", "delete", "deploy",
			"setup", "configure", "migrate", "update", "remove", "improve",
			"optimize", "enhance",
		},
		SearchPatterns: []string{
			"what files", "where is", "where are", "show me", "list ",
			"find ", "search for",
		},
	}
}
