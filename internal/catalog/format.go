package catalog

import "fmt"

// FormatForLLM renders tools as the human-readable block an LLM prompt
// embeds for a tool-calling round, the same shape
// orchestration/catalog.go's FormatToolsForLLM produces for its Tier 2
// schema retrieval.
func FormatForLLM(tools []ToolSchema) string {
	var out string
	for _, t := range tools {
		out += fmt.Sprintf("Tool: %s (server: %s)\n  Description: %s\n", t.Name, t.Server, t.Description)
		for name, schema := range t.Parameters {
			out += fmt.Sprintf("    Parameter: %s = %v\n", name, schema)
		}
	}
	return out
}
