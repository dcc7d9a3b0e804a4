package catalog

// minimalTools resolves the minimal set: every tool belonging to a server
// matched by task's keywords against cfg.KeywordServerPriority. No lower or
// upper bound on the tool count is applied; the size is whatever the
// matched servers hold, and empty when no keyword matches.
func minimalTools(servers map[string][]ToolSchema, cfg Config, task string) []ToolSchema {
	var out []ToolSchema
	for _, server := range matchedServers(cfg, task) {
		out = append(out, servers[server]...)
	}
	sortTools(out)
	return out
}

// progressiveTools resolves the default set: the minimal set unioned with
// agentID's priority-server tools. As with minimalTools, the tool count is
// not bounded.
func progressiveTools(servers map[string][]ToolSchema, cfg Config, task, agentID string) []ToolSchema {
	minimal := minimalTools(servers, cfg, task)

	seen := make(map[string]bool, len(minimal))
	out := make([]ToolSchema, 0, len(minimal))
	for _, tool := range minimal {
		seen[tool.ID()] = true
		out = append(out, tool)
	}

	for _, server := range cfg.AgentPriorityServers[agentID] {
		for _, tool := range servers[server] {
			if seen[tool.ID()] {
				continue
			}
			seen[tool.ID()] = true
			out = append(out, tool)
		}
	}

	sortTools(out)
	return out
}
