package catalog

import (
	"sort"
	"strings"
)

// Config holds catalog selection data as configuration structures rather
// than magic strings scattered through branch conditions — the same
// struct-of-config idiom core/config.go uses for the framework's own
// settings, and the approach Design Notes §9 asks for specifically so
// keyword tables stay testable.
type Config struct {
	// KeywordServerPriority maps a lowercase keyword to the servers whose
	// tools should be pulled in when a task description contains it,
	// ordered by priority (highest first). Generalizes
	// micro_resolver.go's keyword-to-capability matching from a single
	// agent's tool list to a catalog-wide server selection.
	KeywordServerPriority map[string][]string

	// AgentPriorityServers maps an agent id to the servers always
	// included for that agent under the progressive strategy, in
	// addition to whatever minimal selects.
	AgentPriorityServers map[string][]string
}

// matchedServers returns the servers named by every keyword in cfg that
// appears in task, deduplicated: keywords are visited in alphabetical
// order, and each keyword's servers are taken in its declared priority
// order. Keyword matching is case-insensitive substring containment; the
// alphabetical walk over the table's keys is stable (insertion-independent)
// so the same task always yields the same server list.
func matchedServers(cfg Config, task string) []string {
	lowerTask := strings.ToLower(task)

	keywords := make([]string, 0, len(cfg.KeywordServerPriority))
	for k := range cfg.KeywordServerPriority {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	seen := make(map[string]bool)
	var servers []string
	for _, kw := range keywords {
		if !strings.Contains(lowerTask, kw) {
			continue
		}
		for _, server := range cfg.KeywordServerPriority[kw] {
			if seen[server] {
				continue
			}
			seen[server] = true
			servers = append(servers, server)
		}
	}
	return servers
}
