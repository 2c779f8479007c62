package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolName generates a flat, namespaced tool name from a server name
// and tool name: "mcp_{server}_{tool}". Both components are sanitized
// to contain only lowercase alphanumeric characters and underscores, so
// the result is safe to hand to a model's function-calling interface.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize lowercases a name, replaces non-alphanumeric characters with
// underscores, collapses runs of underscores, and trims leading and
// trailing underscores.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// filterTools applies a server's include and exclude lists. A non-empty
// include list wins; otherwise excluded names are dropped.
func filterTools(defs []ToolDefinition, include, exclude []string) []ToolDefinition {
	if len(include) == 0 && len(exclude) == 0 {
		return defs
	}
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	out := make([]ToolDefinition, 0, len(defs))
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
