package tiered

import "strings"

// globFromPattern derives the remote tier's KEYS glob from a memory-tier
// regular expression. A leading ^ anchor becomes a prefix glob
// ("^posts:123:" -> "posts:123:*"); anything else is matched as an infix.
// The mapping is lossy for patterns using richer regexp syntax, which is
// acceptable for invalidation: matching too broadly only costs extra fetches.
func globFromPattern(pattern string) string {
	glob := strings.TrimSuffix(pattern, "$")

	if anchored := strings.HasPrefix(glob, "^"); anchored {
		return strings.TrimPrefix(glob, "^") + "*"
	}
	return "*" + glob + "*"
}
