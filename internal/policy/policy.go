// Package policy implements the block-rule engine: pure, deterministic
// matching of block patterns against the string leaves of a tool call's
// argument structure.
package policy

import (
	"sort"
	"strings"
)

// Result holds the outcome of evaluating block patterns against arguments.
type Result struct {
	Blocked bool
	Pattern string // the pattern that matched, when Blocked
}

// Evaluate checks whether any configured pattern appears, case-insensitively,
// in any string value reachable from args. Patterns are tried in list order
// and the first hit wins; an empty pattern list never blocks.
//
// args is an arbitrary decoded JSON value (map, slice, scalar, or nil).
// Non-string leaves contribute nothing to the match.
func Evaluate(args any, patterns []string) Result {
	if len(patterns) == 0 {
		return Result{}
	}

	leaves := stringLeaves(args, nil)
	if len(leaves) == 0 {
		return Result{}
	}

	folded := make([]string, len(leaves))
	for i, leaf := range leaves {
		folded[i] = strings.ToLower(leaf)
	}

	for _, pattern := range patterns {
		needle := strings.ToLower(pattern)
		for _, leaf := range folded {
			if strings.Contains(leaf, needle) {
				return Result{Blocked: true, Pattern: pattern}
			}
		}
	}
	return Result{}
}

// stringLeaves collects every string value reachable from v by descending
// through maps and slices. Map keys are visited in sorted order so the
// collection order is deterministic.
func stringLeaves(v any, acc []string) []string {
	switch t := v.(type) {
	case string:
		return append(acc, t)
	case []any:
		for _, elem := range t {
			acc = stringLeaves(elem, acc)
		}
		return acc
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = stringLeaves(t[k], acc)
		}
		return acc
	default:
		// numbers, booleans, nil: no string leaves
		return acc
	}
}
