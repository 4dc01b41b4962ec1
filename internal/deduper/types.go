package deduper

import (
	"fmt"
	"strings"
)

// ActionType describes the action taken for one duplicate.
type ActionType int

const (
	ActionHardlink ActionType = iota
	ActionSkipped             // Skipped due to error
)

// DedupeResult describes the outcome of a single link operation.
type DedupeResult struct {
	Source string     // Path kept
	Target string     // Path replaced
	Action ActionType // Hardlink or Skipped
	Err    error      // Non-nil if skipped
}

// String formats the result for display.
func (r *DedupeResult) String() string {
	switch r.Action {
	case ActionHardlink:
		return fmt.Sprintf("Replaced %s with hardlink to %s", escapePath(r.Target), escapePath(r.Source))
	case ActionSkipped:
		return fmt.Sprintf("skipped %s: %v", escapePath(r.Target), r.Err)
	default:
		return fmt.Sprintf("Unknown action for %s", escapePath(r.Target))
	}
}

var pathEscaper = strings.NewReplacer(
	"\t", "\\t",
	"\n", "\\n",
	"\r", "\\r",
)

// escapePath escapes control characters in paths for safe terminal output.
func escapePath(path string) string {
	return pathEscaper.Replace(path)
}
