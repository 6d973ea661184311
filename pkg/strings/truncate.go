package strings

import (
	"strings"
)

// MinTruncateLen is the minimum maxLen value for Truncate.
// Values smaller than this would not leave room for content plus "...".
const MinTruncateLen = 4

// Truncate collapses s onto a single line and shortens it to at most maxLen
// runes, appending "..." when anything was cut.
//
// maxLen values below MinTruncateLen are raised to MinTruncateLen.
func Truncate(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
