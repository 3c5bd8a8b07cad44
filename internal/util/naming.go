package util

import (
	"strings"
	"unicode"
)

// SafeKey strips characters that are not safe in object-storage keys or
// local paths, collapsing runs of whitespace into single spaces. Slashes
// are removed rather than replaced so callers control the key hierarchy.
func SafeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := false
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r == '\x00':
			// dropped
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// FolderName converts a title into a filesystem-friendly directory name.
func FolderName(title string) string {
	return strings.ReplaceAll(SafeKey(title), " ", "_")
}
