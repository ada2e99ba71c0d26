package textutil

import "strings"

// pathComponentReplacer replaces filesystem-unsafe characters with safe
// alternatives. Separators become dashes so titles like "Fate/stay" survive.
var pathComponentReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
	"\x00", "",
)

// SanitizePathComponent makes a string safe to use as a single path segment.
// Separators, control characters, and NUL are removed or replaced, whitespace
// runs collapse to one space, and trailing dots and spaces are stripped.
// Returns "" when nothing printable remains.
func SanitizePathComponent(name string) string {
	name = pathComponentReplacer.Replace(name)

	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t':
			space = true
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}

	out := strings.TrimRight(b.String(), ". ")
	if out == "." || out == ".." {
		return ""
	}
	return out
}

// CollapseWhitespace folds runs of spaces and tabs into single spaces and trims
// the ends.
func CollapseWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
