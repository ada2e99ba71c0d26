// Package formats implements format-preference ranking: the position of a
// suffix in the configured preference list, lower being better.
package formats

import "strings"

// Rank returns the best (lowest) preference-list index among the given
// suffixes. ok is false when none of the suffixes appear in the list.
func Rank(preferred []string, suffixes []string) (int, bool) {
	for i, want := range preferred {
		for _, have := range suffixes {
			if have == want {
				return i, true
			}
		}
	}
	return 0, false
}

// Select picks the most preferred suffix present among the file names, or ""
// when no file matches the list. File names are compared case-insensitively
// against ".<suffix>" endings.
func Select(preferred []string, fileNames []string) string {
	for _, suffix := range preferred {
		ending := "." + suffix
		for _, name := range fileNames {
			if strings.HasSuffix(strings.ToLower(name), ending) {
				return suffix
			}
		}
	}
	return ""
}

// Suffix extracts the lowercased extension of a file name without the dot.
func Suffix(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
