// Package identity computes the normalized keys used to decide that two
// torrents carry the same work.
//
// Normalization is pure: lowercase, Unicode NFKC, punctuation stripped except
// '&', whitespace collapsed, leading articles dropped. Two tracked torrents
// are the same work when their keys match, their main categories match, and
// their author sets overlap.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var leadingArticles = []string{"the ", "a ", "an "}

// Normalize canonicalizes a single value (title, author, or series name) for
// identity comparison.
func Normalize(value string) string {
	value = norm.NFKC.String(value)
	value = strings.ToLower(value)

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '&':
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// apostrophes glue words: "don't" and "dont" are the same title
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		default:
			// other punctuation separates words
			b.WriteByte(' ')
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	for _, article := range leadingArticles {
		if strings.HasPrefix(out, article) {
			out = out[len(article):]
			break
		}
	}
	return out
}

// Key is the identity triple for one torrent: normalized authors, title, and
// series names. Keys with equal Title group candidates; SameWork refines the
// comparison.
type Key struct {
	Title   string
	Authors []string
	Series  []string
}

// NewKey builds a Key from raw metadata values.
func NewKey(title string, authors, series []string) Key {
	key := Key{Title: Normalize(title)}
	key.Authors = make([]string, 0, len(authors))
	for _, author := range authors {
		if normalized := Normalize(author); normalized != "" {
			key.Authors = append(key.Authors, normalized)
		}
	}
	key.Series = make([]string, 0, len(series))
	for _, name := range series {
		if normalized := Normalize(name); normalized != "" {
			key.Series = append(key.Series, normalized)
		}
	}
	return key
}

// SameWork reports whether two keys identify the same work: equal titles and
// at least one shared author (two empty author lists also match). Series lists
// must not conflict: when both are non-empty they must share an entry.
func SameWork(a, b Key) bool {
	if a.Title == "" || a.Title != b.Title {
		return false
	}
	if !overlaps(a.Authors, b.Authors) {
		return false
	}
	if len(a.Series) > 0 && len(b.Series) > 0 && !overlaps(a.Series, b.Series) {
		return false
	}
	return true
}

func overlaps(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
