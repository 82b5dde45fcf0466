package scoring

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// editSimilarity is 1 - distance/maxLen over runes. Two empty strings are identical.
func editSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return clamp01(1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest))
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// UsernameSimilarity compares lower-cased, trimmed usernames.
func UsernameSimilarity(a, b string) float64 {
	return editSimilarity(normalizeUsername(a), normalizeUsername(b))
}

// normalizeDisplayName keeps only letters and digits, lower-cased, so that
// spacing and punctuation tricks ("J.o.h.n  Doe") collapse onto the original.
func normalizeDisplayName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// DisplayNameSimilarity compares display names after stripping non-alphanumerics.
// ok is false when either side has nothing left to compare.
func DisplayNameSimilarity(a, b string) (score float64, ok bool) {
	na, nb := normalizeDisplayName(a), normalizeDisplayName(b)
	if na == "" || nb == "" {
		return 0, false
	}
	return editSimilarity(na, nb), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
