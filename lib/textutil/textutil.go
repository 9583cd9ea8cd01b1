package textutil

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// quoteFolder maps typographic punctuation onto its ASCII equivalent.
// Platforms render the same notice with curly or straight quotes depending
// on locale and client, and a literal match on one variant silently misses
// the other.
var quoteFolder = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"‚", "'",
	"‛", "'",
	"′", "'",
	"“", `"`,
	"”", `"`,
	"„", `"`,
	"″", `"`,
	"‐", "-",
	"‑", "-",
	"‒", "-",
	"–", "-",
	"—", "-",
	"…", "...",
	" ", " ",
)

// Fold canonicalizes text for robust substring matching: NFKC
// normalization, punctuation folding, lowercasing and whitespace collapse.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	s = quoteFolder.Replace(s)
	s = strings.ToLower(s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ContainsFolded reports whether the folded haystack contains any of the
// folded needles.
func ContainsFolded(haystack string, needles []string) bool {
	folded := Fold(haystack)
	for _, needle := range needles {
		if strings.Contains(folded, Fold(needle)) {
			return true
		}
	}
	return false
}

// NormalizeName strips casing and whitespace from a username for
// comparison.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}
