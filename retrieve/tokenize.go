package retrieve

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "any": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "did": true, "do": true, "does": true,
	"for": true, "from": true, "had": true, "has": true, "have": true,
	"how": true, "in": true, "is": true, "it": true, "me": true, "of": true,
	"on": true, "or": true, "show": true, "that": true, "the": true,
	"there": true, "this": true, "to": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"why": true, "with": true,
}

var lower = cases.Lower(language.Und)

// Tokenize splits a query into normalized keyword tokens: NFC fold,
// lowercase, split on non-alphanumerics, stopwords dropped. Duplicates are
// removed, first occurrence order kept.
func Tokenize(query string) []string {
	normalized := lower.String(norm.NFC.String(query))
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_'
	})

	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		f = strings.Trim(f, "._")
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}
