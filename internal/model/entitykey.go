package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// keyFolder decomposes to NFKD and strips combining marks, so accented
// variants of the same name collapse to one key ("Å" -> "A").
var keyFolder = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// EntityKey canonicalizes a free-form entity hint into the cache key:
// diacritics stripped, case folded, punctuation collapsed to single
// spaces, surrounding whitespace trimmed. "Wärtsilä W-31/DF" and
// "wartsila w 31 df" produce the same key.
func EntityKey(hint string) string {
	folded, _, err := transform.String(keyFolder, hint)
	if err != nil {
		folded = hint
	}
	folded = cases.Fold().String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}
