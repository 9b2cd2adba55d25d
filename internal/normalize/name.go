// Package normalize maps Planfix field names to storage-safe identifiers and
// raw field values to typed values for their inferred domain.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxIdentLen matches the Postgres identifier limit (NAMEDATALEN-1).
const maxIdentLen = 63

// latinFolds covers lower-case letters whose canonical decomposition does
// not yield an ASCII base letter.
var latinFolds = map[rune]string{
	'ł': "l",
	'ß': "ss",
	'æ': "ae",
	'ø': "o",
	'đ': "d",
	'œ': "oe",
}

// Name converts a human-readable field name into a column identifier.
//
// Rules, applied in order:
//   - the name is lower-cased
//   - extended-Latin letters are folded to ASCII (ą→a, ł→l, ż→z, ...)
//   - whitespace, '-', '.' and ',' become '_'
//   - '%' becomes "procent"
//   - any other rune that is not a letter, digit or '_' is dropped
//   - the identifier is cut to 63 bytes on a rune boundary
//
// Letters of non-Latin scripts (e.g. Cyrillic) are kept as they are.
// Name is idempotent: Name(Name(s)) == Name(s).
func Name(raw string) string {
	s := foldLatin(strings.ToLower(strings.TrimSpace(raw)))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '%':
			b.WriteString("procent")
		case unicode.IsSpace(r) || r == '-' || r == '.' || r == ',':
			b.WriteByte('_')
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return truncate(b.String(), maxIdentLen)
}

// foldLatin replaces accented Latin letters with their ASCII base letters.
// Runes outside the Latin script pass through untouched.
func foldLatin(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < utf8.RuneSelf || !unicode.Is(unicode.Latin, r) {
			b.WriteRune(r)
			continue
		}
		if f, ok := latinFolds[r]; ok {
			b.WriteString(f)
			continue
		}
		b.WriteString(stripMarks(string(r)))
	}
	return b.String()
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
