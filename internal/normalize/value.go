package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"planfixsync/internal/analytic"
)

// Warning reports a value that could not be converted to its column domain.
// It is non-fatal: the value resolves to NULL and the batch continues.
type Warning struct {
	Value  string
	Domain analytic.Domain
	Reason string
}

func (w *Warning) Error() string {
	return fmt.Sprintf("normalize: cannot convert %q to %s: %s", w.Value, w.Domain, w.Reason)
}

// boolLiterals is the fixed set of accepted boolean spellings (lower-case).
var boolLiterals = map[string]bool{
	"true":  true,
	"false": false,
	"да":    true,
	"нет":   false,
	"1":     true,
	"0":     false,
}

// Value converts raw to the typed representation of domain.
//
//   - INTEGER   -> int64
//   - NUMERIC   -> canonical decimal string using '.' ("12,50" -> "12.50")
//   - BOOLEAN   -> bool
//   - TEXT, TIMESTAMP -> raw, unchanged
//
// Empty numeric/boolean input yields nil with no error. Input that cannot be
// converted yields nil and a *Warning.
func Value(raw string, domain analytic.Domain) (any, error) {
	switch domain {
	case analytic.DomainInteger:
		num, ok := CleanNumber(raw)
		if num == "" {
			return nil, nil
		}
		if !ok {
			return nil, &Warning{Value: raw, Domain: domain, Reason: "not a number"}
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return nil, &Warning{Value: raw, Domain: domain, Reason: "not an integer"}
		}
		return n, nil

	case analytic.DomainNumeric:
		num, ok := CleanNumber(raw)
		if num == "" {
			return nil, nil
		}
		if !ok {
			return nil, &Warning{Value: raw, Domain: domain, Reason: "not a number"}
		}
		return num, nil

	case analytic.DomainBoolean:
		v, ok := ParseBool(raw)
		if ok {
			return v, nil
		}
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		return nil, &Warning{Value: raw, Domain: domain, Reason: "not a boolean literal"}

	default:
		return raw, nil
	}
}

// CleanNumber strips interior spaces and turns a decimal comma into a dot.
// It returns the cleaned string and whether it is a valid decimal literal.
// A blank input returns ("", false).
func CleanNumber(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			// includes NBSP used as a thousands separator
		case r == ',':
			b.WriteByte('.')
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return "", false
	}
	return s, isDecimal(s)
}

// isDecimal accepts [+-]digits[.digits] and [+-].digits.
func isDecimal(s string) bool {
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
			if dots > 1 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return digits > 0
}

// ParseBool maps the fixed boolean literal set, case-insensitively.
func ParseBool(raw string) (value bool, ok bool) {
	v, ok := boolLiterals[strings.ToLower(strings.TrimSpace(raw))]
	return v, ok
}

// timestampLayouts are tried in order. Single-digit day/month layouts also
// accept zero-padded input.
var timestampLayouts = []string{
	"2-1-2006 15:04",
	"2-1-2006",
	"2006-1-2",
	"2.1.2006",
	"2/1/2006",
	"2.1.2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseTimestamp parses raw using the fixed set of date/time layouts Planfix
// emits. Parsed values are in UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
