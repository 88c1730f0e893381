package record

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxText bounds subject and body length when no limit is configured.
const DefaultMaxText = 1_000_000

var (
	idPattern    = regexp.MustCompile(`^[a-z]+:[A-Za-z0-9_.@+=-]+$`)
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-']+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// IsValidID reports whether id has the "<platform>:<source-local-id>" shape.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IsValidEmail is a shape check, not deliverability.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

var textReplacer = strings.NewReplacer("\x00", "", "\u2028", "", "\u2029", "")

// SanitizeText strips NUL and Unicode line/paragraph separators, repairs
// invalid UTF-8, and truncates to max runes with a trailing "...".
func SanitizeText(s string, max int) string {
	if s == "" {
		return s
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = textReplacer.Replace(s)
	if max > 0 && utf8.RuneCountInString(s) > max {
		keep := max - 3
		if keep < 0 {
			keep = 0
		}
		n := 0
		for i := range s {
			if n == keep {
				return s[:i] + "..."
			}
			n++
		}
	}
	return s
}
