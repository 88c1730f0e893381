package identity

import (
	"regexp"
	"strings"

	"github.com/Napageneral/commsledger/internal/record"
)

// DomesticCountryCode is prefixed to 10-digit numbers.
const DomesticCountryCode = "1"

const (
	KindEmail = "email"
	KindPhone = "phone"
)

// Alias is one identity signal. Kind is "email", "phone", or a platform name,
// in which case Value is the platform id.
type Alias struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Key renders the alias as "kind:value", e.g. "email:a@example.com" or
// "imessage:+15551234567".
func (a Alias) Key() string {
	return a.Kind + ":" + a.Value
}

// NormalizePhone strips everything except digits and '+'. Numbers already in
// international form pass through; a 10-digit number gets the domestic
// country code; an 11-digit number starting with the domestic code, or any
// longer number, gets a leading '+'. Shorter numbers are returned as digits.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return "+" + strings.ReplaceAll(cleaned[1:], "+", "")
	}
	digits := strings.ReplaceAll(cleaned, "+", "")
	switch {
	case len(digits) == 10:
		return "+" + DomesticCountryCode + digits
	case len(digits) == 11 && strings.HasPrefix(digits, DomesticCountryCode):
		return "+" + digits
	case len(digits) > 11:
		return "+" + digits
	default:
		return digits
	}
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	email = strings.TrimPrefix(email, "mailto:")
	return strings.Trim(email, "<>")
}

var phoneShape = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

func looksLikePhone(s string) bool {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '-', '(', ')', '.':
			continue
		}
		b.WriteRune(r)
	}
	return phoneShape.MatchString(b.String())
}

// Aliases lists the identity signals of p in lookup order: platform id,
// email, phone. A platform id shaped like an email or phone number also
// yields that signal.
func Aliases(p record.Person) []Alias {
	var out []Alias
	seen := map[string]struct{}{}
	add := func(a Alias) {
		if a.Value == "" {
			return
		}
		if _, ok := seen[a.Key()]; ok {
			return
		}
		seen[a.Key()] = struct{}{}
		out = append(out, a)
	}

	if id := strings.TrimSpace(p.PlatformID); id != "" {
		add(Alias{Kind: string(p.Platform), Value: id})
	}

	if p.Email != "" {
		add(Alias{Kind: KindEmail, Value: NormalizeEmail(p.Email)})
	}
	if record.IsValidEmail(p.PlatformID) {
		add(Alias{Kind: KindEmail, Value: NormalizeEmail(p.PlatformID)})
	}

	if p.Phone != "" {
		add(Alias{Kind: KindPhone, Value: NormalizePhone(p.Phone)})
	}
	if looksLikePhone(p.PlatformID) {
		add(Alias{Kind: KindPhone, Value: NormalizePhone(p.PlatformID)})
	}
	return out
}

// ParseAliasKey reverses Alias.Key for "email:x", "phone:x" and
// "<platform>:<id>" strings.
func ParseAliasKey(key string) (Alias, bool) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return Alias{}, false
	}
	kind, value := key[:i], key[i+1:]
	switch kind {
	case KindEmail:
		return Alias{Kind: kind, Value: NormalizeEmail(value)}, true
	case KindPhone:
		return Alias{Kind: kind, Value: NormalizePhone(value)}, true
	}
	if !record.Platform(kind).Valid() {
		return Alias{}, false
	}
	return Alias{Kind: kind, Value: value}, true
}
