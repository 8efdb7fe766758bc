// Package phone normalizes phone numbers into the canonical form used across
// the CRM, the helpdesk, and the messenger gateways.
package phone

import "strings"

// Normalize strips everything but digits and returns the number in
// international form. Russian numbers starting with 7 or 8 are rewritten to
// the +7 prefix; anything else keeps its digits verbatim behind a plus.
func Normalize(raw string) string {
	digits := Digits(raw)
	if digits == "" {
		return ""
	}
	if digits[0] == '7' || digits[0] == '8' {
		return "+7" + digits[1:]
	}
	return "+" + digits
}

// Identifier returns the helpdesk contact identifier for a phone number:
// the normalized digits without the leading plus.
func Identifier(raw string) string {
	return strings.TrimPrefix(Normalize(raw), "+")
}

// Digits returns only the digit characters of raw.
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Variants returns the spellings of a Russian number worth trying when
// matching against externally entered data (CRM duplicate search).
func Variants(raw string) []string {
	digits := Digits(raw)
	var base string
	switch {
	case strings.HasPrefix(digits, "7"), strings.HasPrefix(digits, "8"):
		base = digits[1:]
	default:
		base = digits
	}
	if base == "" {
		return nil
	}
	return []string{"+7" + base, "7" + base, "8" + base}
}
