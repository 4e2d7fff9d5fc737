// Package phone canonicalizes Ukrainian mobile numbers. Every other package
// keys identities by the canonical "+380XXXXXXXXX" form produced here.
package phone

import (
	"errors"
	"strings"
)

const (
	CountryCode      = "380"
	subscriberDigits = 9
)

var ErrInvalidPhone = errors.New("invalid phone number")

// mobilePrefixes maps the national 3-digit prefix to its operator. The list is
// closed: landline and unknown prefixes are rejected.
var mobilePrefixes = map[string]string{
	"039": "Kyivstar",
	"050": "Vodafone",
	"066": "Vodafone",
	"075": "Vodafone",
	"095": "Vodafone",
	"099": "Vodafone",
	"067": "Kyivstar",
	"068": "Kyivstar",
	"077": "Kyivstar",
	"096": "Kyivstar",
	"097": "Kyivstar",
	"098": "Kyivstar",
	"063": "lifecell",
	"073": "lifecell",
	"093": "lifecell",
	"091": "3Mob",
	"092": "PEOPLEnet",
	"094": "Intertelecom",
}

// Normalize strips every non-digit and accepts the local (0XXXXXXXXX),
// international without plus (380XXXXXXXXX) and bare subscriber (XXXXXXXXX)
// forms. It does not check the operator prefix; see Validate.
func Normalize(raw string) (string, error) {
	digits := digitsOnly(raw)

	var subscriber string
	switch {
	case len(digits) == len(CountryCode)+subscriberDigits && strings.HasPrefix(digits, CountryCode):
		subscriber = digits[len(CountryCode):]
	case len(digits) == subscriberDigits+1 && digits[0] == '0':
		subscriber = digits[1:]
	case len(digits) == subscriberDigits:
		subscriber = digits
	default:
		return "", ErrInvalidPhone
	}

	if subscriber[0] == '0' {
		return "", ErrInvalidPhone
	}

	return "+" + CountryCode + subscriber, nil
}

// Validate reports whether raw normalizes to a number on a known mobile prefix
func Validate(raw string) bool {
	canonical, err := Normalize(raw)
	if err != nil {
		return false
	}
	_, ok := mobilePrefixes[nationalPrefix(canonical)]
	return ok
}

// NormalizeMobile normalizes and validates in one step
func NormalizeMobile(raw string) (string, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if _, ok := mobilePrefixes[nationalPrefix(canonical)]; !ok {
		return "", ErrInvalidPhone
	}
	return canonical, nil
}

// Operator returns the carrier name for a canonical number, or "" if unknown
func Operator(canonical string) string {
	return mobilePrefixes[nationalPrefix(canonical)]
}

// Mask hides the middle digits, e.g. +380*****4567
func Mask(canonical string) string {
	if len(canonical) < 8 {
		return strings.Repeat("*", len(canonical))
	}
	head := len(CountryCode) + 1
	tail := 4
	return canonical[:head] + strings.Repeat("*", len(canonical)-head-tail) + canonical[len(canonical)-tail:]
}

func nationalPrefix(canonical string) string {
	const start = len("+" + CountryCode)
	if len(canonical) != start+subscriberDigits || !strings.HasPrefix(canonical, "+"+CountryCode) {
		return ""
	}
	return "0" + canonical[start:start+2]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
