package util

import (
	"errors"
	"strings"
)

var (
	ErrPhoneEmpty  = errors.New("phone number is empty")
	ErrPhoneLength = errors.New("phone number must have 7 to 15 digits")
	ErrPhoneShort  = errors.New("phone number too short without country code")
)

// DefaultCountryCode is prepended to national numbers without a known prefix.
const DefaultCountryCode = "1"

var countryCodes = []string{
	"1", "44", "49", "33", "39", "34", "55", "91", "61", "81",
	"86", "7", "52", "54", "27", "234", "254", "20", "966", "971",
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalPhone returns the E.164 digits (no '+') used as a WhatsApp id.
func CanonicalPhone(p string) (string, error) {
	d := DigitsOnly(p)
	if d == "" {
		return "", ErrPhoneEmpty
	}
	if len(d) < 7 || len(d) > 15 {
		return "", ErrPhoneLength
	}
	if len(d) >= 10 && hasCountryCode(d) {
		return d, nil
	}
	if len(d) < 10 {
		return "", ErrPhoneShort
	}
	d = DefaultCountryCode + d
	if len(d) > 15 {
		return "", ErrPhoneLength
	}
	return d, nil
}

func hasCountryCode(d string) bool {
	for _, cc := range countryCodes {
		if strings.HasPrefix(d, cc) {
			return true
		}
	}
	return false
}
