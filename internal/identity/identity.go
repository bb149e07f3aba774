// Package identity canonicalizes requester identifiers so that quota
// accounting sees one identity per person regardless of input formatting.
package identity

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// Kind is the detected shape of a requester identifier.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
	KindOther Kind = "other"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// Normalizer canonicalizes requester identifiers.
type Normalizer struct {
	countryCode string
}

// NewNormalizer returns a Normalizer that prefixes national phone numbers
// with countryCode. Leading '+' and zeros in countryCode are ignored.
func NewNormalizer(countryCode string) *Normalizer {
	return &Normalizer{countryCode: strings.TrimLeft(strings.TrimSpace(countryCode), "+0")}
}

// Normalize returns the canonical form of raw:
//
//	e-mail  -> trimmed, lower-cased
//	phone   -> +<country><national>, separators stripped, leading 0 dropped
//	other   -> trimmed
func (n *Normalizer) Normalize(raw string) (string, Kind, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", fmt.Errorf("%w: requester id is required", model.ErrInvalidInput)
	}

	if strings.Contains(s, "@") {
		return strings.ToLower(s), KindEmail, nil
	}

	if looksLikePhone(s) {
		return n.normalizePhone(s), KindPhone, nil
	}

	return s, KindOther, nil
}

func (n *Normalizer) normalizePhone(s string) string {
	international := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)

	switch {
	case international:
		return "+" + strings.TrimPrefix(digits, "00")
	case n.countryCode != "" && strings.HasPrefix(digits, n.countryCode) && len(digits) > minPhoneDigits+len(n.countryCode)-1:
		return "+" + digits
	case n.countryCode != "":
		return "+" + n.countryCode + strings.TrimPrefix(digits, "0")
	}
	return digits
}

// looksLikePhone accepts digits plus common separators, with 7 to 15 digits.
func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}
