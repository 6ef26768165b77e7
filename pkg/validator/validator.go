package validator

import (
	"regexp"
	"strings"
	"unicode"

	"medbook/internal/domain"
)

const kenyaCountryCode = "254"

var (
	// Safaricom and Airtel mobile ranges start with 7 or 1 after the trunk prefix.
	msisdnRegex = regexp.MustCompile(`^254[17][0-9]{8}$`)
	chargeRegex = regexp.MustCompile(`^[A-Za-z0-9._\-]{1,64}$`)
)

// NormalizePhone returns the canonical 2547XXXXXXXX form expected by M-Pesa.
func NormalizePhone(phone string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)

	switch {
	case strings.HasPrefix(clean, kenyaCountryCode):
	case strings.HasPrefix(clean, "0") && len(clean) == 10:
		clean = kenyaCountryCode + clean[1:]
	case len(clean) == 9:
		clean = kenyaCountryCode + clean
	}

	if !msisdnRegex.MatchString(clean) {
		return "", &domain.PhoneFormatError{Input: phone}
	}
	return clean, nil
}

// MaskPhone keeps the last three digits for logs.
func MaskPhone(phone string) string {
	if len(phone) <= 3 {
		return "***"
	}
	return strings.Repeat("*", len(phone)-3) + phone[len(phone)-3:]
}

// ValidateChargeID accepts identifiers that fit the charges table key.
func ValidateChargeID(id string) bool {
	return chargeRegex.MatchString(id)
}
