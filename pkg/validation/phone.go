package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 checks that phone is a well-formed E.164 number. Both
// the caller id and the callee must pass before a call is placed.
func ValidateE164(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}

	phone = strings.TrimSpace(phone)

	if !e164Regex.MatchString(phone) {
		return fmt.Errorf("phone number must be in E.164 format (e.g., +15551234567)")
	}

	return nil
}

// NormalizeE164 strips common formatting (spaces, dashes, parentheses)
// and validates the result. The country code must already be present;
// guessing one from a bare national number is not safe here.
func NormalizeE164(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	for _, ch := range []string{" ", "-", "(", ")", "."} {
		phone = strings.ReplaceAll(phone, ch, "")
	}

	if !strings.HasPrefix(phone, "+") {
		return "", fmt.Errorf("phone number %q has no country code", phone)
	}

	if err := ValidateE164(phone); err != nil {
		return "", err
	}

	return phone, nil
}
