package logger

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var e164Re = regexp.MustCompile(`^(\+)(\d{1,3})(\d{3})(\d+)$`)

// MaskPhoneNumber masks an E.164 number, keeping the country code and
// first three digits so logs remain correlatable.
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	phone = strings.TrimSpace(phone)

	matches := e164Re.FindStringSubmatch(phone)
	if len(matches) != 5 {
		return "***"
	}
	return "+" + matches[2] + matches[3] + strings.Repeat("*", len(matches[4]))
}

// MaskPhone creates a zap field with the phone number masked.
func MaskPhone(key, phone string) zap.Field {
	return zap.String(key, MaskPhoneNumber(phone))
}
