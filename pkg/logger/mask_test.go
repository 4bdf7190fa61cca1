package logger

import "testing"

func TestMaskPhoneNumber(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  string
	}{
		{"us number", "+15551234567", "+155512*****"},
		{"uk number", "+442071234567", "+442071******"},
		{"empty", "", ""},
		{"not e164", "555-1234", "***"},
		{"whitespace trimmed", " +15551234567 ", "+155512*****"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskPhoneNumber(tt.phone); got != tt.want {
				t.Errorf("MaskPhoneNumber(%q) = %q, want %q", tt.phone, got, tt.want)
			}
		})
	}
}
