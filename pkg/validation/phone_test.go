package validation

import "testing"

func TestValidateE164(t *testing.T) {
	tests := []struct {
		phone   string
		wantErr bool
	}{
		{"+15551234567", false},
		{"+442071838750", false},
		{"", true},
		{"15551234567", true},
		{"+0123456", true},
		{"+1 555 123 4567", true},
		{"not-a-number", true},
	}

	for _, tt := range tests {
		err := ValidateE164(tt.phone)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateE164(%q): err=%v, wantErr=%v", tt.phone, err, tt.wantErr)
		}
	}
}

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{" +44 20 7183 8750 ", "+442071838750", false},
		{"5551234567", "", true},
		{"(555) 123-4567", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeE164(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeE164(%q): err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeE164(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
