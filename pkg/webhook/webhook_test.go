package webhook

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func twilioSign(authToken, requestURL string, form url.Values) string {
	var keys []string
	for k := range form {
		keys = append(keys, k)
	}
	// insertion order differs from sorted order on purpose; the verifier
	// must sort, so sign sorted here.
	sortStrings(keys)
	payload := requestURL
	for _, k := range keys {
		for _, v := range form[k] {
			payload += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func TestVerifyTwilioSignature(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"ringing"},
		"From":       {"+15550001111"},
	}
	requestURL := "https://example.com/webhook/call-status"
	sig := twilioSign("token-abc", requestURL, form)

	if err := VerifyTwilioSignature("token-abc", sig, requestURL, form); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifyTwilioSignature("wrong-token", sig, requestURL, form); err == nil {
		t.Error("wrong token accepted")
	}

	tampered := url.Values{}
	for k, v := range form {
		tampered[k] = v
	}
	tampered["CallStatus"] = []string{"completed"}
	if err := VerifyTwilioSignature("token-abc", sig, requestURL, tampered); err == nil {
		t.Error("tampered form accepted")
	}

	if err := VerifyTwilioSignature("token-abc", sig, "https://evil.example.com/webhook", form); err == nil {
		t.Error("different URL accepted")
	}
	if err := VerifyTwilioSignature("token-abc", "", requestURL, form); err == nil {
		t.Error("missing signature accepted")
	}
	if err := VerifyTwilioSignature("", sig, requestURL, form); err == nil {
		t.Error("empty auth token accepted")
	}
	if err := VerifyTwilioSignature("token-abc", "not base64!!!", requestURL, form); err == nil {
		t.Error("malformed signature accepted")
	}
}

func TestVerifyTelnyxSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	body := []byte(`{"data":{"event_type":"call.answered"}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ts+"|"+string(body))))

	if err := VerifyTelnyxSignature(pubB64, sig, ts, body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifyTelnyxSignature(pubB64, sig, ts, []byte(`{"tampered":true}`)); err == nil {
		t.Error("tampered body accepted")
	}

	// Timestamp outside the 5-minute window.
	stale := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)
	staleSig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(stale+"|"+string(body))))
	if err := VerifyTelnyxSignature(pubB64, staleSig, stale, body); err == nil {
		t.Error("stale timestamp accepted")
	}

	// Signature valid for a different timestamp must not transfer.
	other := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	if err := VerifyTelnyxSignature(pubB64, sig, other, body); err == nil {
		t.Error("replayed signature with shifted timestamp accepted")
	}

	if err := VerifyTelnyxSignature("", sig, ts, body); err == nil {
		t.Error("empty public key accepted")
	}
	if err := VerifyTelnyxSignature(pubB64, sig, "not-a-number", body); err == nil {
		t.Error("malformed timestamp accepted")
	}
	shortKey := base64.StdEncoding.EncodeToString([]byte("short"))
	if err := VerifyTelnyxSignature(shortKey, sig, ts, body); err == nil {
		t.Error("wrong-size public key accepted")
	}
}

func TestNewStreamToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := NewStreamToken()
		if err != nil {
			t.Fatal(err)
		}
		// 32 bytes in unpadded URL-safe base64 is 43 characters.
		if len(token) != 43 {
			t.Fatalf("token length %d, want 43", len(token))
		}
		if _, err := base64.RawURLEncoding.DecodeString(token); err != nil {
			t.Fatalf("token not URL-safe base64: %v", err)
		}
		if seen[token] {
			t.Fatal("duplicate token generated")
		}
		seen[token] = true
	}
}

func TestVerifyStreamToken(t *testing.T) {
	token, err := NewStreamToken()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		expected string
		provided string
		want     bool
	}{
		{"match", token, token, true},
		{"mismatch", token, "x" + token[1:], false},
		{"short", token, token[:20], false},
		{"empty provided", token, "", false},
		{"empty expected", "", "", false},
		{"both empty vs value", "", token, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyStreamToken(tt.expected, tt.provided); got != tt.want {
				t.Errorf("VerifyStreamToken = %v, want %v", got, tt.want)
			}
		})
	}
}
