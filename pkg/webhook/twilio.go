package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
)

// VerifyTwilioSignature verifies a Twilio webhook signature.
// Twilio sends the signature in the X-Twilio-Signature header:
// HMAC-SHA1 over the full request URL followed by every POST field,
// sorted by key, concatenated as key+value, base64-encoded.
func VerifyTwilioSignature(authToken, signature, requestURL string, formValues url.Values) error {
	if authToken == "" {
		return fmt.Errorf("auth token not configured")
	}
	if signature == "" {
		return fmt.Errorf("signature header missing")
	}

	var keys []string
	for k := range formValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := requestURL
	for _, k := range keys {
		for _, v := range formValues[k] {
			payload += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature not valid base64: %w", err)
	}

	if !hmac.Equal(expected, provided) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
