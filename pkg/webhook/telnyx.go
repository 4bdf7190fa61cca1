package webhook

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Telnyx rejects webhooks whose timestamp is older or newer than this.
const telnyxMaxSkew = 5 * time.Minute

// VerifyTelnyxSignature verifies a Telnyx webhook signature.
// Telnyx signs timestamp|body with Ed25519; the signature arrives in
// telnyx-signature-ed25519 and the unix timestamp in telnyx-timestamp.
// The public key is the base64 value from the Telnyx portal.
func VerifyTelnyxSignature(publicKey, signature, timestamp string, body []byte) error {
	if publicKey == "" {
		return fmt.Errorf("public key not configured")
	}
	if signature == "" {
		return fmt.Errorf("signature header missing")
	}
	if timestamp == "" {
		return fmt.Errorf("timestamp header missing")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > telnyxMaxSkew {
		return fmt.Errorf("timestamp outside tolerance: %s", skew)
	}

	key, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("public key not valid base64: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature not valid base64: %w", err)
	}

	signed := append([]byte(timestamp+"|"), body...)
	if !ed25519.Verify(ed25519.PublicKey(key), signed, sig) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
