// make-call places a single outbound call through the configured
// carrier and optionally hangs it up after a delay. Useful for
// verifying carrier credentials and webhook reachability without
// starting the full bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ross-commits/talk-to-claude/pkg/carrier"
	"github.com/ross-commits/talk-to-claude/pkg/env"
	"github.com/ross-commits/talk-to-claude/pkg/validation"
)

func main() {
	to := flag.String("to", "", "callee in E.164 (defaults to USER_NUMBER)")
	hangupAfter := flag.Duration("hangup-after", 0, "hang up after this long (0 = leave the call up)")
	flag.Parse()

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	callee := *to
	if callee == "" {
		callee = cfg.UserNumber
	}
	callee, err = validation.NormalizeE164(callee)
	if err != nil {
		log.Fatalf("callee: %v", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	var cr carrier.Carrier
	switch cfg.Carrier {
	case env.CarrierTelnyx:
		cr = carrier.NewTelnyx(cfg.TelnyxAPIKey, cfg.TelnyxPublicKey, cfg.TelnyxConnectionID, httpClient)
	default:
		cr = carrier.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.PublicURL, httpClient)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Placing call via %s: %s -> %s\n", cr.Name(), cfg.FromNumber, callee)
	ref, err := cr.PlaceOutbound(ctx, callee, cfg.FromNumber, cfg.PublicURL+"/twiml")
	if err != nil {
		log.Fatalf("place failed: %v", err)
	}
	fmt.Printf("Call placed, ref %s\n", ref)

	if *hangupAfter <= 0 {
		return
	}
	fmt.Printf("Hanging up in %s...\n", *hangupAfter)
	time.Sleep(*hangupAfter)

	hangCtx, hangCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer hangCancel()
	if err := cr.Hangup(hangCtx, ref); err != nil {
		log.Fatalf("hangup failed: %v", err)
	}
	fmt.Println("Hung up.")
}
