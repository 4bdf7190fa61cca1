// test-websocket connects to a running bridge's /media-stream endpoint
// the way a carrier would: start frame, a few seconds of silence
// frames, then prints everything the bridge sends back. Lets an
// operator check the media path without placing a real call.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ross-commits/talk-to-claude/pkg/audio"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/media-stream", "media stream endpoint")
	token := flag.String("token", "", "stream token (omit only against a tunneled-trust server)")
	duration := flag.Duration("duration", 5*time.Second, "how long to stream silence")
	flag.Parse()

	target := *wsURL
	if *token != "" {
		target += "?token=" + *token
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Println("Connected, sending start frame")

	start := map[string]interface{}{
		"event": "start",
		"start": map[string]string{"streamSid": "MZtest"},
	}
	if err := conn.WriteJSON(start); err != nil {
		log.Fatalf("start frame: %v", err)
	}

	// Echo whatever the bridge sends.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if json.Unmarshal(data, &frame) == nil {
				fmt.Printf("<- %v\n", frame["event"])
			}
		}
	}()

	// μ-law 0xFF is near-silence; one frame per 20ms like the real wire.
	silence := make([]byte, audio.FrameSize)
	for i := range silence {
		silence[i] = 0xFF
	}
	payload := audio.EncodePayload(silence)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(*duration)
	frames := 0
	for time.Now().Before(deadline) {
		<-ticker.C
		frame := map[string]interface{}{
			"event": "media",
			"media": map[string]string{"track": "inbound", "payload": payload},
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Fatalf("media frame: %v", err)
		}
		frames++
	}
	fmt.Printf("Sent %d silence frames, closing\n", frames)
}
