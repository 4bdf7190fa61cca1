package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ross-commits/talk-to-claude/pkg/ai"
)

// Concurrent synthesis — an autonomous brain turn racing a driver
// speak — must not interleave frames on the outbound audio queue.
func TestSplitSpeechSerialized(t *testing.T) {
	// Each input synthesizes to a distinct constant PCM level so the
	// resulting μ-law frames identify their source utterance.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		level := byte(0x10)
		if req["input"] == "second" {
			level = 0x40
		}
		pcm := make([]byte, 9600) // 200ms of 24kHz PCM16
		for i := 1; i < len(pcm); i += 2 {
			pcm[i] = level
		}
		// Split the body with a pause so a concurrent stream gets a
		// window to interleave.
		w.Write(pcm[:4800])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(20 * time.Millisecond)
		w.Write(pcm[4800:])
	}))
	defer server.Close()

	s, _, _ := newTestSession(t)
	s.setState(StateReady)
	b := newSplitBackend(s, server.Client())
	b.tts = ai.NewTTSService("sk-tts", "", "alloy", server.URL, server.Client(), nil)

	var wg sync.WaitGroup
	for _, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if err := b.speakText(context.Background(), text); err != nil {
				t.Errorf("speakText(%q): %v", text, err)
			}
		}(text)
	}
	wg.Wait()

	// Frames must arrive as one contiguous run per utterance: at most
	// one switch between source levels across the whole queue.
	transitions := 0
	last := -1
	for {
		select {
		case frame := <-s.media.audioCh:
			v := int(frame[0])
			if last != -1 && v != last {
				transitions++
			}
			last = v
		default:
			if last == -1 {
				t.Fatal("no audio frames enqueued")
			}
			if transitions > 1 {
				t.Errorf("outbound frames interleaved: %d source switches", transitions)
			}
			return
		}
	}
}
