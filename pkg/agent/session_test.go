package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testStream is a fake model endpoint: it records every outbound
// envelope and lets the test push inbound events.
type testStream struct {
	server   *httptest.Server
	received chan Envelope

	mu   sync.Mutex
	conn *websocket.Conn
}

func newTestStream(t *testing.T) *testStream {
	t.Helper()
	ts := &testStream{received: make(chan Envelope, 256)}
	upgrader := websocket.Upgrader{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var e Envelope
			if err := json.Unmarshal(data, &e); err != nil {
				t.Errorf("server got unparseable frame: %v", err)
				continue
			}
			ts.received <- e
		}
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testStream) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

// send pushes an inbound event to the connected session.
func (ts *testStream) send(t *testing.T, e Envelope) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.mu.Lock()
		conn := ts.conn
		ts.mu.Unlock()
		if conn != nil {
			if err := conn.WriteJSON(e); err != nil {
				t.Fatalf("server write failed: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no client connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (ts *testStream) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case e := <-ts.received:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return Envelope{}
	}
}

type recordedCallbacks struct {
	mu            sync.Mutex
	audio         [][]byte
	texts         []string
	toolUses      []struct {
		name  string
		id    string
		input map[string]interface{}
	}
	turnCompletes int
	interruptions int
}

func (rc *recordedCallbacks) callbacks() Callbacks {
	return Callbacks{
		OnAudioOut: func(pcm []byte) {
			rc.mu.Lock()
			rc.audio = append(rc.audio, pcm)
			rc.mu.Unlock()
		},
		OnText: func(text, role string) {
			rc.mu.Lock()
			rc.texts = append(rc.texts, role+":"+text)
			rc.mu.Unlock()
		},
		OnToolUse: func(name, id string, input map[string]interface{}) {
			rc.mu.Lock()
			rc.toolUses = append(rc.toolUses, struct {
				name  string
				id    string
				input map[string]interface{}
			}{name, id, input})
			rc.mu.Unlock()
		},
		OnTurnComplete: func() {
			rc.mu.Lock()
			rc.turnCompletes++
			rc.mu.Unlock()
		},
		OnInterruption: func() {
			rc.mu.Lock()
			rc.interruptions++
			rc.mu.Unlock()
		},
	}
}

func startSession(t *testing.T, ts *testStream, rc *recordedCallbacks) *Session {
	t.Helper()
	s, err := NewSession(Config{
		StreamURL:    ts.url(),
		VoiceID:      "matthew",
		MaxTokens:    1024,
		Temperature:  0.7,
		TopP:         0.9,
		SystemPrompt: "Be brief.",
	}, rc.callbacks(), nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSession_RequiresCallbacks(t *testing.T) {
	cb := (&recordedCallbacks{}).callbacks()
	cb.OnToolUse = nil
	if _, err := NewSession(Config{StreamURL: "ws://x"}, cb, nil); err == nil {
		t.Error("missing OnToolUse accepted")
	}
	if _, err := NewSession(Config{}, (&recordedCallbacks{}).callbacks(), nil); err == nil {
		t.Error("missing stream URL accepted")
	}
}

func TestSession_SetupSequence(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	startSession(t, ts, rc)

	e := ts.next(t)
	if e.Event.SessionStart == nil {
		t.Fatal("first event is not sessionStart")
	}
	if e.Event.SessionStart.InferenceConfiguration.MaxTokens != 1024 {
		t.Error("maxTokens not carried")
	}

	e = ts.next(t)
	if e.Event.PromptStart == nil {
		t.Fatal("second event is not promptStart")
	}
	if got := e.Event.PromptStart.AudioOutputConfiguration.SampleRateHertz; got != 24000 {
		t.Errorf("output sample rate: got %d", got)
	}
	if e.Event.PromptStart.AudioOutputConfiguration.VoiceID != "matthew" {
		t.Error("voice id not carried")
	}

	e = ts.next(t)
	cs := e.Event.ContentStart
	if cs == nil || cs.Role != RoleSystem || cs.Type != TypeText || cs.Interactive {
		t.Fatalf("third event is not the system text block: %+v", e.Event)
	}

	e = ts.next(t)
	if e.Event.TextInput == nil || e.Event.TextInput.Content != "Be brief." {
		t.Fatal("fourth event is not the system prompt text")
	}

	if e = ts.next(t); e.Event.ContentEnd == nil {
		t.Fatal("fifth event is not contentEnd")
	}

	e = ts.next(t)
	cs = e.Event.ContentStart
	if cs == nil || cs.Type != TypeAudio || !cs.Interactive {
		t.Fatalf("sixth event is not the open audio block: %+v", e.Event)
	}
	if cs.AudioInputConfiguration == nil || cs.AudioInputConfiguration.SampleRateHertz != 16000 {
		t.Error("audio input config wrong")
	}
}

func drainSetup(t *testing.T, ts *testStream) {
	for i := 0; i < 6; i++ {
		ts.next(t)
	}
}

func TestSession_ToolUseSplitAcrossEvents(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	startSession(t, ts, rc)
	drainSetup(t, ts)

	ts.send(t, Envelope{Event: EventBody{ToolUse: &ToolUseEvent{
		ToolUseID: "t1", ToolName: "service_health", Content: `{"service":`,
	}}})
	ts.send(t, Envelope{Event: EventBody{ToolUse: &ToolUseEvent{
		ToolUseID: "t1", Content: `"all"}`,
	}}})
	ts.send(t, Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{Type: TypeTool}}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rc.mu.Lock()
		n := len(rc.toolUses)
		rc.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tool use never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	use := rc.toolUses[0]
	if use.name != "service_health" || use.id != "t1" {
		t.Errorf("tool identity: %q %q", use.name, use.id)
	}
	if use.input["service"] != "all" {
		t.Errorf("split content not joined and parsed: %v", use.input)
	}
}

func TestSession_BargeIn(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	s := startSession(t, ts, rc)
	drainSetup(t, ts)

	// Model starts speaking: audio is held.
	ts.send(t, Envelope{Event: EventBody{ContentStart: &ContentStartEvent{
		ContentName: "assist-1", Role: RoleAssistant, Type: TypeAudio,
	}}})
	time.Sleep(30 * time.Millisecond)
	s.SendAudio([]byte{1, 2, 3, 4})

	select {
	case e := <-ts.received:
		t.Fatalf("audio delivered while model speaking: %+v", e.Event)
	case <-time.After(80 * time.Millisecond):
	}

	// Interruption opens the gate and fires the callback.
	ts.send(t, Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{
		ContentName: "assist-1", StopReason: StopInterrupted,
	}}})

	e := ts.next(t)
	if e.Event.AudioInput == nil {
		t.Fatalf("expected held audio after interruption, got %+v", e.Event)
	}

	deadline := time.Now().Add(time.Second)
	for {
		rc.mu.Lock()
		n := rc.interruptions
		rc.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("OnInterruption never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_SendToolResultOrdering(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	s := startSession(t, ts, rc)
	drainSetup(t, ts)

	s.SendToolResult("t1", "api: healthy")

	e := ts.next(t)
	cs := e.Event.ContentStart
	if cs == nil || cs.Type != TypeTool {
		t.Fatalf("expected TOOL contentStart, got %+v", e.Event)
	}
	if cs.ToolResultInputConfig == nil || cs.ToolResultInputConfig.ToolUseID != "t1" {
		t.Error("toolUseId not carried in contentStart")
	}

	e = ts.next(t)
	if e.Event.ToolResult == nil || e.Event.ToolResult.Content != "api: healthy" {
		t.Fatalf("expected toolResult, got %+v", e.Event)
	}

	if e = ts.next(t); e.Event.ContentEnd == nil {
		t.Fatalf("expected contentEnd, got %+v", e.Event)
	}
}

func TestSession_TextAndTurnCallbacks(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	startSession(t, ts, rc)
	drainSetup(t, ts)

	ts.send(t, Envelope{Event: EventBody{TextOutput: &TextOutputEvent{Role: RoleUser, Content: "All good"}}})
	ts.send(t, Envelope{Event: EventBody{CompletionEnd: &CompletionEnd{}}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rc.mu.Lock()
		done := rc.turnCompletes == 1 && len(rc.texts) == 1
		rc.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("text/turn callbacks not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.texts[0] != RoleUser+":All good" {
		t.Errorf("text callback: %q", rc.texts[0])
	}
}

func TestSession_CloseTeardownOrder(t *testing.T) {
	ts := newTestStream(t)
	rc := &recordedCallbacks{}
	s := startSession(t, ts, rc)
	drainSetup(t, ts)

	start := time.Now()
	s.Close()
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("Close took %s, drain bound is 500ms", elapsed)
	}

	e := ts.next(t)
	if e.Event.ContentEnd == nil {
		t.Fatalf("teardown must start with contentEnd, got %+v", e.Event)
	}
	e = ts.next(t)
	if e.Event.PromptEnd == nil {
		t.Fatalf("expected promptEnd, got %+v", e.Event)
	}
	e = ts.next(t)
	if e.Event.SessionEnd == nil {
		t.Fatalf("expected sessionEnd, got %+v", e.Event)
	}
}
