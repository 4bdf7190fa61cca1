package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/carrier"
	"github.com/ross-commits/talk-to-claude/pkg/env"
	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
)

type fakeCarrier struct {
	mu         sync.Mutex
	placed     []string
	streamURLs []string
	hangups    []string
	placeErr   error
}

func (f *fakeCarrier) Name() string { return "fake" }

func (f *fakeCarrier) PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, to)
	return fmt.Sprintf("CA%d", len(f.placed)), nil
}

func (f *fakeCarrier) StartMediaStream(ctx context.Context, callRef, wsURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamURLs = append(f.streamURLs, wsURL)
	return nil
}

func (f *fakeCarrier) Hangup(ctx context.Context, callRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callRef)
	return nil
}

func (f *fakeCarrier) ConnectDirective(wsURL string) ([]byte, string) {
	return []byte("<Response/>"), "text/xml"
}

func (f *fakeCarrier) VerifyWebhook(r *http.Request, body []byte, form url.Values) error {
	return nil
}

func (f *fakeCarrier) ParseWebhook(body []byte, form url.Values) (carrier.Event, error) {
	var ev struct {
		CallRef string `json:"call_ref"`
		Kind    string `json:"kind"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return carrier.Event{}, err
	}
	return carrier.Event{CallRef: ev.CallRef, Kind: ev.Kind}, nil
}

func (f *fakeCarrier) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type fakeBackend struct {
	mu         sync.Mutex
	delivered  []string
	inbound    [][]byte
	closed     bool
	connectErr error
}

func (f *fakeBackend) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeBackend) HandleInboundAudio(muLaw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(muLaw))
	copy(cp, muLaw)
	f.inbound = append(f.inbound, cp)
}

func (f *fakeBackend) Deliver(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, message)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeBackend) inboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound)
}

func testConfig() *env.Config {
	return &env.Config{
		Carrier:             env.CarrierTwilio,
		FromNumber:          "+15550001111",
		UserNumber:          "+15552223333",
		PublicURL:           "https://example.test",
		WSURL:               "wss://example.test",
		VoiceBackend:        env.BackendSplitBasic,
		TurnTimeoutMs:       2000,
		MediaReadyTimeoutMs: 2000,
	}
}

func newTestSession(t *testing.T) (*Session, *fakeCarrier, *fakeBackend) {
	t.Helper()
	fc := &fakeCarrier{}
	s, err := newSession(testConfig(), fc, tools.NewRegistry(0, zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatalf("newSession failed: %v", err)
	}
	fb := &fakeBackend{}
	s.backend = fb
	return s, fc, fb
}

// wsPair dials a real websocket through httptest and returns both ends.
func wsPair(t *testing.T) (serverConn, clientConn *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })
	return <-connCh, clientConn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionStartFlow(t *testing.T) {
	s, fc, fb := newTestSession(t)
	serverConn, clientConn := wsPair(t)

	type result struct {
		reply string
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		reply, err := s.Start(context.Background(), "Hi, calling about the deploy.")
		resCh <- result{reply, err}
	}()

	waitUntil(t, "outbound placement", func() bool { return s.CarrierCallRef() != "" })
	if got := s.CarrierCallRef(); got != "CA1" {
		t.Errorf("call ref: got %q", got)
	}

	s.HandleCarrierEvent(carrier.Event{Kind: carrier.EventRinging})
	if s.State() != StateRinging {
		t.Errorf("state after ringing: %s", s.State())
	}
	s.HandleCarrierEvent(carrier.Event{Kind: carrier.EventAnswered})
	waitUntil(t, "stream start request", func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.streamURLs) == 1
	})
	fc.mu.Lock()
	streamURL := fc.streamURLs[0]
	fc.mu.Unlock()
	if !strings.Contains(streamURL, "token=") {
		t.Errorf("stream url missing token: %q", streamURL)
	}

	s.BindMediaSocket(serverConn)
	if err := clientConn.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ1"},
	}); err != nil {
		t.Fatalf("start frame: %v", err)
	}

	// Readiness fires, the opening line goes to the backend, and the
	// user's reply completes Start.
	waitUntil(t, "initial delivery", func() bool { return fb.deliveredCount() == 1 })
	s.deliverUserTurn("oh hey, what about it?")

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Start failed: %v", res.err)
	}
	if res.reply != "oh hey, what about it?" {
		t.Errorf("reply: got %q", res.reply)
	}
	if s.State() != StateReady {
		t.Errorf("state after start: %s", s.State())
	}

	entries := s.Transcript()
	if len(entries) != 2 || entries[0].Speaker != "agent" || entries[1].Speaker != "user" {
		t.Errorf("transcript: %+v", entries)
	}
}

func TestSessionStartMediaTimeout(t *testing.T) {
	s, fc, _ := newTestSession(t)
	s.cfg.MediaReadyTimeoutMs = 50

	_, err := s.Start(context.Background(), "hello")
	var te *apperrors.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if s.State() != StateEnded && s.State() != StateFailed {
		t.Errorf("state after timeout: %s", s.State())
	}
	// The placed leg must not keep ringing after the session fails.
	if fc.hangupCount() != 1 {
		t.Errorf("carrier hangups: got %d, want 1", fc.hangupCount())
	}
}

func TestSessionStartBackendConnectError(t *testing.T) {
	s, fc, fb := newTestSession(t)
	fb.connectErr = errors.New("stream refused")
	serverConn, _ := wsPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), "hello")
		errCh <- err
	}()
	waitUntil(t, "outbound placement", func() bool { return s.CarrierCallRef() != "" })

	s.BindMediaSocket(serverConn)

	err := <-errCh
	var ae *apperrors.AgentError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if !strings.Contains(err.Error(), "stream refused") {
		t.Errorf("connect cause lost: %v", err)
	}
	if fc.hangupCount() != 1 {
		t.Errorf("carrier hangups: got %d, want 1", fc.hangupCount())
	}
}

func TestSessionStartHangupBeforeReady(t *testing.T) {
	s, _, _ := newTestSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), "hello")
		errCh <- err
	}()
	waitUntil(t, "outbound placement", func() bool { return s.CarrierCallRef() != "" })

	s.markHungUp("callee declined")
	err := <-errCh
	var he *apperrors.HangupError
	if !errors.As(err, &he) {
		t.Fatalf("expected HangupError, got %v", err)
	}
}

func TestSessionInjectBeforeReady(t *testing.T) {
	s, _, _ := newTestSession(t)
	if _, err := s.Inject(context.Background(), "too early"); !errors.Is(err, apperrors.ErrSessionNotReady) {
		t.Errorf("expected ErrSessionNotReady, got %v", err)
	}
}

func TestSessionTurnTimeout(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.cfg.TurnTimeoutMs = 50
	s.setState(StateReady)

	_, err := s.waitForUserTurn(context.Background())
	var te *apperrors.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestSessionSpeakDoesNotWait(t *testing.T) {
	s, _, fb := newTestSession(t)
	s.setState(StateReady)

	done := make(chan error, 1)
	go func() { done <- s.Speak(context.Background(), "one moment") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Speak failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Speak blocked waiting for a reply")
	}
	if fb.deliveredCount() != 1 {
		t.Errorf("delivered: got %d", fb.deliveredCount())
	}
}

func TestSessionEndIsIdempotent(t *testing.T) {
	s, fc, fb := newTestSession(t)
	s.mu.Lock()
	s.carrierCallRef = "CA7"
	s.mu.Unlock()
	s.setState(StateReady)

	if err := s.End(context.Background(), ""); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := s.End(context.Background(), ""); err != nil {
		t.Fatalf("second End failed: %v", err)
	}

	if fc.hangupCount() != 1 {
		t.Errorf("carrier hangups: got %d, want 1", fc.hangupCount())
	}
	fb.mu.Lock()
	closed := fb.closed
	fb.mu.Unlock()
	if !closed {
		t.Error("backend not closed")
	}
	if s.State() != StateEnded {
		t.Errorf("state: %s", s.State())
	}
}

func TestSessionCarrierHangupEndsCall(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.setState(StateReady)

	s.HandleCarrierEvent(carrier.Event{Kind: carrier.EventHangup})
	waitUntil(t, "session end", func() bool { return s.State() == StateEnded })

	if !s.HungUp() {
		t.Error("session not marked hung up")
	}
	if _, err := s.Inject(context.Background(), "still there?"); err == nil {
		t.Error("Inject accepted after hangup")
	}
}

func TestSessionFailureCountedOnce(t *testing.T) {
	metrics.Reset()
	s, _, _ := newTestSession(t)
	s.cfg.MediaReadyTimeoutMs = 50

	if _, err := s.Start(context.Background(), "hello"); err == nil {
		t.Fatal("expected media timeout")
	}
	// A late carrier hangup webhook must not recount the ended call.
	s.HandleCarrierEvent(carrier.Event{Kind: carrier.EventHangup})
	time.Sleep(50 * time.Millisecond)

	calls := metrics.GetMetrics()["calls"].(map[string]interface{})
	if got := calls["failed"].(int64); got != 1 {
		t.Errorf("failed calls: got %d, want 1", got)
	}
	if got := calls["completed"].(int64); got != 0 {
		t.Errorf("completed calls: got %d, want 0", got)
	}
}

func TestSessionHangupDuringListenStaysEnded(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.setState(StateReady)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.waitForUserTurn(context.Background())
		errCh <- err
	}()
	waitUntil(t, "listening state", func() bool { return s.State() == StateListeningUser })

	s.HandleCarrierEvent(carrier.Event{Kind: carrier.EventHangup})
	if err := <-errCh; !apperrors.IsHangup(err) {
		t.Fatalf("expected HangupError, got %v", err)
	}
	waitUntil(t, "session end", func() bool { return s.State() == StateEnded })

	// The wait's state reset must not resurrect an ended session.
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateEnded {
		t.Errorf("state after hangup: %s", s.State())
	}
}

func TestClaimTokenSingleUse(t *testing.T) {
	s, _, _ := newTestSession(t)

	if s.claimToken("not-the-token") {
		t.Error("wrong token accepted")
	}
	if !s.claimToken(s.wsToken) {
		t.Error("correct token rejected")
	}
	if s.claimToken(s.wsToken) {
		t.Error("token accepted twice")
	}
}
