package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/carrier"
	"github.com/ross-commits/talk-to-claude/pkg/env"
	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/logger"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
	"github.com/ross-commits/talk-to-claude/pkg/webhook"
)

// State is the session lifecycle state.
type State int32

const (
	StateNew State = iota
	StatePlacing
	StateRinging
	StateConnectingMedia
	StateReady
	StateSpeakingAgent
	StateListeningUser
	StateToolCall
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePlacing:
		return "placing"
	case StateRinging:
		return "ringing"
	case StateConnectingMedia:
		return "connecting_media"
	case StateReady:
		return "ready"
	case StateSpeakingAgent:
		return "speaking_agent"
	case StateListeningUser:
		return "listening_user"
	case StateToolCall:
		return "tool_call"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// hangupPollInterval bounds how stale a hangup can look to a waiting
// driver command.
const hangupPollInterval = 100 * time.Millisecond

// TranscriptEntry is one utterance in the call transcript.
type TranscriptEntry struct {
	Speaker string // "agent" or "user"
	Text    string
	At      time.Time
}

// voiceBackend is the speech side of a session: either the unified
// model stream or the split STT/brain/TTS pipeline.
type voiceBackend interface {
	// Connect opens the backend. Called once the media socket is bound.
	Connect(ctx context.Context) error
	// HandleInboundAudio receives caller μ-law from the media socket.
	HandleInboundAudio(muLaw []byte)
	// Deliver speaks a message to the user.
	Deliver(ctx context.Context, message string) error
	// Close tears the backend down.
	Close() error
}

// Session owns one telephone call: the carrier leg, the media socket
// and the voice backend. Driver commands against one session are
// serialized by opMu.
type Session struct {
	ID        string
	cfg       *env.Config
	carrier   carrier.Carrier
	registry  *tools.Registry
	logger    *zap.Logger
	wsToken   string
	createdAt time.Time

	mu             sync.Mutex
	state          State
	carrierCallRef string
	mediaStreamID  string
	streamReady    bool
	backendUp      bool
	hungUp         bool
	tokenUsed      bool
	transcript     []TranscriptEntry
	startedAt      time.Time
	endedAt        time.Time

	backend voiceBackend

	media *mediaLink

	// mediaReady closes when socket + stream + backend are all up.
	mediaReady     chan struct{}
	mediaReadyOnce sync.Once

	// hangup closes when the carrier or driver ends the call.
	hangup     chan struct{}
	hangupOnce sync.Once

	failOnce  sync.Once
	failCause error // guarded by mu; set before the hangup gate closes

	// turns receives completed user turns from the backend.
	turns chan string

	// opMu serializes initiate/continue/speak/end for this session.
	opMu sync.Mutex

	onRemove func(*Session) // set by the manager
}

func newSession(cfg *env.Config, cr carrier.Carrier, registry *tools.Registry, log *zap.Logger) (*Session, error) {
	token, err := webhook.NewStreamToken()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:         uuid.NewString(),
		cfg:        cfg,
		carrier:    cr,
		registry:   registry,
		wsToken:    token,
		createdAt:  time.Now(),
		state:      StateNew,
		mediaReady: make(chan struct{}),
		hangup:     make(chan struct{}),
		turns:      make(chan string, 4),
	}
	s.logger = log.With(zap.String("call_id", s.ID))
	s.media = newMediaLink(s)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("state transition",
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
		)
	}
}

// CarrierCallRef returns the carrier-side identifier, empty before the
// outbound call is placed.
func (s *Session) CarrierCallRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carrierCallRef
}

// HungUp reports whether the call has ended on either side.
func (s *Session) HungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) recordTranscript(speaker, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Speaker: speaker, Text: text, At: time.Now()})
	s.mu.Unlock()
	metrics.Turn(speaker)
}

// deliverUserTurn hands a completed user transcript to whoever is
// waiting. Turns arriving with nobody listening are buffered.
func (s *Session) deliverUserTurn(text string) {
	if text == "" {
		return
	}
	s.recordTranscript("user", text)
	select {
	case s.turns <- text:
	default:
		s.logger.Warn("user turn dropped, buffer full", zap.Int("len", len(text)))
	}
}

// markHungUp flips the session to hung up and cancels every wait.
func (s *Session) markHungUp(reason string) {
	s.hangupOnce.Do(func() {
		s.mu.Lock()
		s.hungUp = true
		s.mu.Unlock()
		s.logger.Info("call hung up", zap.String("reason", reason))
		close(s.hangup)
	})
}

// signalMediaReady fires once the socket, stream id and backend are up.
func (s *Session) signalMediaReady() {
	s.mediaReadyOnce.Do(func() { close(s.mediaReady) })
}

// maybeReady checks the three readiness conditions and fires the gate
// once all hold: media socket bound, stream acknowledged, backend up.
func (s *Session) maybeReady() {
	s.mu.Lock()
	ready := s.streamReady && s.backendUp
	s.mu.Unlock()
	if ready && s.media.bound() {
		s.signalMediaReady()
	}
}

// BindMediaSocket attaches the authenticated media socket and brings
// the voice backend up.
func (s *Session) BindMediaSocket(conn *websocket.Conn) {
	s.media.bind(conn)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.backend.Connect(ctx); err != nil {
			s.logger.Error("voice backend connect failed", zap.Error(err))
			s.failWith(&apperrors.AgentError{Detail: "connect failed", Cause: err})
			return
		}
		s.mu.Lock()
		s.backendUp = true
		s.mu.Unlock()
		s.maybeReady()
	}()
}

// Start places the outbound call, waits for media readiness, delivers
// the initial message and returns the user's first reply.
func (s *Session) Start(ctx context.Context, initialMessage string) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	metrics.CallStarted()
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setState(StatePlacing)

	webhookURL := s.cfg.PublicURL + "/twiml"
	ref, err := s.carrier.PlaceOutbound(ctx, s.cfg.UserNumber, s.cfg.FromNumber, webhookURL)
	if err != nil {
		s.fail()
		return "", err
	}
	s.mu.Lock()
	s.carrierCallRef = ref
	s.mu.Unlock()
	s.logger.Info("outbound call placed",
		zap.String("carrier", s.carrier.Name()),
		zap.String("call_ref", ref),
		logger.MaskPhone("to", s.cfg.UserNumber),
	)

	readyTimeout := time.Duration(s.cfg.MediaReadyTimeoutMs) * time.Millisecond
	select {
	case <-s.mediaReady:
	case <-s.hangup:
		s.fail()
		if cause := s.causeOfFailure(); cause != nil {
			return "", cause
		}
		return "", &apperrors.HangupError{Detail: "call ended before media was ready"}
	case <-time.After(readyTimeout):
		s.fail()
		return "", &apperrors.TimeoutError{What: "media readiness"}
	case <-ctx.Done():
		s.fail()
		return "", ctx.Err()
	}

	s.setState(StateReady)

	if err := s.backend.Deliver(ctx, initialMessage); err != nil {
		s.endInternal(context.Background(), "")
		return "", err
	}
	s.recordTranscript("agent", initialMessage)

	return s.waitForUserTurn(ctx)
}

// Inject delivers a mid-call message and waits for the user's reply.
func (s *Session) Inject(ctx context.Context, message string) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.requireReady(); err != nil {
		return "", err
	}
	if err := s.backend.Deliver(ctx, message); err != nil {
		return "", err
	}
	s.recordTranscript("agent", message)
	return s.waitForUserTurn(ctx)
}

// Speak delivers a message without waiting for a reply.
func (s *Session) Speak(ctx context.Context, message string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.requireReady(); err != nil {
		return err
	}
	if err := s.backend.Deliver(ctx, message); err != nil {
		return err
	}
	s.recordTranscript("agent", message)
	return nil
}

// End delivers a closing message, drains audio within the mode's
// bound, hangs up and frees everything.
func (s *Session) End(ctx context.Context, message string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.endInternal(ctx, message)
}

func (s *Session) endInternal(ctx context.Context, message string) error {
	s.mu.Lock()
	// A failed session was already torn down and counted by fail().
	if s.state == StateEnded || s.state == StateEnding || s.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	alreadyHungUp := s.hungUp
	ref := s.carrierCallRef
	s.mu.Unlock()

	s.setState(StateEnding)

	if message != "" && !alreadyHungUp {
		if err := s.backend.Deliver(ctx, message); err != nil {
			s.logger.Warn("closing message failed", zap.Error(err))
		} else {
			s.recordTranscript("agent", message)
			s.drainOutbound()
		}
	}

	if ref != "" && !alreadyHungUp {
		hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.carrier.Hangup(hangCtx, ref); err != nil {
			s.logger.Warn("carrier hangup failed", zap.Error(err))
		}
		cancel()
	}
	s.markHungUp("driver end")

	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Warn("backend close failed", zap.Error(err))
		}
	}
	s.media.close()

	s.mu.Lock()
	s.endedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateEnded)
	metrics.CallEnded(false)
	s.logTranscriptSummary()

	if s.onRemove != nil {
		s.onRemove(s)
	}
	return nil
}

// drainOutbound waits for queued audio to reach the carrier, bounded
// by the per-mode drain budget (3s unified, 2s split).
func (s *Session) drainOutbound() {
	bound := 3 * time.Second
	if s.cfg.VoiceBackend != env.BackendUnified {
		bound = 2 * time.Second
	}
	deadline := time.Now().Add(bound)
	for time.Now().Before(deadline) {
		if s.media.outboundIdle() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.logger.Debug("outbound drain bound reached")
}

func (s *Session) fail() {
	s.failOnce.Do(func() {
		s.setState(StateFailed)
		s.mu.Lock()
		alreadyHungUp := s.hungUp
		ref := s.carrierCallRef
		s.mu.Unlock()
		s.markHungUp("failed")

		// A failed session must not leave the placed leg ringing.
		if ref != "" && !alreadyHungUp {
			hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.carrier.Hangup(hangCtx, ref); err != nil {
				s.logger.Warn("carrier hangup failed", zap.Error(err))
			}
			cancel()
		}

		if s.backend != nil {
			_ = s.backend.Close()
		}
		s.media.close()
		metrics.CallEnded(true)
		if s.onRemove != nil {
			s.onRemove(s)
		}
	})
}

// failWith records the cause for the Start waiter, then fails.
func (s *Session) failWith(cause error) {
	s.mu.Lock()
	if s.failCause == nil {
		s.failCause = cause
	}
	s.mu.Unlock()
	s.fail()
}

func (s *Session) causeOfFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failCause
}

// requireReady rejects driver commands outside READY and its substates.
func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungUp {
		return &apperrors.HangupError{Detail: "call already ended"}
	}
	switch s.state {
	case StateReady, StateSpeakingAgent, StateListeningUser, StateToolCall:
		return nil
	default:
		return fmt.Errorf("%w: session is %s", apperrors.ErrSessionNotReady, s.state)
	}
}

// waitForUserTurn blocks until the backend reports a completed user
// turn, the call hangs up (checked at 100ms granularity), or the turn
// timeout expires.
func (s *Session) waitForUserTurn(ctx context.Context) (string, error) {
	s.setState(StateListeningUser)
	defer func() {
		// A hangup mid-wait has already driven the session terminal.
		if !s.HungUp() {
			s.setState(StateReady)
		}
	}()

	timeout := time.NewTimer(time.Duration(s.cfg.TurnTimeoutMs) * time.Millisecond)
	defer timeout.Stop()
	poll := time.NewTicker(hangupPollInterval)
	defer poll.Stop()

	for {
		select {
		case text := <-s.turns:
			return text, nil
		case <-s.hangup:
			return "", &apperrors.HangupError{Detail: "call was hung up"}
		case <-poll.C:
			if s.HungUp() {
				return "", &apperrors.HangupError{Detail: "call was hung up"}
			}
		case <-timeout.C:
			return "", &apperrors.TimeoutError{What: "user turn"}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// HandleCarrierEvent applies a normalized carrier webhook event.
func (s *Session) HandleCarrierEvent(ev carrier.Event) {
	switch ev.Kind {
	case carrier.EventInitiated:
		// Outbound leg acknowledged; nothing to change yet.
	case carrier.EventRinging:
		s.setState(StateRinging)
	case carrier.EventAnswered:
		s.setState(StateConnectingMedia)
		// Telnyx needs an explicit action to start streaming; Twilio
		// streams via the connect directive and returns nil here.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			wsURL := s.cfg.WSURL + "/media-stream?token=" + s.wsToken
			if err := s.carrier.StartMediaStream(ctx, s.CarrierCallRef(), wsURL); err != nil {
				s.logger.Error("start media stream failed", zap.Error(err))
			}
		}()
	case carrier.EventStreamReady:
		s.mu.Lock()
		s.streamReady = true
		s.mu.Unlock()
		s.maybeReady()
	case carrier.EventStreamStopped:
		s.logger.Info("carrier reported stream stopped")
	case carrier.EventMachineDetection:
		s.logger.Info("machine detection result", zap.String("result", ev.Payload["result"]))
	case carrier.EventHangup:
		s.markHungUp("carrier event")
		go s.endInternal(context.Background(), "")
	default:
		s.logger.Debug("carrier event ignored", zap.String("kind", ev.Kind))
	}
}

// claimToken performs the single-use token check for the media socket
// upgrade: constant-time compare, then a one-shot claim.
func (s *Session) claimToken(provided string) bool {
	if !webhook.VerifyStreamToken(s.wsToken, provided) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenUsed {
		return false
	}
	s.tokenUsed = true
	return true
}

func (s *Session) logTranscriptSummary() {
	entries := s.Transcript()
	s.mu.Lock()
	dur := s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()
	s.logger.Info("call finished",
		zap.Duration("duration", dur),
		zap.Int("transcript_entries", len(entries)),
	)
	for _, e := range entries {
		s.logger.Debug("transcript",
			zap.String("speaker", e.Speaker),
			zap.String("text", e.Text),
		)
	}
}
