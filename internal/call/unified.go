package call

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/agent"
	"github.com/ross-commits/talk-to-claude/pkg/audio"
)

// unifiedBackend drives the bidirectional speech model: caller μ-law
// upsampled to 16kHz flows in, 24kHz model speech flows back out as
// paced μ-law frames.
type unifiedBackend struct {
	s     *Session
	agent *agent.Session

	mu       sync.Mutex
	userText strings.Builder // accumulates the current user turn
}

func newUnifiedBackend(s *Session) *unifiedBackend {
	return &unifiedBackend{s: s}
}

func (u *unifiedBackend) Connect(ctx context.Context) error {
	cfg := agent.Config{
		StreamURL:    u.s.cfg.AgentStreamURL,
		ModelID:      u.s.cfg.AgentModelID,
		VoiceID:      u.s.cfg.AgentVoiceID,
		MaxTokens:    u.s.cfg.AgentMaxTokens,
		Temperature:  u.s.cfg.Temperature,
		TopP:         u.s.cfg.TopP,
		SystemPrompt: u.s.cfg.SystemPrompt,
		Tools:        u.s.registry.List(),
	}

	session, err := agent.NewSession(cfg, agent.Callbacks{
		OnAudioOut:     u.onAudioOut,
		OnText:         u.onText,
		OnToolUse:      u.onToolUse,
		OnTurnComplete: u.onTurnComplete,
		OnInterruption: u.onInterruption,
		OnError:        u.onError,
	}, u.s.logger)
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	u.agent = session
	return nil
}

func (u *unifiedBackend) HandleInboundAudio(muLaw []byte) {
	if u.agent == nil {
		return
	}
	pcm16k := audio.Upsample8kTo16k(audio.DecodeMuLawToPCM16(muLaw))
	u.agent.SendAudio(pcm16k)
}

// Deliver injects driver text as a user-role block; the model responds
// by speaking.
func (u *unifiedBackend) Deliver(ctx context.Context, message string) error {
	u.agent.SendText(message, agent.RoleUser)
	return nil
}

func (u *unifiedBackend) Close() error {
	if u.agent == nil {
		return nil
	}
	return u.agent.Close()
}

// onAudioOut resamples 24kHz model speech down to the 8kHz μ-law wire.
func (u *unifiedBackend) onAudioOut(pcm24k []byte) {
	muLaw := audio.EncodePCM16ToMuLaw(audio.Downsample24kTo8k(pcm24k))
	u.s.media.enqueueAudio(muLaw)
}

func (u *unifiedBackend) onText(text, role string) {
	switch role {
	case agent.RoleUser:
		u.mu.Lock()
		if u.userText.Len() > 0 {
			u.userText.WriteByte(' ')
		}
		u.userText.WriteString(text)
		u.mu.Unlock()
	case agent.RoleAssistant:
		u.s.recordTranscript("agent", text)
	}
}

// onTurnComplete flushes the accumulated user transcript to whoever is
// waiting on the turn.
func (u *unifiedBackend) onTurnComplete() {
	u.mu.Lock()
	text := strings.TrimSpace(u.userText.String())
	u.userText.Reset()
	u.mu.Unlock()
	if text != "" {
		u.s.deliverUserTurn(text)
	}
}

// onInterruption stops the carrier's egress buffer so the user hears
// their interruption take effect immediately.
func (u *unifiedBackend) onInterruption() {
	u.s.logger.Debug("user barge-in, clearing outbound audio")
	u.s.media.sendClear()
}

func (u *unifiedBackend) onToolUse(name, id string, input map[string]interface{}) {
	u.s.setState(StateToolCall)
	go func() {
		defer u.s.setState(StateReady)
		result, isError := u.s.registry.Execute(context.Background(), name, input)
		u.s.logger.Info("tool executed",
			zap.String("tool", name),
			zap.String("tool_use_id", id),
			zap.Bool("is_error", isError),
		)
		u.agent.SendToolResult(id, result)
	}()
}

// onError ends the call: a broken model stream mid-call is not
// recoverable, so close in order and release the carrier leg.
func (u *unifiedBackend) onError(err error) {
	u.s.logger.Error("agent stream failed, ending call", zap.Error(err))
	go u.s.endInternal(context.Background(), "")
}
