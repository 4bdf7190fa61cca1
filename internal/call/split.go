package call

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/ai"
	"github.com/ross-commits/talk-to-claude/pkg/audio"
	"github.com/ross-commits/talk-to-claude/pkg/env"
)

// jitterPrimeMs is how much synthesized audio buffers before playback
// starts, so bursty TTS delivery doesn't stutter on the wire.
const jitterPrimeMs = 100

// utteranceBudget bounds one caller turn end to end: transcription,
// brain round trips, tool execution and speech synthesis.
const utteranceBudget = 2 * time.Minute

// splitBackend is the STT/brain/TTS pipeline: caller utterances are
// segmented by energy, transcribed, optionally answered by a local
// language model, and spoken back through streaming synthesis. With no
// brain configured (split-basic) transcripts go straight to the driver
// and Deliver speaks its message verbatim.
type splitBackend struct {
	s          *Session
	httpClient *http.Client

	stt      *ai.STTService
	tts      *ai.TTSService
	brain    *ai.Brain // nil in split-basic mode
	detector *audio.UtteranceDetector

	mu     sync.Mutex
	closed bool

	// speechMu serializes synthesized speech: an autonomous brain turn
	// and a concurrent driver speak must not interleave frames on the
	// wire.
	speechMu sync.Mutex
}

func newSplitBackend(s *Session, httpClient *http.Client) *splitBackend {
	return &splitBackend{s: s, httpClient: httpClient}
}

func (b *splitBackend) Connect(ctx context.Context) error {
	cfg := b.s.cfg

	b.stt = ai.NewSTTService(cfg.STTApiKey, cfg.STTModel, cfg.STTBaseURL, b.httpClient, b.s.logger)
	b.tts = ai.NewTTSService(cfg.TTSApiKey, cfg.TTSModel, cfg.TTSVoice, cfg.TTSBaseURL, b.httpClient, b.s.logger)
	b.detector = audio.NewUtteranceDetector(audio.UtteranceConfig{
		SampleRate:      8000,
		SilenceMs:       cfg.VADSilenceMs,
		EnergyThreshold: cfg.VADEnergyThreshold,
	})

	if cfg.VoiceBackend != env.BackendSplitBasic {
		b.brain = ai.NewBrain(ai.BrainConfig{
			APIKey:          cfg.AnthropicApiKey,
			Model:           cfg.BrainModel,
			MaxTokens:       cfg.BrainMaxTokens,
			SystemPrompt:    cfg.SystemPrompt,
			ContextTemplate: cfg.BrainContextTemplate,
			Tools:           b.s.registry.List(),
		}, b.httpClient, b.s.logger)
	}
	return nil
}

// HandleInboundAudio feeds caller μ-law into the energy detector; a
// completed utterance kicks off a turn on its own goroutine so the
// media reader never blocks on network calls.
func (b *splitBackend) HandleInboundAudio(muLaw []byte) {
	b.mu.Lock()
	closed := b.closed
	detector := b.detector
	b.mu.Unlock()
	if closed || detector == nil {
		return
	}

	utterance, done := detector.Feed(muLaw)
	if !done {
		return
	}
	go b.handleUtterance(utterance)
}

func (b *splitBackend) handleUtterance(utterance []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), utteranceBudget)
	defer cancel()

	text, err := b.stt.Transcribe(ctx, utterance)
	if err != nil {
		if errors.Is(err, ai.ErrTranscribing) {
			// A transcription is already in flight; this utterance loses.
			b.s.logger.Debug("utterance dropped, transcription in flight")
			return
		}
		b.s.logger.Warn("transcription failed", zap.Error(err))
		return
	}
	if text == "" {
		return
	}

	b.s.deliverUserTurn(text)

	if b.brain == nil {
		return
	}
	resp, err := b.brain.Respond(ctx, text)
	if err != nil {
		b.s.logger.Warn("brain turn failed", zap.Error(err))
		return
	}
	if err := b.finishTurn(ctx, resp); err != nil {
		b.s.logger.Warn("brain turn incomplete", zap.Error(err))
	}
}

// Deliver routes a driver message: with a brain it is injected as
// conversational context and the brain's reply is spoken; without one
// the message itself is synthesized verbatim.
func (b *splitBackend) Deliver(ctx context.Context, message string) error {
	if b.brain == nil {
		return b.speakText(ctx, message)
	}
	resp, err := b.brain.InjectContext(ctx, message)
	if err != nil {
		return err
	}
	return b.finishTurn(ctx, resp)
}

// finishTurn speaks the brain's text and loops through tool rounds
// until the model stops asking for tools.
func (b *splitBackend) finishTurn(ctx context.Context, resp *ai.Response) error {
	for {
		if resp.Text != "" {
			b.s.recordTranscript("agent", resp.Text)
			if err := b.speakText(ctx, resp.Text); err != nil {
				return err
			}
		}
		if resp.StopReason != ai.StopToolUse || len(resp.ToolUses) == 0 {
			return nil
		}

		results := b.executeTools(ctx, resp.ToolUses)
		var err error
		resp, err = b.brain.HandleToolResults(ctx, resp.ToolUses, results)
		if err != nil {
			return err
		}
	}
}

// executeTools runs requested tools in parallel; results keep the
// request order so tool_use ids pair with their results.
func (b *splitBackend) executeTools(ctx context.Context, uses []ai.ToolUse) []string {
	b.s.setState(StateToolCall)
	defer b.s.setState(StateReady)

	results := make([]string, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(i int, use ai.ToolUse) {
			defer wg.Done()
			result, isError := b.s.registry.Execute(ctx, use.Name, use.Input)
			b.s.logger.Info("tool executed",
				zap.String("tool", use.Name),
				zap.String("tool_use_id", use.ID),
				zap.Bool("is_error", isError),
			)
			results[i] = result
		}(i, use)
	}
	wg.Wait()
	return results
}

// speakText streams synthesized speech to the caller. The jitter buffer
// holds 100ms before the first frame so network bursts don't gap the
// audio; the flush tail keeps sub-frame endings audible.
func (b *splitBackend) speakText(ctx context.Context, text string) error {
	b.speechMu.Lock()
	defer b.speechMu.Unlock()

	b.s.setState(StateSpeakingAgent)
	defer b.s.setState(StateReady)

	jitter := audio.NewJitterBuffer(jitterPrimeMs, 8000)
	err := b.tts.Synthesize(ctx, text, func(pcm24k []byte) error {
		if b.s.HungUp() {
			return errors.New("call hung up during synthesis")
		}
		jitter.Write(audio.EncodePCM16ToMuLaw(audio.Downsample24kTo8k(pcm24k)))
		for {
			frame, ok := jitter.ReadFrame()
			if !ok {
				return nil
			}
			b.s.media.enqueueAudio(frame)
		}
	})
	if err != nil {
		return err
	}
	if tail := jitter.Flush(); len(tail) > 0 {
		b.s.media.enqueueAudio(tail)
	}
	return nil
}

func (b *splitBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	detector := b.detector
	b.mu.Unlock()
	if detector != nil {
		detector.Reset()
	}
	return nil
}
