package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
)

// closeDrainTimeout bounds how long Close waits for queued teardown
// events to reach the wire.
const closeDrainTimeout = 500 * time.Millisecond

// Callbacks receive model output. All fields are required; a session
// with a missing callback is a programmer error caught at construction.
type Callbacks struct {
	OnAudioOut     func(pcm24k []byte)
	OnText         func(text, role string)
	OnToolUse      func(name, id string, input map[string]interface{})
	OnTurnComplete func()
	OnInterruption func()

	// OnError is optional; stream failures during a live call are
	// reported here after per-frame recovery is exhausted.
	OnError func(err error)
}

func (c Callbacks) validate() error {
	switch {
	case c.OnAudioOut == nil:
		return fmt.Errorf("OnAudioOut callback is required")
	case c.OnText == nil:
		return fmt.Errorf("OnText callback is required")
	case c.OnToolUse == nil:
		return fmt.Errorf("OnToolUse callback is required")
	case c.OnTurnComplete == nil:
		return fmt.Errorf("OnTurnComplete callback is required")
	case c.OnInterruption == nil:
		return fmt.Errorf("OnInterruption callback is required")
	}
	return nil
}

// Config holds the per-session model parameters.
type Config struct {
	StreamURL    string
	ModelID      string
	VoiceID      string
	MaxTokens    int
	Temperature  float64
	TopP         float64
	SystemPrompt string
	Tools        []tools.Tool
}

// Session is one bidirectional model stream. Outbound events flow
// through a two-lane queue (control beats audio, audio gated while the
// model speaks); inbound events dispatch to the callbacks.
type Session struct {
	cfg    Config
	cb     Callbacks
	logger *zap.Logger

	conn  *websocket.Conn
	queue *eventQueue

	promptName   string
	audioContent string

	mu              sync.Mutex
	toolNames       map[string]string // toolUseId -> toolName
	toolInputs      map[string]string // toolUseId -> accumulated content
	speakingContent string            // contentName that opened model speech

	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	closing    chan struct{}
}

// NewSession builds a session; Connect must be called before use.
func NewSession(cfg Config, cb Callbacks, logger *zap.Logger) (*Session, error) {
	if err := cb.validate(); err != nil {
		return nil, err
	}
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("stream URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:          cfg,
		cb:           cb,
		logger:       logger,
		queue:        newEventQueue(),
		promptName:   uuid.NewString(),
		audioContent: uuid.NewString(),
		toolNames:    make(map[string]string),
		toolInputs:   make(map[string]string),
		writerDone:   make(chan struct{}),
		readerDone:   make(chan struct{}),
		closing:      make(chan struct{}),
	}, nil
}

// Connect dials the stream, starts the writer and reader, and enqueues
// the fixed setup sequence. Returns once the stream is writable.
func (s *Session) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.StreamURL, nil)
	if err != nil {
		return &apperrors.AgentError{Detail: "connect failed", Cause: err}
	}
	s.conn = conn

	go s.writerLoop()
	go s.readerLoop()

	s.enqueueSetup()
	return nil
}

// enqueueSetup emits the session bootstrap in its contractual order:
// sessionStart, promptStart, the system text block, then the audio
// block that stays open for the whole call.
func (s *Session) enqueueSetup() {
	s.queue.pushControl(Envelope{Event: EventBody{SessionStart: &SessionStartEvent{
		InferenceConfiguration: InferenceConfiguration{
			MaxTokens:   s.cfg.MaxTokens,
			TopP:        s.cfg.TopP,
			Temperature: s.cfg.Temperature,
		},
	}}})

	prompt := &PromptStartEvent{
		PromptName:              s.promptName,
		TextOutputConfiguration: TextConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: AudioOutputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 24000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         s.cfg.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
		ToolUseOutputConfig: TextConfiguration{MediaType: "application/json"},
	}
	if len(s.cfg.Tools) > 0 {
		toolCfg := &ToolConfiguration{}
		for _, t := range s.cfg.Tools {
			toolCfg.Tools = append(toolCfg.Tools, ToolEntry{ToolSpec: ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: ToolInputSchema{JSON: string(t.InputSchema)},
			}})
		}
		prompt.ToolConfiguration = toolCfg
	}
	s.queue.pushControl(Envelope{Event: EventBody{PromptStart: prompt}})

	systemContent := uuid.NewString()
	s.queue.pushControl(Envelope{Event: EventBody{ContentStart: &ContentStartEvent{
		PromptName:              s.promptName,
		ContentName:             systemContent,
		Type:                    TypeText,
		Interactive:             false,
		Role:                    RoleSystem,
		TextInputConfiguration:  &TextConfiguration{MediaType: "text/plain"},
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{TextInput: &TextInputEvent{
		PromptName:  s.promptName,
		ContentName: systemContent,
		Content:     s.cfg.SystemPrompt,
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{
		PromptName:  s.promptName,
		ContentName: systemContent,
	}}})

	s.queue.pushControl(Envelope{Event: EventBody{ContentStart: &ContentStartEvent{
		PromptName:  s.promptName,
		ContentName: s.audioContent,
		Type:        TypeAudio,
		Interactive: true,
		Role:        RoleUser,
		AudioInputConfiguration: &AudioInputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 16000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	}}})
}

// SendAudio enqueues 16kHz PCM for the model. Frames queue behind the
// audio gate while the model is speaking and may be dropped oldest-
// first under backlog.
func (s *Session) SendAudio(pcm16k []byte) {
	dropped := s.queue.pushAudio(Envelope{Event: EventBody{AudioInput: &AudioInputEvent{
		PromptName:  s.promptName,
		ContentName: s.audioContent,
		Content:     base64.StdEncoding.EncodeToString(pcm16k),
	}}})
	if dropped {
		s.logger.Debug("audio backlog full, dropped oldest frame")
	}
}

// SendText injects an out-of-band text block with the given role.
func (s *Session) SendText(text, role string) {
	contentName := uuid.NewString()
	s.queue.pushControl(Envelope{Event: EventBody{ContentStart: &ContentStartEvent{
		PromptName:             s.promptName,
		ContentName:            contentName,
		Type:                   TypeText,
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &TextConfiguration{MediaType: "text/plain"},
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{TextInput: &TextInputEvent{
		PromptName:  s.promptName,
		ContentName: contentName,
		Content:     text,
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{
		PromptName:  s.promptName,
		ContentName: contentName,
	}}})
}

// SendToolResult feeds a tool outcome back to the model.
func (s *Session) SendToolResult(toolUseID, result string) {
	contentName := uuid.NewString()
	s.queue.pushControl(Envelope{Event: EventBody{ContentStart: &ContentStartEvent{
		PromptName:  s.promptName,
		ContentName: contentName,
		Type:        TypeTool,
		Interactive: false,
		Role:        RoleTool,
		ToolResultInputConfig: &ToolResultInputConfig{
			ToolUseID: toolUseID,
			Type:      TypeText,
			TextInput: TextConfiguration{MediaType: "text/plain"},
		},
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{ToolResult: &ToolResultEvent{
		PromptName:  s.promptName,
		ContentName: contentName,
		Content:     result,
	}}})
	s.queue.pushControl(Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{
		PromptName:  s.promptName,
		ContentName: contentName,
	}}})
}

// Close emits the ordered teardown (content-end, prompt-end,
// session-end), drains the control queue for at most 500ms, then drops
// the socket. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)

		s.queue.pushControl(Envelope{Event: EventBody{ContentEnd: &ContentEndEvent{
			PromptName:  s.promptName,
			ContentName: s.audioContent,
		}}})
		s.queue.pushControl(Envelope{Event: EventBody{PromptEnd: &PromptEndEvent{
			PromptName: s.promptName,
		}}})
		s.queue.pushControl(Envelope{Event: EventBody{SessionEnd: &struct{}{}}})
		s.queue.close()

		select {
		case <-s.writerDone:
		case <-time.After(closeDrainTimeout):
			s.logger.Warn("teardown drain timed out")
		}

		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
	return nil
}

func (s *Session) writerLoop() {
	defer close(s.writerDone)
	for {
		e, ok := s.queue.next()
		if !ok {
			return
		}
		if err := s.conn.WriteJSON(e); err != nil {
			select {
			case <-s.closing:
			default:
				s.reportError(&apperrors.AgentError{Detail: "stream write failed", Cause: err})
			}
			return
		}
	}
}

func (s *Session) readerLoop() {
	defer close(s.readerDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.reportError(&apperrors.AgentError{Detail: "stream read failed", Cause: err})
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			// Per-frame parse errors drop the frame, never the stream.
			s.logger.Warn("unparseable model event dropped", zap.Error(err))
			continue
		}
		s.dispatch(envelope.Event)
	}
}

func (s *Session) dispatch(e EventBody) {
	switch {
	case e.ContentStart != nil:
		s.handleContentStart(e.ContentStart)
	case e.AudioOutput != nil:
		pcm, err := base64.StdEncoding.DecodeString(e.AudioOutput.Content)
		if err != nil {
			s.logger.Warn("bad audio payload dropped", zap.Error(err))
			return
		}
		s.cb.OnAudioOut(pcm)
	case e.TextOutput != nil:
		s.cb.OnText(e.TextOutput.Content, e.TextOutput.Role)
	case e.ToolUse != nil:
		s.accumulateToolUse(e.ToolUse)
	case e.ContentEnd != nil:
		s.handleContentEnd(e.ContentEnd)
	case e.CompletionEnd != nil:
		s.cb.OnTurnComplete()
	case e.UsageEvent != nil:
		s.logger.Debug("usage event", zap.ByteString("usage", e.UsageEvent))
	case e.ModelStreamError != nil:
		s.reportError(&apperrors.AgentError{Detail: "model stream error: " + string(e.ModelStreamError)})
	case e.InternalServerError != nil:
		s.reportError(&apperrors.AgentError{Detail: "model internal error: " + string(e.InternalServerError)})
	default:
		s.logger.Debug("unrecognized model event ignored")
	}
}

func (s *Session) handleContentStart(e *ContentStartEvent) {
	if e.Role == RoleAssistant || e.Type == TypeAudio {
		s.mu.Lock()
		s.speakingContent = e.ContentName
		s.mu.Unlock()
		s.queue.setModelSpeaking(true)
	}
}

func (s *Session) handleContentEnd(e *ContentEndEvent) {
	if e.Type == TypeTool {
		s.finishToolUse()
		return
	}

	if e.StopReason == StopInterrupted {
		s.mu.Lock()
		s.speakingContent = ""
		s.mu.Unlock()
		s.queue.setModelSpeaking(false)
		metrics.BargeIn()
		s.cb.OnInterruption()
		return
	}

	s.mu.Lock()
	matched := s.speakingContent != "" && (e.ContentName == "" || e.ContentName == s.speakingContent)
	if matched {
		s.speakingContent = ""
	}
	s.mu.Unlock()
	if matched {
		s.queue.setModelSpeaking(false)
	}
}

// accumulateToolUse collects incremental toolUse content keyed by
// toolUseId; the closing contentEnd{type=TOOL} dispatches it.
func (s *Session) accumulateToolUse(e *ToolUseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ToolName != "" {
		s.toolNames[e.ToolUseID] = e.ToolName
	}
	s.toolInputs[e.ToolUseID] += e.Content
}

func (s *Session) finishToolUse() {
	s.mu.Lock()
	pending := make(map[string]string, len(s.toolInputs))
	for id, content := range s.toolInputs {
		pending[id] = content
	}
	names := make(map[string]string, len(s.toolNames))
	for id, name := range s.toolNames {
		names[id] = name
	}
	s.toolInputs = make(map[string]string)
	s.toolNames = make(map[string]string)
	s.mu.Unlock()

	for id, content := range pending {
		input := map[string]interface{}{}
		if content != "" {
			if err := json.Unmarshal([]byte(content), &input); err != nil {
				// Unparseable input still reaches the executor as raw text.
				input = map[string]interface{}{"raw": content}
			}
		}
		s.cb.OnToolUse(names[id], id, input)
	}
}

func (s *Session) reportError(err error) {
	s.logger.Error("agent stream error", zap.Error(err))
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}
