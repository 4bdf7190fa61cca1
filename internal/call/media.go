package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/audio"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
)

// frameInterval is the wall-clock pacing of outbound audio: one
// 160-byte μ-law frame per 20ms.
const frameInterval = 20 * time.Millisecond

// maxAudioFrames bounds the outbound audio queue at ~2s.
const maxAudioFrames = 100

// mediaFrame is the carrier's JSON framing on the media socket.
type mediaFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// mediaLink owns the carrier media socket: one reader task and one
// writer task that serializes all egress, control before audio, audio
// paced at wall clock.
type mediaLink struct {
	s *Session

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	inFlight bool // writer is mid-frame

	controlCh chan []byte // marshaled envelopes, never dropped
	audioCh   chan []byte // raw 160-byte μ-law frames, drop-oldest
	stop      chan struct{}
	stopOnce  sync.Once
	writerWG  sync.WaitGroup
}

func newMediaLink(s *Session) *mediaLink {
	return &mediaLink{
		s:         s,
		controlCh: make(chan []byte, 16),
		audioCh:   make(chan []byte, maxAudioFrames),
		stop:      make(chan struct{}),
	}
}

// bind attaches the upgraded socket and starts the reader and writer.
// Only the first socket binds; later upgrades are rejected upstream by
// the single-use token.
func (m *mediaLink) bind(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.writerWG.Add(1)
	go m.writerLoop()
	go m.readLoop()
}

func (m *mediaLink) bound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// outboundIdle reports whether all queued egress has been written.
func (m *mediaLink) outboundIdle() bool {
	m.mu.Lock()
	busy := m.inFlight
	m.mu.Unlock()
	return len(m.audioCh) == 0 && len(m.controlCh) == 0 && !busy
}

// enqueueAudio splits μ-law into 20ms frames and queues them. Under
// backlog the oldest frame is dropped so latency stays bounded.
func (m *mediaLink) enqueueAudio(muLaw []byte) {
	for off := 0; off < len(muLaw); off += audio.FrameSize {
		end := off + audio.FrameSize
		if end > len(muLaw) {
			end = len(muLaw)
		}
		frame := make([]byte, end-off)
		copy(frame, muLaw[off:end])

		select {
		case m.audioCh <- frame:
		default:
			select {
			case <-m.audioCh:
				m.s.logger.Debug("outbound audio backlog full, dropped oldest frame")
			default:
			}
			select {
			case m.audioCh <- frame:
			default:
			}
		}
	}
}

// sendClear emits the carrier's clear-outbound-audio directive and
// discards any queued audio frames.
func (m *mediaLink) sendClear() {
	for {
		select {
		case <-m.audioCh:
			continue
		default:
		}
		break
	}

	m.s.mu.Lock()
	streamID := m.s.mediaStreamID
	m.s.mu.Unlock()

	payload, err := json.Marshal(map[string]string{
		"event":     "clear",
		"streamSid": streamID,
	})
	if err != nil {
		return
	}
	select {
	case m.controlCh <- payload:
	case <-m.stop:
	}
}

func (m *mediaLink) close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.writerWG.Wait()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.closed = true
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *mediaLink) writerLoop() {
	defer m.writerWG.Done()
	for {
		// Control always preempts audio.
		select {
		case payload := <-m.controlCh:
			m.write(payload)
			continue
		case <-m.stop:
			return
		default:
		}

		select {
		case payload := <-m.controlCh:
			m.write(payload)
		case frame := <-m.audioCh:
			if m.writeAudioFrame(frame) {
				time.Sleep(frameInterval)
			}
		case <-m.stop:
			return
		}
	}
}

func (m *mediaLink) write(payload []byte) {
	m.mu.Lock()
	conn := m.conn
	m.inFlight = true
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.s.logger.Debug("media write failed", zap.Error(err))
	}
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

// writeAudioFrame sends one μ-law frame. Frames are dropped unless the
// stream is acknowledged and has an id.
func (m *mediaLink) writeAudioFrame(frame []byte) bool {
	m.s.mu.Lock()
	ready := m.s.streamReady
	streamID := m.s.mediaStreamID
	m.s.mu.Unlock()
	if !ready || streamID == "" {
		m.s.logger.Debug("dropped audio frame, stream not ready")
		return false
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":     "media",
		"streamSid": streamID,
		"media":     map[string]string{"payload": audio.EncodePayload(frame)},
	})
	if err != nil {
		return false
	}
	m.write(payload)
	metrics.FrameOut()
	return true
}

func (m *mediaLink) readLoop() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				m.s.logger.Info("media socket closed", zap.Error(err))
				m.s.markHungUp("media socket closed")
			}
			return
		}

		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Per-frame parse errors drop the frame, never the call.
			m.s.logger.Debug("unparseable media frame dropped", zap.Error(err))
			continue
		}
		m.handleFrame(frame)
	}
}

func (m *mediaLink) handleFrame(frame mediaFrame) {
	switch frame.Event {
	case "connected":
		// Handshake preamble, no payload of interest.
	case "start":
		streamID := frame.StreamSid
		if frame.Start != nil && frame.Start.StreamSid != "" {
			streamID = frame.Start.StreamSid
		}
		m.s.mu.Lock()
		m.s.mediaStreamID = streamID
		m.s.streamReady = true
		m.s.mu.Unlock()
		m.s.logger.Info("media stream started", zap.String("stream_sid", streamID))
		m.s.maybeReady()
	case "media":
		if frame.Media == nil {
			return
		}
		// Only caller audio feeds the backend; outbound echo tracks are
		// ignored.
		if frame.Media.Track != "" && frame.Media.Track != "inbound" && frame.Media.Track != "inbound_track" {
			return
		}
		muLaw, err := audio.DecodePayload(frame.Media.Payload)
		if err != nil {
			m.s.logger.Debug("bad media payload dropped", zap.Error(err))
			return
		}
		metrics.FrameIn()
		if m.s.backend != nil {
			m.s.backend.HandleInboundAudio(muLaw)
		}
	case "mark":
		if frame.Mark != nil {
			m.s.logger.Debug("media mark", zap.String("name", frame.Mark.Name))
		}
	case "stop":
		m.s.logger.Info("media stream stopped by carrier")
	default:
		m.s.logger.Debug("media event ignored", zap.String("event", frame.Event))
	}
}
