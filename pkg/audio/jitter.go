package audio

import "sync"

// JitterBuffer smooths bursty TTS delivery into steady 20ms μ-law frames.
// Playback does not begin until primeMs of audio is buffered; after that
// the buffer drains in FrameSize units, and Flush returns the short tail
// at end-of-stream.
type JitterBuffer struct {
	mu      sync.Mutex
	buf     []byte
	primed  bool
	primeAt int
}

// NewJitterBuffer creates a buffer that primes after primeMs of audio at
// the given wire sample rate (one byte per μ-law sample).
func NewJitterBuffer(primeMs, sampleRate int) *JitterBuffer {
	if primeMs <= 0 {
		primeMs = 100
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &JitterBuffer{primeAt: primeMs * sampleRate / 1000}
}

// Write appends μ-law audio to the buffer.
func (j *JitterBuffer) Write(muLaw []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buf = append(j.buf, muLaw...)
	if !j.primed && len(j.buf) >= j.primeAt {
		j.primed = true
	}
}

// ReadFrame returns the next full frame once the buffer has primed.
// It returns false while priming or when less than one frame remains.
func (j *JitterBuffer) ReadFrame() ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.primed || len(j.buf) < FrameSize {
		return nil, false
	}
	frame := make([]byte, FrameSize)
	copy(frame, j.buf[:FrameSize])
	j.buf = j.buf[FrameSize:]
	return frame, true
}

// Flush returns whatever remains, primed or not, and resets the buffer.
// Called at end-of-stream so sub-frame tails are not lost.
func (j *JitterBuffer) Flush() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	tail := j.buf
	j.buf = nil
	j.primed = false
	return tail
}

// Buffered reports how many bytes are currently queued.
func (j *JitterBuffer) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}
