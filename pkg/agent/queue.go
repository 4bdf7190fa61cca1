package agent

import "sync"

// maxAudioBacklog bounds the audio queue at ~2s of 20ms frames.
// Overflow drops the oldest frame; control events are never dropped.
const maxAudioBacklog = 100

// eventQueue feeds the stream writer. Control events have strict
// priority over audio, and audio is withheld entirely while the model
// is speaking so that resumed audio registers as an interruption.
type eventQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	control []Envelope
	audio   []Envelope

	modelSpeaking bool
	closed        bool
	dropped       int64
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// pushControl enqueues a control event. Always accepted, even while
// closing, so teardown events drain.
func (q *eventQueue) pushControl(e Envelope) {
	q.mu.Lock()
	q.control = append(q.control, e)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pushAudio enqueues an audio event, dropping the oldest frame on
// overflow. Rejected after close.
func (q *eventQueue) pushAudio(e Envelope) (droppedOldest bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.audio) >= maxAudioBacklog {
		q.audio = q.audio[1:]
		q.dropped++
		droppedOldest = true
	}
	q.audio = append(q.audio, e)
	q.mu.Unlock()
	q.cond.Broadcast()
	return droppedOldest
}

// setModelSpeaking flips the audio gate and wakes the iterator.
func (q *eventQueue) setModelSpeaking(speaking bool) {
	q.mu.Lock()
	q.modelSpeaking = speaking
	q.mu.Unlock()
	q.cond.Broadcast()
}

// close stops accepting audio. next keeps returning queued control
// events until they drain, then reports done.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.audio = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

// next blocks until an event is available and returns it. Control
// beats audio whenever both are ready; audio additionally waits for
// the model to stop speaking. Returns ok=false once closed and all
// control events have drained.
func (q *eventQueue) next() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.control) > 0 {
			e := q.control[0]
			q.control = q.control[1:]
			return e, true
		}
		if q.closed {
			return Envelope{}, false
		}
		if len(q.audio) > 0 && !q.modelSpeaking {
			e := q.audio[0]
			q.audio = q.audio[1:]
			return e, true
		}
		q.cond.Wait()
	}
}
