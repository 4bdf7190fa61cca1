package audio

import (
	"math"
	"sync"
)

// Defaults for the energy-based utterance detector.
const (
	minSpeechMs      = 300 // speech must persist this long before an utterance opens
	preRollMs        = 500 // audio retained before speech onset
	defaultSilenceMs = 800
	defaultThreshold = 500.0
)

// UtteranceConfig configures the energy detector.
type UtteranceConfig struct {
	SampleRate      int     // wire rate, samples per second (8000 for μ-law telephony)
	SilenceMs       int     // trailing silence that closes an utterance
	EnergyThreshold float64 // RMS threshold on decoded PCM16 separating speech from silence
}

// UtteranceDetector accumulates μ-law audio and detects utterance
// boundaries with a simple RMS energy gate: an utterance is open once
// energy stays above the threshold for at least 300ms, and closes after
// the configured silence window.
type UtteranceDetector struct {
	cfg UtteranceConfig

	mu        sync.Mutex
	buf       []byte
	speechMs  int
	silenceMs int
	inSpeech  bool
}

// NewUtteranceDetector creates a detector. Zero config fields get defaults
// (8kHz, 800ms silence, threshold 500).
func NewUtteranceDetector(cfg UtteranceConfig) *UtteranceDetector {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.SilenceMs == 0 {
		cfg.SilenceMs = defaultSilenceMs
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = defaultThreshold
	}
	return &UtteranceDetector{cfg: cfg}
}

// Feed appends one μ-law chunk. When the chunk completes an utterance the
// accumulated μ-law audio is returned and the detector resets.
func (d *UtteranceDetector) Feed(muLaw []byte) ([]byte, bool) {
	if len(muLaw) == 0 {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chunkMs := len(muLaw) * 1000 / d.cfg.SampleRate
	energy := RMSEnergy(DecodeMuLawToPCM16(muLaw))

	d.buf = append(d.buf, muLaw...)

	if energy >= d.cfg.EnergyThreshold {
		d.speechMs += chunkMs
		d.silenceMs = 0
		if d.speechMs >= minSpeechMs {
			d.inSpeech = true
		}
		return nil, false
	}

	if !d.inSpeech {
		// Not yet an utterance: keep only a short pre-roll so the onset
		// of speech is not clipped.
		d.speechMs = 0
		maxPreRoll := preRollMs * d.cfg.SampleRate / 1000
		if len(d.buf) > maxPreRoll {
			d.buf = d.buf[len(d.buf)-maxPreRoll:]
		}
		return nil, false
	}

	d.silenceMs += chunkMs
	if d.silenceMs < d.cfg.SilenceMs {
		return nil, false
	}

	utterance := d.buf
	d.buf = nil
	d.speechMs = 0
	d.silenceMs = 0
	d.inSpeech = false
	return utterance, true
}

// Reset discards any buffered audio and speech state.
func (d *UtteranceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = nil
	d.speechMs = 0
	d.silenceMs = 0
	d.inSpeech = false
}

// RMSEnergy computes the root-mean-square energy of 16-bit little-endian
// PCM samples.
func RMSEnergy(pcm []byte) float64 {
	samples := pcmToSamples(pcm)
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
