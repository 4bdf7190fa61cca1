package audio

// pcmToSamples converts 16-bit little-endian PCM bytes to int16 samples.
// Odd trailing bytes are ignored.
func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// samplesToPCM converts int16 samples back to 16-bit little-endian PCM bytes.
func samplesToPCM(samples []int16) []byte {
	result := make([]byte, len(samples)*2)
	for i, sample := range samples {
		result[i*2] = byte(sample & 0xFF)
		result[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return result
}

// Upsample8kTo16k resamples 8kHz PCM16 audio to 16kHz.
// For each input sample it emits the sample and the mean of the sample
// and its successor; the last sample is repeated.
// Input/output: 16-bit signed little-endian PCM.
func Upsample8kTo16k(pcm8k []byte) []byte {
	if len(pcm8k) < 2 {
		return nil
	}

	samples := pcmToSamples(pcm8k)
	out := make([]int16, len(samples)*2)

	for i, s := range samples {
		out[i*2] = s
		if i < len(samples)-1 {
			out[i*2+1] = int16((int32(s) + int32(samples[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}

	return samplesToPCM(out)
}

// Downsample24kTo8k resamples 24kHz PCM16 audio to 8kHz by averaging
// non-overlapping groups of 3 adjacent samples. A final partial group is
// padded by repeating the last sample.
// Input/output: 16-bit signed little-endian PCM.
func Downsample24kTo8k(pcm24k []byte) []byte {
	if len(pcm24k) < 2 {
		return nil
	}

	samples := pcmToSamples(pcm24k)
	out := make([]int16, 0, (len(samples)+2)/3)

	for i := 0; i < len(samples); i += 3 {
		sum := int32(samples[i])
		for j := 1; j < 3; j++ {
			if i+j < len(samples) {
				sum += int32(samples[i+j])
			} else {
				sum += int32(samples[len(samples)-1])
			}
		}
		out = append(out, int16(sum/3))
	}

	return samplesToPCM(out)
}
