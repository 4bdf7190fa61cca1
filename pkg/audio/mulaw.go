package audio

// G.711 μ-law companding constants (ITU-T reference implementation)
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// DecodeMuLaw converts a single G.711 μ-law byte to a signed 16-bit sample.
// μ-law bytes are stored inverted on the wire: invert, then unpack
// sign (bit 7), exponent (bits 4-6) and mantissa (bits 0-3).
func DecodeMuLaw(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F

	sample := ((int(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMuLaw converts a signed 16-bit sample to a G.711 μ-law byte.
// Clips to ±32635, adds the bias, locates the exponent as the highest
// set bit in [14..7], packs sign+exponent+mantissa and inverts.
func EncodeMuLaw(sample int16) byte {
	var sign byte
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(uint(exponent)+3)) & 0x0F

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeMuLawToPCM16 converts G.711 μ-law (8-bit samples at 8kHz) to
// 16-bit signed little-endian PCM.
func DecodeMuLawToPCM16(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}

	result := make([]byte, len(muLaw)*2)
	for i, mu := range muLaw {
		sample := DecodeMuLaw(mu)
		result[i*2] = byte(sample & 0xFF)
		result[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return result
}

// EncodePCM16ToMuLaw converts 16-bit signed little-endian PCM to
// G.711 μ-law bytes. Odd trailing bytes are ignored.
func EncodePCM16ToMuLaw(pcm []byte) []byte {
	if len(pcm) < 2 {
		return nil
	}

	result := make([]byte, len(pcm)/2)
	for i := range result {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		result[i] = EncodeMuLaw(sample)
	}
	return result
}
