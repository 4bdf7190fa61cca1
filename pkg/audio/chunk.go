package audio

import "encoding/base64"

// FrameSize is the size of one 20ms μ-law frame at 8kHz on the carrier wire.
const FrameSize = 160

// ChunkBytes splits data into chunks of the given size. The final chunk may
// be shorter. A non-positive size defaults to FrameSize.
func ChunkBytes(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = FrameSize
	}

	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// EncodePayload encodes an audio chunk for a carrier media JSON envelope.
func EncodePayload(chunk []byte) string {
	return base64.StdEncoding.EncodeToString(chunk)
}

// DecodePayload decodes a base64 media payload from a carrier event.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
