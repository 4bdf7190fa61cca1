package audio

import (
	"encoding/binary"
	"testing"
)

func TestWrapPCMInWAV_Header(t *testing.T) {
	pcm := make([]byte, 1600) // 100ms at 8kHz
	wav := WrapPCMInWAV(pcm, 8000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}

	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if string(wav[12:16]) != "fmt " {
		t.Error("missing fmt chunk")
	}
	if got := binary.LittleEndian.Uint32(wav[16:20]); got != 16 {
		t.Errorf("fmt chunk size: got %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format: got %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels: got %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 8000 {
		t.Errorf("sample rate: got %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 16000 {
		t.Errorf("byte rate: got %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[32:34]); got != 2 {
		t.Errorf("block align: got %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample: got %d, want 16", got)
	}
	if string(wav[36:40]) != "data" {
		t.Error("missing data chunk")
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size: got %d, want %d", got, len(pcm))
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size: got %d, want %d", got, 36+len(pcm))
	}
}
