package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/circuitbreaker"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
)

// ttsChunkBytes is the read granularity on the streaming body: 100ms
// of 24kHz PCM16 mono.
const ttsChunkBytes = 4800

// TTSService streams synthesized speech as raw 24kHz PCM16LE.
type TTSService struct {
	apiKey     string
	model      string
	voice      string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewTTSService creates a TTS service. httpClient is shared across
// sessions; nil gets a 60s-timeout default (synthesis of long replies
// outlives the 30s REST default).
func NewTTSService(apiKey, model, voice, baseURL string, httpClient *http.Client, logger *zap.Logger) *TTSService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if model == "" {
		model = "tts-1"
	}
	return &TTSService{
		apiKey:     apiKey,
		model:      model,
		voice:      voice,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    circuitbreaker.New("tts", circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
}

// Synthesize streams text as PCM chunks to emit as they arrive from
// the endpoint. emit returning an error aborts the stream (used for
// hangup mid-synthesis).
func (s *TTSService) Synthesize(ctx context.Context, text string, emit func(pcm24k []byte) error) error {
	if text == "" {
		return nil
	}

	start := time.Now()
	err := s.breaker.Execute(ctx, func() error {
		return s.stream(ctx, text, emit)
	})
	metrics.RecordServiceCall("tts", err == nil, time.Since(start))
	return err
}

func (s *TTSService) stream(ctx context.Context, text string, emit func([]byte) error) error {
	payload := map[string]string{
		"model":           s.model,
		"input":           text,
		"voice":           s.voice,
		"response_format": "pcm",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/speech", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("TTS API error: %d - %s", resp.StatusCode, string(body))
	}

	buf := make([]byte, ttsChunkBytes)
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}
