package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/audio"
	"github.com/ross-commits/talk-to-claude/pkg/circuitbreaker"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
)

// ErrTranscribing is returned when a transcription is already in
// flight; the caller drops the utterance rather than queueing.
var ErrTranscribing = errors.New("transcription already in progress")

// STTService posts WAV-wrapped utterances to a Whisper-compatible
// transcription endpoint.
type STTService struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger

	transcribing atomic.Bool
}

// NewSTTService creates an STT service. httpClient is shared across
// sessions; nil gets a 30s-timeout default.
func NewSTTService(apiKey, model, baseURL string, httpClient *http.Client, logger *zap.Logger) *STTService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &STTService{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: httpClient,
		breaker:    circuitbreaker.New("stt", circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
}

// Transcribe decodes a μ-law 8kHz utterance, wraps it in a WAV and
// posts it. At most one post is in flight; concurrent calls get
// ErrTranscribing.
func (s *STTService) Transcribe(ctx context.Context, muLaw []byte) (string, error) {
	if len(muLaw) == 0 {
		return "", nil
	}
	if !s.transcribing.CompareAndSwap(false, true) {
		return "", ErrTranscribing
	}
	defer s.transcribing.Store(false)

	wav := audio.WrapPCMInWAV(audio.DecodeMuLawToPCM16(muLaw), 8000)

	var text string
	start := time.Now()
	err := s.breaker.Execute(ctx, func() error {
		var postErr error
		text, postErr = s.post(ctx, wav)
		return postErr
	})
	metrics.RecordServiceCall("stt", err == nil, time.Since(start))
	if err != nil {
		return "", err
	}
	return text, nil
}

func (s *STTService) post(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	if err := writer.WriteField("model", s.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("STT API error: %d - %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Text, nil
}
