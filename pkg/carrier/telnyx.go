package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/webhook"
)

const telnyxDefaultBaseURL = "https://api.telnyx.com"

// Telnyx talks to the Telnyx Call Control API. Unlike Twilio the media
// stream starts with an explicit streaming_start action after answer.
type Telnyx struct {
	apiKey       string
	publicKey    string // base64 Ed25519 key for webhook verification
	connectionID string
	baseURL      string
	httpClient   *http.Client
}

// NewTelnyx creates a Telnyx adapter. httpClient is shared across
// sessions; nil gets a 30s-timeout default.
func NewTelnyx(apiKey, publicKey, connectionID string, httpClient *http.Client) *Telnyx {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Telnyx{
		apiKey:       apiKey,
		publicKey:    publicKey,
		connectionID: connectionID,
		baseURL:      telnyxDefaultBaseURL,
		httpClient:   httpClient,
	}
}

func (t *Telnyx) Name() string { return "telnyx" }

func (t *Telnyx) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	metrics.RecordServiceCall("carrier", err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telnyx API error: %s (status %d)", string(body), resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (t *Telnyx) PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error) {
	payload := map[string]string{
		"connection_id": t.connectionID,
		"to":            to,
		"from":          from,
		"webhook_url":   webhookURL,
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := t.post(ctx, "/v2/calls", payload, &result); err != nil {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: err.Error()}
	}
	if result.Data.CallControlID == "" {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: "response missing call_control_id"}
	}

	return result.Data.CallControlID, nil
}

// StartMediaStream issues the streaming_start action so Telnyx opens
// the bidirectional media socket. Called after the answered event.
func (t *Telnyx) StartMediaStream(ctx context.Context, callRef, wsURL string) error {
	payload := map[string]string{
		"stream_url":                wsURL,
		"stream_track":              "inbound_track",
		"stream_bidirectional_mode": "rtp",
	}
	path := fmt.Sprintf("/v2/calls/%s/actions/streaming_start", url.PathEscape(callRef))
	if err := t.post(ctx, path, payload, nil); err != nil {
		return &apperrors.CarrierError{Kind: "stream_failed", Detail: err.Error()}
	}
	return nil
}

func (t *Telnyx) Hangup(ctx context.Context, callRef string) error {
	path := fmt.Sprintf("/v2/calls/%s/actions/hangup", url.PathEscape(callRef))
	if err := t.post(ctx, path, map[string]string{}, nil); err != nil {
		return &apperrors.CarrierError{Kind: "hangup_failed", Detail: err.Error()}
	}
	return nil
}

// ConnectDirective returns the plain webhook ack. Telnyx starts the
// stream via StartMediaStream, not from the webhook response.
func (t *Telnyx) ConnectDirective(wsURL string) ([]byte, string) {
	return []byte(`{"status":"ok"}`), "application/json"
}

func (t *Telnyx) VerifyWebhook(r *http.Request, body []byte, form url.Values) error {
	err := webhook.VerifyTelnyxSignature(
		t.publicKey,
		r.Header.Get("Telnyx-Signature-Ed25519"),
		r.Header.Get("Telnyx-Timestamp"),
		body,
	)
	if err != nil {
		return &apperrors.AuthError{Detail: err.Error()}
	}
	return nil
}

func (t *Telnyx) ParseWebhook(body []byte, form url.Values) (Event, error) {
	var envelope struct {
		Data struct {
			EventType string `json:"event_type"`
			Payload   struct {
				CallControlID string `json:"call_control_id"`
				Result        string `json:"result"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, &apperrors.CarrierError{Kind: "parse_failed", Detail: err.Error()}
	}
	if envelope.Data.Payload.CallControlID == "" {
		return Event{}, &apperrors.CarrierError{Kind: "parse_failed", Detail: "missing call_control_id"}
	}

	event := Event{
		CallRef: envelope.Data.Payload.CallControlID,
		Payload: map[string]string{"event_type": envelope.Data.EventType},
	}
	if envelope.Data.Payload.Result != "" {
		event.Payload["result"] = envelope.Data.Payload.Result
	}

	switch envelope.Data.EventType {
	case "call.initiated":
		event.Kind = EventInitiated
	case "call.ringing":
		event.Kind = EventRinging
	case "call.answered":
		event.Kind = EventAnswered
	case "call.hangup":
		event.Kind = EventHangup
	case "streaming.started":
		event.Kind = EventStreamReady
	case "streaming.stopped":
		event.Kind = EventStreamStopped
	case "call.machine.detection.ended":
		event.Kind = EventMachineDetection
	default:
		event.Kind = EventUnknown
	}

	return event, nil
}
