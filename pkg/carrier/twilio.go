package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/webhook"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// Twilio talks to the Twilio REST API. Outbound media streaming starts
// via the TwiML connect directive, so StartMediaStream is a no-op.
type Twilio struct {
	accountSID string
	authToken  string
	baseURL    string
	publicURL  string // external https base, used to reconstruct signed URLs
	httpClient *http.Client
}

// NewTwilio creates a Twilio adapter. httpClient is shared across
// sessions; nil gets a 30s-timeout default.
func NewTwilio(accountSID, authToken, publicURL string, httpClient *http.Client) *Twilio {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Twilio{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioDefaultBaseURL,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
		httpClient: httpClient,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", t.baseURL, t.accountSID)

	data := url.Values{}
	data.Set("To", to)
	data.Set("From", from)
	data.Set("Url", webhookURL)
	data.Set("StatusCallback", webhookURL)
	data.Set("StatusCallbackEvent", "initiated ringing answered completed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: err.Error()}
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	metrics.RecordServiceCall("carrier", err == nil, time.Since(start))
	if err != nil {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: err.Error()}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &apperrors.CarrierError{
			Kind:   "place_failed",
			Detail: fmt.Sprintf("twilio API error: %s (status %d)", string(body), resp.StatusCode),
		}
	}

	var result struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: "failed to parse response: " + err.Error()}
	}
	if result.Sid == "" {
		return "", &apperrors.CarrierError{Kind: "place_failed", Detail: "response missing call sid"}
	}

	return result.Sid, nil
}

// StartMediaStream is a no-op: Twilio opens the media socket when it
// executes the connect directive served from the webhook.
func (t *Twilio) StartMediaStream(ctx context.Context, callRef, wsURL string) error {
	return nil
}

func (t *Twilio) Hangup(ctx context.Context, callRef string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", t.baseURL, t.accountSID, callRef)

	data := url.Values{}
	data.Set("Status", "completed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return &apperrors.CarrierError{Kind: "hangup_failed", Detail: err.Error()}
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &apperrors.CarrierError{Kind: "hangup_failed", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &apperrors.CarrierError{
			Kind:   "hangup_failed",
			Detail: fmt.Sprintf("twilio API error: %s (status %d)", string(body), resp.StatusCode),
		}
	}
	return nil
}

// ConnectDirective returns TwiML that tells Twilio to open a
// bidirectional media stream at wsURL.
func (t *Twilio) ConnectDirective(wsURL string) ([]byte, string) {
	type stream struct {
		XMLName xml.Name `xml:"Stream"`
		URL     string   `xml:"url,attr"`
	}
	type connect struct {
		XMLName xml.Name `xml:"Connect"`
		Stream  stream
	}
	type response struct {
		XMLName xml.Name `xml:"Response"`
		Connect connect
	}

	out, _ := xml.Marshal(response{Connect: connect{Stream: stream{URL: wsURL}}})
	body := append([]byte(xml.Header), out...)
	return body, "text/xml"
}

func (t *Twilio) VerifyWebhook(r *http.Request, body []byte, form url.Values) error {
	signed := t.publicURL + r.URL.RequestURI()
	if err := webhook.VerifyTwilioSignature(t.authToken, r.Header.Get("X-Twilio-Signature"), signed, form); err != nil {
		return &apperrors.AuthError{Detail: err.Error()}
	}
	return nil
}

func (t *Twilio) ParseWebhook(body []byte, form url.Values) (Event, error) {
	callSid := form.Get("CallSid")
	if callSid == "" {
		return Event{}, &apperrors.CarrierError{Kind: "parse_failed", Detail: "missing CallSid"}
	}

	status := form.Get("CallStatus")
	event := Event{
		CallRef: callSid,
		Payload: map[string]string{"status": status},
	}

	switch status {
	case "initiated", "queued":
		event.Kind = EventInitiated
	case "ringing":
		event.Kind = EventRinging
	case "in-progress":
		event.Kind = EventAnswered
	case "completed", "busy", "no-answer", "failed", "canceled":
		event.Kind = EventHangup
	default:
		event.Kind = EventUnknown
	}

	return event, nil
}
