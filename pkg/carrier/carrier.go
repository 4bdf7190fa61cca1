package carrier

import (
	"context"
	"net/http"
	"net/url"
)

// Event kinds every carrier adapter normalizes to. Unknown carrier
// events map to EventUnknown and are logged, never fatal.
const (
	EventInitiated        = "initiated"
	EventRinging          = "ringing"
	EventAnswered         = "answered"
	EventHangup           = "hangup"
	EventStreamReady      = "stream_ready"
	EventStreamStopped    = "stream_stopped"
	EventMachineDetection = "machine_detection"
	EventUnknown          = "unknown"
)

// Event is a normalized carrier webhook event.
type Event struct {
	CallRef string            // carrier-side call identifier
	Kind    string            // one of the Event* constants
	Payload map[string]string // raw fields worth logging (status, result)
}

// Carrier abstracts the telephony provider. One instance is shared by
// all sessions; per-call state lives in the session.
type Carrier interface {
	Name() string

	// PlaceOutbound originates a call and returns the carrier call ref.
	// webhookURL receives status events for this call.
	PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error)

	// StartMediaStream asks the carrier to open the media socket.
	// Carriers that start streaming via the connect directive return nil
	// without any API call.
	StartMediaStream(ctx context.Context, callRef, wsURL string) error

	// Hangup terminates the call.
	Hangup(ctx context.Context, callRef string) error

	// ConnectDirective returns the webhook response body that instructs
	// the carrier to open the media socket at wsURL, plus its content
	// type. Carriers that stream via API return their plain ack body.
	ConnectDirective(wsURL string) (body []byte, contentType string)

	// VerifyWebhook authenticates an inbound webhook request. body is
	// the raw request body; form the parsed POST fields (nil for JSON
	// carriers).
	VerifyWebhook(r *http.Request, body []byte, form url.Values) error

	// ParseWebhook normalizes a webhook into an Event.
	ParseWebhook(body []byte, form url.Values) (Event, error)
}
