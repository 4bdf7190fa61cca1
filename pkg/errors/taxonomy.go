package errors

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a driver command references a
// call that does not exist or has already ended.
var ErrSessionNotFound = errors.New("call session not found")

// ErrSessionNotReady is returned when a driver command arrives before
// the session reached the ready state or after it began ending.
var ErrSessionNotReady = errors.New("call session not ready")

// CarrierError wraps a failure talking to the telephony carrier.
// Kind is a stable machine-readable category ("place_failed",
// "hangup_failed", "stream_failed", "parse_failed").
type CarrierError struct {
	Kind   string
	Detail string
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("carrier %s: %s", e.Kind, e.Detail)
}

// AuthError indicates a webhook or media socket failed authentication.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Detail)
}

// MediaError indicates a failure on the carrier media socket.
type MediaError struct {
	Detail string
	Cause  error
}

func (e *MediaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("media stream: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("media stream: %s", e.Detail)
}

func (e *MediaError) Unwrap() error { return e.Cause }

// AgentError indicates the speech model stream failed.
type AgentError struct {
	Detail string
	Cause  error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("speech agent: %s: %v", e.Detail, e.Cause)
	}
	return fmt.Sprintf("speech agent: %s", e.Detail)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// TimeoutError indicates a bounded wait expired.
type TimeoutError struct {
	What string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.What)
}

// HangupError indicates the remote side ended the call while an
// operation was in flight.
type HangupError struct {
	Detail string
}

func (e *HangupError) Error() string {
	return fmt.Sprintf("call hung up: %s", e.Detail)
}

// ToolError wraps a tool executor failure.
type ToolError struct {
	Name  string
	Cause error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Name, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// ConfigError indicates missing or invalid configuration. Missing
// names all absent variables so the operator fixes them in one pass.
type ConfigError struct {
	Missing []string
	Detail  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required environment variables: %v", e.Missing)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Detail)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsHangup reports whether err is (or wraps) a HangupError.
func IsHangup(err error) bool {
	var h *HangupError
	return errors.As(err, &h)
}
