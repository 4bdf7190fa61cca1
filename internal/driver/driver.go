package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
)

// maxLineBytes bounds one RPC line; requests carry short messages, not
// payloads.
const maxLineBytes = 1 << 20

// Handler is the call surface the RPC loop dispatches into.
type Handler interface {
	Initiate(ctx context.Context, message string) (callID, reply string, err error)
	Continue(ctx context.Context, callID, message string) (string, error)
	Speak(ctx context.Context, callID, message string) error
	End(ctx context.Context, callID, message string) error
}

// request is one line from the orchestrator.
type request struct {
	ID        json.RawMessage `json:"id"`
	Tool      string          `json:"tool"`
	Arguments struct {
		CallID    string   `json:"call_id"`
		Message   string   `json:"message"`
		MediaURLs []string `json:"media_urls"`
	} `json:"arguments"`
}

// response is one line back. Errors are textual; nothing internal
// crosses the boundary.
type response struct {
	ID      json.RawMessage `json:"id"`
	Text    string          `json:"text"`
	IsError bool            `json:"isError,omitempty"`
}

// Driver runs the line-delimited RPC loop on stdio. stdout carries only
// responses; all logging goes to stderr.
type Driver struct {
	handler Handler
	logger  *zap.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(handler Handler, in io.Reader, out io.Writer, logger *zap.Logger) *Driver {
	return &Driver{handler: handler, in: in, out: out, logger: logger}
}

// Run reads requests until EOF or context cancellation. Each request is
// served on its own goroutine; per-call serialization happens in the
// session, so commands for different calls never block each other.
func (d *Driver) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(d.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			d.logger.Warn("unparseable rpc line", zap.Error(err))
			d.respond(nil, "malformed request", true)
			continue
		}

		d.wg.Add(1)
		go func(req request) {
			defer d.wg.Done()
			text, isError := d.dispatch(ctx, req)
			d.respond(req.ID, text, isError)
		}(req)
	}
	d.wg.Wait()
	return scanner.Err()
}

func (d *Driver) dispatch(ctx context.Context, req request) (string, bool) {
	args := req.Arguments
	switch req.Tool {
	case "initiate_call":
		callID, reply, err := d.handler.Initiate(ctx, args.Message)
		if err != nil {
			return errorText(err), true
		}
		result, _ := json.Marshal(map[string]string{"callId": callID, "response": reply})
		return string(result), false

	case "continue_call":
		reply, err := d.handler.Continue(ctx, args.CallID, args.Message)
		if err != nil {
			return errorText(err), true
		}
		return reply, false

	case "speak_to_user":
		if err := d.handler.Speak(ctx, args.CallID, args.Message); err != nil {
			return errorText(err), true
		}
		return "Message spoken.", false

	case "end_call":
		if err := d.handler.End(ctx, args.CallID, args.Message); err != nil {
			return errorText(err), true
		}
		return "Call ended.", false

	case "send_text":
		return "SMS sending is not supported on this deployment", true

	default:
		return fmt.Sprintf("unknown tool %q", req.Tool), true
	}
}

func (d *Driver) respond(id json.RawMessage, text string, isError bool) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := json.NewEncoder(d.out).Encode(response{ID: id, Text: text, IsError: isError}); err != nil {
		d.logger.Error("rpc response write failed", zap.Error(err))
	}
}

// errorText maps internal errors to the short explanations the
// orchestrator sees.
func errorText(err error) string {
	var hangup *apperrors.HangupError
	var timeout *apperrors.TimeoutError
	var carrierErr *apperrors.CarrierError
	switch {
	case errors.As(err, &hangup):
		return "Call was hung up by user"
	case errors.As(err, &timeout):
		return fmt.Sprintf("Timed out waiting for %s", timeout.What)
	case errors.Is(err, apperrors.ErrSessionNotFound):
		return "No active call with that id"
	case errors.Is(err, apperrors.ErrSessionNotReady):
		return "Call is not ready for that command"
	case errors.As(err, &carrierErr):
		return fmt.Sprintf("Carrier error: %s", carrierErr.Kind)
	default:
		return err.Error()
	}
}
