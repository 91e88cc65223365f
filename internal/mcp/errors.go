package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed means the worker exited or its pipes are no
	// longer usable. It is fatal to the session.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTimeout means no response arrived within the call window. The
	// caller may retry.
	ErrTimeout = errors.New("timed out waiting for worker")

	// ErrMalformedMessage matches *MalformedMessageError.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNotReady is returned by Invoke before the handshake completes
	// or after the session failed.
	ErrNotReady = errors.New("session not ready")

	// ErrSessionClosed is returned once Stop has begun.
	ErrSessionClosed = errors.New("session closed")

	// ErrUnknownTool is a registry miss; the worker was not contacted.
	ErrUnknownTool = errors.New("unknown tool")
)

// MalformedMessageError reports a line from the worker that could not
// be decoded. Raw holds the line verbatim for diagnostics.
type MalformedMessageError struct {
	Raw []byte
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %q: %v", truncate(string(e.Raw), 200), e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedMessage) match.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// ApplicationError is a failure the worker reported after executing
// (or refusing) a call: either a JSON-RPC error object or a tool result
// flagged isError. The protocol exchange itself succeeded.
type ApplicationError struct {
	Tool    string
	Code    int // JSON-RPC error code, 0 for isError results
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: worker error %d: %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
