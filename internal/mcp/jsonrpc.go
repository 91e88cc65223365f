package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used on the wire.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is an outgoing JSON-RPC 2.0 response. Exactly one of Result
// or Error is set. ID is a pointer so parse errors can answer with a
// null id.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      *int64    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// NewResponse creates a successful response for id.
func NewResponse(id int64, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: &id, Result: result}
}

// NewErrorResponse creates an error response. A nil id encodes as null.
func NewErrorResponse(id *int64, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Kind discriminates the shapes an incoming [Message] can take.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "invalid"
	}
}

// Message is a decoded incoming line. Which fields are populated
// depends on [Message.Kind].
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind classifies the message by which envelope fields are present.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.Error != nil:
		return KindErrorResponse
	case m.ID != nil && len(m.Result) > 0:
		return KindResponse
	default:
		return KindInvalid
	}
}

var errInvalidEnvelope = errors.New("not a JSON-RPC request, response or notification")

// DecodeMessage parses one line into a Message. Any failure is returned
// as a *MalformedMessageError carrying the raw line.
func DecodeMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &MalformedMessageError{Raw: append([]byte(nil), line...), Err: err}
	}
	if msg.Kind() == KindInvalid {
		return nil, &MalformedMessageError{Raw: append([]byte(nil), line...), Err: errInvalidEnvelope}
	}
	return &msg, nil
}
