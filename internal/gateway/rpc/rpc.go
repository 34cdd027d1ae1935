// Package rpc implements JSON-RPC 2.0 framing for the websocket gateway.
package rpc

import (
	"encoding/json"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// Version is the protocol version carried by every frame.
const Version = "2.0"

// Request is one incoming JSON-RPC frame. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one outgoing JSON-RPC reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-initiated frame without an id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewResponse builds a success reply for a request id.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error reply for a request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated notification frame.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// ErrorFrom converts an application error into a JSON-RPC error object,
// carrying the server-defined code when the error is an AppError.
func ErrorFrom(err error) *Error {
	return &Error{
		Code:    apperrors.GetRPCCode(err),
		Message: err.Error(),
	}
}

// Decode parses a raw frame. The error response, when non-nil, must be sent
// back verbatim: a parse error (-32700) for malformed JSON, an invalid
// request (-32600) for structurally bad frames.
func Decode(data []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewErrorResponse(nil, apperrors.RPCParseError, "parse error: "+err.Error())
	}
	if req.JSONRPC != Version || req.Method == "" {
		return nil, NewErrorResponse(req.ID, apperrors.RPCInvalidRequest, "invalid request")
	}
	return &req, nil
}
