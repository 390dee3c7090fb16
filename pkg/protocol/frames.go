// Package protocol defines the wire format spoken between browserbridge and the
// local automation server. One UTF-8 JSON text message per WebSocket frame,
// discriminated by the "frame" field.
// This package is importable by servers and other clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version sent during the connect handshake.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypePing     = "ping"
	FrameTypePong     = "pong"
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// RequestFrame invokes a method. Either side may send one.
type RequestFrame struct {
	Frame  string          `json:"frame"`  // always "request"
	ID     string          `json:"id"`     // unique per process, echoed by the response
	Method string          `json:"method"` // RPC method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one request. Result and Error are mutually exclusive.
type ResponseFrame struct {
	Frame  string          `json:"frame"` // always "response"
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is pushed by the server without a preceding request.
type EventFrame struct {
	Frame string          `json:"frame"` // always "event"
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PingFrame is an application-level liveness check ("ping" or "pong").
type PingFrame struct {
	Frame string `json:"frame"`
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	req := &RequestFrame{Frame: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewOKResponse creates a success response frame. A result that cannot be
// marshaled is reported as an INTERNAL_ERROR response instead.
func NewOKResponse(id string, result any) *ResponseFrame {
	resp := &ResponseFrame{Frame: FrameTypeResponse, ID: id}
	if result == nil {
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, ErrInternal, "marshal result: "+err.Error())
	}
	resp.Result = raw
	return resp
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Frame: FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, data any) (*EventFrame, error) {
	ev := &EventFrame{Frame: FrameTypeEvent, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", event, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Pong is the pre-encoded reply to an application ping.
var Pong = []byte(`{"frame":"pong"}`)

// Ping is the pre-encoded application ping.
var Ping = []byte(`{"frame":"ping"}`)

// ParseFrameType extracts the frame tag from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Frame string `json:"frame"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	if raw.Frame == "" {
		return "", fmt.Errorf("missing frame tag")
	}
	return raw.Frame, nil
}
