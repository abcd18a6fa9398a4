// Package message defines the envelopes that flow between the transports and
// the local dispatcher.
//
// Invocation and Result never touch the wire directly: the stream transport
// maps them onto protocol frames, and the ZeroMQ transport maps them onto
// Request and Response, which are JSON documents sent zlib-compressed.
package message

import "encoding/json"

// Invocation is one incoming call waiting to be executed locally.
//
//   - ID is the correlation id of the request (0 when the caller expects no answer).
//   - Args holds each argument still encoded, in declaration order.
type Invocation struct {
	ID     int32
	Method string // bare method name, e.g. "Add"
	Args   [][]byte
}

// Result is what the dispatcher produced for an Invocation.
type Result struct {
	Payload []byte // encoded return value; nil for void methods
	Void    bool   // the method declares no results, nothing is sent back
	Err     error  // root cause of a failed call
	Stack   string // stack trace captured for panics
}

// Request is the ZeroMQ command and event envelope.
type Request struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Response is the ZeroMQ reply envelope. Error is empty on success.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StackTrace string          `json:"stackTrace,omitempty"`
}

// Failed reports whether the remote side raised an error.
func (r *Response) Failed() bool {
	return r.Error != ""
}

// ErrorResult builds a Result carrying err.
func ErrorResult(err error) *Result {
	return &Result{Err: err}
}
