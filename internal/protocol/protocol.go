// Package protocol defines the wire protocol between the server and its
// sandbox workers: newline-delimited JSON over the worker's stdin/stdout.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request kinds.
const (
	KindPing     = "ping"
	KindRun      = "run"
	KindShutdown = "shutdown"
)

// Response kinds.
const (
	KindPong      = "pong"
	KindAck       = "ack"
	KindRunResult = "run_result"
	KindError     = "error"
)

// RunRequest asks the worker to drive one turn against its interpreter.
//
// The initialize/code matrix:
//   - initialize + code:  rebuild the interpreter context, execute code.
//   - initialize, no code: rebuild context, run a full completion loop.
//   - no initialize, code: execute code against the live interpreter.
//   - neither: resume a completion loop over the existing interpreter state.
type RunRequest struct {
	Initialize bool            `json:"initialize"`
	Query      string          `json:"query"`
	Context    json.RawMessage `json:"context,omitempty"`
	Code       string          `json:"code,omitempty"`
}

// RunResult carries the outcome of a RunRequest. Response is set for
// completion turns; Stdout/Stderr for raw code execution.
type RunResult struct {
	Response *string `json:"response,omitempty"`
	Stdout   *string `json:"stdout,omitempty"`
	Stderr   *string `json:"stderr,omitempty"`
}

// Request is a single line sent to the worker, discriminated by Kind.
type Request struct {
	Kind string      `json:"kind"`
	Run  *RunRequest `json:"-"`
}

// Response is a single line emitted by the worker, discriminated by Kind.
type Response struct {
	Kind    string     `json:"kind"`
	Result  *RunResult `json:"-"`
	Message string     `json:"message,omitempty"`
}

// The run variants flatten their payload next to the discriminant, so the
// envelope types marshal through intermediates.

type requestWire struct {
	Kind string `json:"kind"`
	*RunRequest
}

type responseWire struct {
	Kind string `json:"kind"`
	*RunResult
	Message string `json:"message,omitempty"`
}

// MarshalJSON encodes the request with its run payload inlined.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestWire{Kind: r.Kind, RunRequest: r.Run})
}

// UnmarshalJSON decodes a request line, validating the kind.
func (r *Request) UnmarshalJSON(data []byte) error {
	var wire requestWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case KindPing, KindShutdown:
		r.Kind = wire.Kind
		r.Run = nil
	case KindRun:
		r.Kind = wire.Kind
		if wire.RunRequest == nil {
			wire.RunRequest = &RunRequest{}
		}
		r.Run = wire.RunRequest
	case "":
		return fmt.Errorf("request missing kind")
	default:
		return fmt.Errorf("unknown request kind %q", wire.Kind)
	}
	return nil
}

// MarshalJSON encodes the response with its run result inlined.
func (r Response) MarshalJSON() ([]byte, error) {
	wire := responseWire{Kind: r.Kind, RunResult: r.Result}
	if r.Kind == KindError {
		wire.Message = r.Message
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a response line, validating the kind.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire responseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case KindPong, KindAck:
		r.Kind = wire.Kind
	case KindRunResult:
		r.Kind = wire.Kind
		if wire.RunResult == nil {
			wire.RunResult = &RunResult{}
		}
		r.Result = wire.RunResult
	case KindError:
		r.Kind = wire.Kind
		r.Message = wire.Message
	case "":
		return fmt.Errorf("response missing kind")
	default:
		return fmt.Errorf("unknown response kind %q", wire.Kind)
	}
	return nil
}

// Ping returns a ping request.
func Ping() Request { return Request{Kind: KindPing} }

// Shutdown returns a shutdown request.
func Shutdown() Request { return Request{Kind: KindShutdown} }

// Run wraps a RunRequest in its envelope.
func Run(req RunRequest) Request { return Request{Kind: KindRun, Run: &req} }

// Pong returns a pong response.
func Pong() Response { return Response{Kind: KindPong} }

// Ack returns an ack response.
func Ack() Response { return Response{Kind: KindAck} }

// ResultOf wraps a RunResult in its envelope.
func ResultOf(result RunResult) Response {
	return Response{Kind: KindRunResult, Result: &result}
}

// Error returns an error response with the given message.
func Error(message string) Response {
	return Response{Kind: KindError, Message: message}
}
