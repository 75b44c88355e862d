// Package protocol encodes and decodes dispatcher frames. Every frame is a JSON
// object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// TypeConnected acknowledges a new worker connection.
	TypeConnected = "connected"
	// TypeTask carries one prompt to execute.
	TypeTask = "task"
	// TypePong answers a heartbeat ping.
	TypePong = "pong"
	// TypePing is the worker heartbeat.
	TypePing = "ping"
	// TypeResult reports a task outcome.
	TypeResult = "result"
)

// ErrMalformedFrame is returned for inbound payloads that are not a usable frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Inbound is a decoded dispatcher-to-worker frame. Fields not carried by the
// frame type are empty.
type Inbound struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Known reports whether the frame type is one the worker acts on.
func (f Inbound) Known() bool {
	switch f.Type {
	case TypeConnected, TypeTask, TypePong:
		return true
	default:
		return false
	}
}

// Decode parses one inbound frame. It never panics; any payload that is not a
// JSON object with a string type, or a task frame without a task id, yields
// ErrMalformedFrame. Unknown types decode successfully so callers can ignore them.
func Decode(data []byte) (Inbound, error) {
	var frame Inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame.Type = strings.TrimSpace(frame.Type)
	if frame.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if frame.Type == TypeTask && strings.TrimSpace(frame.TaskID) == "" {
		return Inbound{}, fmt.Errorf("%w: task frame without taskId", ErrMalformedFrame)
	}
	return frame, nil
}

// Ping is the heartbeat frame.
type Ping struct {
	Type string `json:"type"`
}

// Result reports one task outcome. Exactly one of Response and Error is set;
// the other encodes as null.
type Result struct {
	Type     string  `json:"type"`
	TaskID   string  `json:"taskId"`
	Response *string `json:"response"`
	Error    *string `json:"error"`
}

// Success builds a result carrying the answer.
func Success(taskID, response string) Result {
	return Result{Type: TypeResult, TaskID: taskID, Response: &response}
}

// Failure builds a result carrying an error message.
func Failure(taskID, message string) Result {
	return Result{Type: TypeResult, TaskID: taskID, Error: &message}
}

// Validate checks the exactly-one-field rule and the task id.
func (r Result) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return errors.New("result task id must not be empty")
	}
	if (r.Response == nil) == (r.Error == nil) {
		return errors.New("result must carry exactly one of response and error")
	}
	return nil
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	if result, ok := frame.(Result); ok {
		if err := result.Validate(); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NewPing returns the heartbeat frame.
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// Sender delivers outbound frames. Send reports false when the frame was dropped.
type Sender interface {
	Send(frame any) bool
}

// FrameType returns the type of a known outbound frame, or "" for anything else.
func FrameType(frame any) string {
	switch f := frame.(type) {
	case Result:
		return f.Type
	case Ping:
		return f.Type
	default:
		return ""
	}
}
