// Package uds carries the control protocol spoken between the mend CLI and
// the engine daemon over a Unix domain socket. Frames are a 4-byte BigEndian
// length followed by a JSON body.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// ProtocolVersion is checked on every request; mismatches are rejected so a
// stale CLI talking to a newer engine fails loudly instead of misbehaving.
const ProtocolVersion = 1

// MaxFrameBytes bounds a single frame in both directions.
const MaxFrameBytes = 10 << 20

// DefaultSocketName is the socket filename inside the .mend directory.
const DefaultSocketName = "mendd.sock"

// Commands understood by the engine.
const (
	CmdPing     = "ping"
	CmdStats    = "stats"
	CmdEnqueue  = "enqueue"
	CmdShutdown = "shutdown"
	CmdState    = "state"
)

// Error codes carried in ErrorDetail.Code.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeUnsupported      = "UNSUPPORTED_COMMAND"
	ErrCodeEngineBusy       = "ENGINE_BUSY"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
	ErrCodeInternal         = "INTERNAL"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PingResult answers CmdPing.
type PingResult struct {
	PID       int    `json:"pid"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
}

// EnqueueParams carries a manual task submission.
type EnqueueParams struct {
	Subject     string `json:"subject"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
}

// EnqueueResult answers CmdEnqueue. Coalesced is set when an existing
// pending or in-progress task with the same subject absorbed the request.
type EnqueueResult struct {
	TaskID    string `json:"task_id"`
	Coalesced bool   `json:"coalesced,omitempty"`
}

// QueueDepths is the per-status task count block inside StatsResult.
type QueueDepths struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// StatsResult answers CmdStats.
type StatsResult struct {
	Running       bool        `json:"running"`
	PID           int         `json:"pid,omitempty"`
	UptimeSec     int64       `json:"uptime_sec,omitempty"`
	Queues        QueueDepths `json:"queues"`
	Enqueued      int         `json:"enqueued"`
	Processed     int         `json:"processed"`
	Succeeded     int         `json:"succeeded"`
	Failed        int         `json:"failed"`
	Escalated     int         `json:"escalated"`
	Retries       int         `json:"retries"`
	OpenBreakers  []string    `json:"open_breakers,omitempty"`
	EventsDropped int64       `json:"events_dropped,omitempty"`
}

// StateResult answers CmdState with the engine state document rendered as
// YAML, ready for printing.
type StateResult struct {
	YAML string `json:"yaml"`
}

// ShutdownResult answers CmdShutdown. The response is written before the
// engine begins stopping.
type ShutdownResult struct {
	Stopping bool `json:"stopping"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{Success: false, Error: &ErrorDetail{Code: code, Message: message}}
}

// Err converts a failure response into an error; nil for success responses.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("request failed")
	}
	return fmt.Errorf("%s: %s", r.Error.Code, r.Error.Message)
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response carries no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// WriteFrame writes v as a length-prefixed JSON frame.
func WriteFrame(conn net.Conn, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v.
func ReadFrame(conn net.Conn, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
