// Package uds implements Unix Domain Socket IPC between the CLI and the daemon:
// one length-prefixed JSON request per connection, answered by one response or
// by a stream of item frames closed by a final response.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"

	"github.com/pkg/errors"
)

const ProtocolVersion = 1

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 10 * 1024 * 1024

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response is one frame sent by the server. Stream is set on intermediate
// frames of a streaming command; the last frame of every exchange has it unset.
type Response struct {
	Success bool            `json:"success"`
	Stream  bool            `json:"stream,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}
	req.Params = raw
	return req, nil
}

// DecodeParams unmarshals the request parameters into v. Empty params leave v
// untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(r.Params, v), "invalid params for %s", r.Command)
}

// SuccessResponse wraps data as a final frame. Data that cannot be encoded
// turns the response into an INTERNAL_ERROR.
func SuccessResponse(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, "encode response: "+err.Error())
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the error carried by a failed response, nil otherwise.
func (r *Response) Err() error {
	switch {
	case r.Success:
		return nil
	case r.Error != nil:
		return r.Error
	default:
		return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed without details"}
	}
}

// DefaultSocketName is the conventional socket filename inside .taskweave/.
const DefaultSocketName = "daemon.sock"

// A frame is a 4-byte big-endian payload length followed by the JSON payload.
const frameHeaderSize = 4

// WriteFrame encodes v as a single frame. Header and payload go out in one
// vectored write.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if len(payload) > MaxFrameSize {
		return errors.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	bufs := net.Buffers{header[:], payload}
	if _, err := bufs.WriteTo(w); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame decodes the next frame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return errors.Wrap(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return errors.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read frame payload")
	}
	return errors.Wrap(json.Unmarshal(payload, v), "unmarshal frame")
}
