// Package daemon serves the dictation engine over a local unix socket.
//
// Every connection carries exactly one exchange: the client writes a single
// JSON request line, the daemon answers with a single JSON response line
// and closes the connection.
package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// ErrProtocol reports a malformed request.
var ErrProtocol = errors.New("daemon: protocol error")

// File names inside the state directory.
const (
	SocketFile = "daemon.sock"
	PIDFile    = "daemon.pid"
)

// SocketPath returns the socket location for a state directory.
func SocketPath(stateDir string) string { return filepath.Join(stateDir, SocketFile) }

// PIDPath returns the pid file location for a state directory.
func PIDPath(stateDir string) string { return filepath.Join(stateDir, PIDFile) }

// Request types.
const (
	TypeStartRecording  = "start_recording"
	TypeStopRecording   = "stop_recording"
	TypeCancelRecording = "cancel_recording"
	TypeTranscribeAudio = "transcribe_audio"
	TypeShutdown        = "shutdown"
	TypePing            = "ping"
	TypeGetStatus       = "get_status"
)

// Response statuses.
const (
	StatusOK        = "ok"
	StatusRecording = "recording"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusStatus    = "status"
)

// Request is one client message.
type Request struct {
	Type        string    `json:"type"`
	MaxDuration uint32    `json:"max_duration,omitempty"` // seconds, start_recording only
	Samples     []float32 `json:"samples,omitempty"`      // 16 kHz mono, transcribe_audio only
}

// Response is one daemon message.
type Response struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Text       string `json:"text,omitempty"`
	ModelName  string `json:"model_name,omitempty"`
	GPUEnabled bool   `json:"gpu_enabled,omitempty"`
	GPUName    string `json:"gpu_name,omitempty"`
}

// Err converts an error response into a Go error.
func (r Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	return errors.New(r.Message)
}

func okResponse(msg string) Response { return Response{Status: StatusOK, Message: msg} }

func errorResponse(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// ReadRequest reads and validates one request line.
func ReadRequest(r *bufio.Reader) (Request, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return Request{}, fmt.Errorf("%w: read request: %v", ErrProtocol, err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: decode request: %v", ErrProtocol, err)
	}
	switch req.Type {
	case TypeStartRecording, TypeStopRecording, TypeCancelRecording, TypeTranscribeAudio,
		TypeShutdown, TypePing, TypeGetStatus:
	case "":
		return Request{}, fmt.Errorf("%w: missing request type", ErrProtocol)
	default:
		return Request{}, fmt.Errorf("%w: unknown request type %q", ErrProtocol, req.Type)
	}
	return req, nil
}

// WriteResponse writes resp as a single line.
func WriteResponse(w io.Writer, resp Response) error {
	return writeLine(w, resp)
}

// WriteRequest writes req as a single line.
func WriteRequest(w io.Writer, req Request) error {
	return writeLine(w, req)
}

// ReadResponse reads one response line.
func ReadResponse(r *bufio.Reader) (Response, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return Response{}, fmt.Errorf("%w: read response: %v", ErrProtocol, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	return resp, nil
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
