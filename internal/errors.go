package internal

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNeedMoreData   = errors.New("need more data")
	ErrAlreadyRunning = errors.New("server is already running")
	ErrStopped        = errors.New("connection manager stopped")
)

// TransportError is a socket failure. It is fatal to one connection only.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %v: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandshakeError rejects an upgrade request. Status is the HTTP status sent
// back before the socket is closed.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake: %v", e.Reason)
}

// Response renders the HTTP error response for the rejected request.
func (e *HandshakeError) Response() []byte {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}

	extra := ""
	if status == http.StatusUpgradeRequired {
		extra = "Sec-WebSocket-Version: 13\r\n"
	}

	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %v\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n%v\r\n%v",
		status, http.StatusText(status), len(e.Reason), extra, e.Reason,
	))
}

// ProtocolError is an undecodable frame. The connection that sent it is closed.
type ProtocolError struct {
	Reason string
	Code   StatusCode
}

func (e *ProtocolError) status() StatusCode {
	if e.Code == 0 {
		return StatusProtocolError
	}
	return e.Code
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Reason)
}

// ApplicationError is a valid frame carrying a payload we cannot use. Only the
// frame is dropped.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application: %v", e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// CollaboratorError is a failure reported by the editor.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("editor %v: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
