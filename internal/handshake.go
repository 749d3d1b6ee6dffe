package internal

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey derives Sec-WebSocket-Accept from the client's Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ReadHandshake reads one upgrade request from br and negotiates it.
func ReadHandshake(br *bufio.Reader) ([]byte, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		var ne net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, &TransportError{Op: "read handshake", Err: err}
		}
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: fmt.Sprintf("malformed request: %v", err)}
	}

	return Negotiate(req)
}

// Negotiate validates an upgrade request and returns the complete 101 response.
func Negotiate(req *http.Request) ([]byte, error) {
	if req.Method != http.MethodGet {
		return nil, &HandshakeError{Status: http.StatusMethodNotAllowed, Reason: "upgrade requires GET"}
	}

	if !headerContainsToken(req.Header, "Upgrade", "websocket") {
		return nil, &HandshakeError{Status: http.StatusUpgradeRequired, Reason: "missing Upgrade: websocket"}
	}

	if !headerContainsToken(req.Header, "Connection", "upgrade") {
		return nil, &HandshakeError{Status: http.StatusUpgradeRequired, Reason: "missing Connection: Upgrade"}
	}

	if v := req.Header.Get("Sec-WebSocket-Version"); v != "" && v != "13" {
		return nil, &HandshakeError{Status: http.StatusUpgradeRequired, Reason: fmt.Sprintf("unsupported version %q", v)}
	}

	key := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "missing Sec-WebSocket-Key"}
	}

	if b, err := base64.StdEncoding.DecodeString(key); err != nil || len(b) == 0 {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "Sec-WebSocket-Key is not base64"}
	}

	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"), nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
