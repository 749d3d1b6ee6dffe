package internal

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%#x)", byte(o))
	}
}

func (o Opcode) control() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

type StatusCode uint16

const (
	StatusNormalClosure StatusCode = 1000
	StatusGoingAway     StatusCode = 1001
	StatusProtocolError StatusCode = 1002
	StatusPolicy        StatusCode = 1008
	StatusTooBig        StatusCode = 1009
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	maxControlPayload = 125
)

type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// DecodeFrame parses one frame from the front of buf and returns it with the
// number of bytes consumed. Incomplete input yields ErrNeedMoreData. A masked
// payload is unmasked in place, so the returned payload aliases buf.
func DecodeFrame(buf []byte, maxPayload int64) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	if buf[0]&rsvBits != 0 {
		return nil, 0, &ProtocolError{Reason: "reserved bits set"}
	}

	f := &Frame{
		Fin:    buf[0]&finBit != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&maskBit != 0,
	}

	if !f.Opcode.valid() {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("reserved opcode %#x", byte(f.Opcode))}
	}

	length := uint64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0, ErrNeedMoreData
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0, ErrNeedMoreData
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
		if length>>63 != 0 {
			return nil, 0, &ProtocolError{Reason: "payload length has the most significant bit set"}
		}
	}

	if f.Opcode.control() {
		if !f.Fin {
			return nil, 0, &ProtocolError{Reason: "fragmented control frame"}
		}
		if length > maxControlPayload {
			return nil, 0, &ProtocolError{Reason: "control frame payload too long"}
		}
	}

	if maxPayload > 0 && length > uint64(maxPayload) {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", length, maxPayload), Code: StatusTooBig}
	}

	if f.Masked {
		if len(buf) < offset+4 {
			return nil, 0, ErrNeedMoreData
		}
		copy(f.MaskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return nil, 0, ErrNeedMoreData
	}

	end := offset + int(length)
	f.Payload = buf[offset:end]
	if f.Masked {
		maskBytes(f.Payload, f.MaskKey)
	}

	return f, end, nil
}

// AppendFrame appends the wire form of f to dst. The payload is masked with
// f.MaskKey when f.Masked is set; the server never sets it.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if !f.Opcode.valid() {
		return nil, fmt.Errorf("encode: invalid opcode %#x", byte(f.Opcode))
	}

	if f.Opcode.control() && (!f.Fin || len(f.Payload) > maxControlPayload) {
		return nil, fmt.Errorf("encode: invalid %v frame", f.Opcode)
	}

	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= finBit
	}

	var b1 byte
	if f.Masked {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n <= 125:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !f.Masked {
		return append(dst, f.Payload...), nil
	}

	dst = append(dst, f.MaskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(dst[start:], f.MaskKey)

	return dst, nil
}

func EncodeFrame(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, len(f.Payload)+14), f)
}

func maskBytes(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func closePayload(code StatusCode, reason string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(code))
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	return append(b, reason...)
}

// parseClosePayload returns the status code carried by a Close frame. An
// empty payload means a normal closure.
func parseClosePayload(p []byte) (StatusCode, error) {
	if len(p) == 0 {
		return StatusNormalClosure, nil
	}

	if len(p) == 1 {
		return 0, &ProtocolError{Reason: "invalid close payload: truncated status code"}
	}

	code := StatusCode(binary.BigEndian.Uint16(p))
	if !code.sendable() {
		return 0, &ProtocolError{Reason: fmt.Sprintf("invalid close payload: status code %d", code)}
	}

	if !utf8.Valid(p[2:]) {
		return 0, &ProtocolError{Reason: "invalid close payload: reason is not utf-8"}
	}

	return code, nil
}

// sendable reports whether code may appear in a Close frame on the wire.
// 1005, 1006 and 1015 are reserved for local use.
func (code StatusCode) sendable() bool {
	switch {
	case code < 1000:
		return false
	case code <= 1003:
		return true
	case code <= 1006:
		return false
	case code <= 1014:
		return true
	case code < 3000:
		return false
	default:
		return code <= 4999
	}
}

// frameReader pulls frames off a stream socket, buffering partial input.
type frameReader struct {
	r          io.Reader
	buf        []byte
	maxPayload int64
}

func newFrameReader(r io.Reader, maxPayload int64) *frameReader {
	return &frameReader{r: r, buf: make([]byte, 0, 4096), maxPayload: maxPayload}
}

func (fr *frameReader) next() (*Frame, error) {
	for {
		f, n, err := DecodeFrame(fr.buf, fr.maxPayload)
		if err == nil {
			f.Payload = append([]byte(nil), f.Payload...)
			fr.buf = append(fr.buf[:0], fr.buf[n:]...)
			return f, nil
		}

		if err != ErrNeedMoreData {
			return nil, err
		}

		if len(fr.buf) == cap(fr.buf) {
			grown := make([]byte, len(fr.buf), 2*cap(fr.buf))
			copy(grown, fr.buf)
			fr.buf = grown
		}

		read, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
		fr.buf = fr.buf[:len(fr.buf)+read]
		if err != nil && read == 0 {
			return nil, &TransportError{Op: "read", Err: err}
		}
	}
}

// assembler joins fragmented data frames into messages.
type assembler struct {
	op         Opcode
	buf        []byte
	open       bool
	maxPayload int64
}

// push feeds one data frame and reports a complete message when the final
// fragment arrives.
func (a *assembler) push(f *Frame) (Opcode, []byte, bool, error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if a.open {
			return 0, nil, false, &ProtocolError{Reason: "new data frame inside a fragmented message"}
		}
		if f.Fin {
			return f.Opcode, f.Payload, true, nil
		}
		a.op, a.buf, a.open = f.Opcode, append(a.buf[:0], f.Payload...), true
		return 0, nil, false, nil
	case OpContinuation:
		if !a.open {
			return 0, nil, false, &ProtocolError{Reason: "continuation without a message"}
		}
		if a.maxPayload > 0 && int64(len(a.buf)+len(f.Payload)) > a.maxPayload {
			return 0, nil, false, &ProtocolError{Reason: "fragmented message exceeds limit", Code: StatusTooBig}
		}
		a.buf = append(a.buf, f.Payload...)
		if !f.Fin {
			return 0, nil, false, nil
		}
		msg := append([]byte(nil), a.buf...)
		a.open = false
		return a.op, msg, true, nil
	default:
		return 0, nil, false, fmt.Errorf("assembler: unexpected %v frame", f.Opcode)
	}
}
