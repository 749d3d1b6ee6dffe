package internal

import (
	"bufio"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const defaultWaitTime = 2 * time.Second

func testLogger() *slog.Logger {
	handler := slog.HandlerOptions{Level: slog.LevelDebug}
	return slog.New(handler.NewTextHandler(io.Discard))
}

type fakeDocument struct {
	lock     sync.Mutex
	text     string
	url      string
	syntax   string
	applied  []string
	started  int
	ended    int
	applyErr error
}

func (d *fakeDocument) ReadDocumentState() (Snapshot, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return Snapshot{Text: d.text, URL: d.url, Syntax: d.syntax}, nil
}

func (d *fakeDocument) ApplyDocumentState(text string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.applied = append(d.applied, text)
	if d.applyErr != nil {
		return d.applyErr
	}
	d.text = text
	return nil
}

func (d *fakeDocument) SessionStarted() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.started++
}

func (d *fakeDocument) SessionEnded() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.ended++
}

func (d *fakeDocument) SetText(text string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.text = text
}

func (d *fakeDocument) Applied() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.applied...)
}

func (d *fakeDocument) Sessions() (started, ended int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.started, d.ended
}

type clock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// rawConn is a hand-driven client that speaks the protocol through the codec
// under test, masking like a browser does.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	fr   *frameReader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	conn, err := net.DialTimeout("tcp", addr, defaultWaitTime)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: " + addr + "\r\nUpgrade: websocket\r\n" +
		"Connection: Upgrade\r\nSec-WebSocket-Key: " + key + "\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(defaultWaitTime))
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Equal(t, AcceptKey(key), resp.Header.Get("Sec-WebSocket-Accept"))

	return &rawConn{t: t, conn: conn, fr: newFrameReader(br, 0)}
}

func (r *rawConn) write(f Frame) {
	f.Masked = true
	f.MaskKey = [4]byte{0xa1, 0xb2, 0xc3, 0xd4}
	b, err := EncodeFrame(f)
	require.NoError(r.t, err)
	_, err = r.conn.Write(b)
	require.NoError(r.t, err)
}

func (r *rawConn) writeText(s string) {
	r.write(Frame{Fin: true, Opcode: OpText, Payload: []byte(s)})
}

func (r *rawConn) read() (*Frame, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(defaultWaitTime))
	return r.fr.next()
}

// readClose skips data frames until a Close arrives and returns its code.
func (r *rawConn) readClose() StatusCode {
	for {
		f, err := r.read()
		require.NoError(r.t, err)
		if f.Opcode == OpClose {
			require.GreaterOrEqual(r.t, len(f.Payload), 2)
			return StatusCode(uint16(f.Payload[0])<<8 | uint16(f.Payload[1]))
		}
	}
}

// readEOF waits for the server to drop the socket.
func (r *rawConn) readEOF() {
	for {
		_, err := r.read()
		if err != nil {
			var ne net.Error
			require.False(r.t, errors.As(err, &ne) && ne.Timeout(), "socket left open")
			return
		}
	}
}

const helloMessage = `{"text":"hello","selections":[{"start":5,"end":5}],"title":"x","url":"","syntax":""}`
