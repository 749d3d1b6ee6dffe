package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type fakeRecorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *fakeRecorder) Record(ctx context.Context, event Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) Types() map[EventType]int {
	r.lock.Lock()
	defer r.lock.Unlock()

	types := map[EventType]int{}
	for _, e := range r.events {
		types[e.Type]++
	}
	return types
}

// ephemeralListener binds every requested address on an OS-assigned port and
// remembers what was asked for.
type ephemeralListener struct {
	lock      sync.Mutex
	requested []string
}

func (l *ephemeralListener) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	l.lock.Lock()
	l.requested = append(l.requested, address)
	l.lock.Unlock()

	lc := net.ListenConfig{}
	return lc.Listen(ctx, network, net.JoinHostPort(host, "0"))
}

func (l *ephemeralListener) Requested() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.requested...)
}

func testConfig() Config {
	return Config{Host: "127.0.0.1", Listen: (&ephemeralListener{}).Listen}
}

func TestServerDefaultPorts(t *testing.T) {
	ln := &ephemeralListener{}
	server := NewServer(testLogger(), Config{Listen: ln.Listen}, &fakeDocument{}, nil)

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	assert.Equal(t, []string{"localhost:0", "localhost:4001"}, ln.Requested())
}

func TestE2E(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc := &fakeDocument{url: "https://example.com/issue/1", syntax: "markdown"}
	recorder := &fakeRecorder{}

	server := NewServer(testLogger(), testConfig(), doc, recorder)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	assert.ErrorIs(t, server.Start(ctx), ErrAlreadyRunning)

	// discovery
	port := server.WebSocketPort()
	require.NotZero(t, port)

	resp, err := http.Get(fmt.Sprintf("http://%v/any/path?x=1", server.DiscoveryAddr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf(`{"ProtocolVersion":1,"WebSocketPort":%d}`, port), string(body))

	ad := Advertisement{}
	require.NoError(t, json.Unmarshal(body, &ad))
	wsURL := "ws://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(int(ad.WebSocketPort)))

	// first message promotes
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(helloMessage)))
	require.Eventually(t, func() bool { return len(doc.Applied()) == 1 }, defaultWaitTime, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, doc.Applied())

	started, _ := doc.Sessions()
	assert.Equal(t, 1, started)

	// editor to browser
	doc.SetText("hello world")
	require.NoError(t, server.Notify())

	typ, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	snap := Snapshot{}
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, "hello world", snap.Text)
	assert.Equal(t, []Selection{{Start: 11, End: 11}}, snap.Selections)
	assert.Equal(t, SessionTitle, snap.Title)
	assert.Equal(t, "https://example.com/issue/1", snap.URL)
	assert.Equal(t, "markdown", snap.Syntax)

	// one push, one frame
	require.Eventually(t, func() bool { return recorder.Types()[EventTypeSent] == 1 }, defaultWaitTime, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, recorder.Types()[EventTypeSent])

	// malformed payloads are dropped without closing
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{broken")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"text":"again"}`)))
	require.Eventually(t, func() bool { return len(doc.Applied()) == 2 }, defaultWaitTime, 10*time.Millisecond)
	assert.Equal(t, []string{"hello", "again"}, doc.Applied())

	// a second browser tab is turned away
	dup, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer dup.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, dup.Write(ctx, websocket.MessageText, []byte(helloMessage)))
	_, _, err = dup.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Len(t, doc.Applied(), 2)

	// stop
	require.NoError(t, server.Stop())
	require.NoError(t, server.Stop())
	assert.False(t, server.Running())
	assert.NoError(t, server.Notify())

	// the next frame after the push is the Close, not a second Text frame
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	_, ended := doc.Sessions()
	assert.Equal(t, 1, ended)

	types := recorder.Types()
	assert.Equal(t, 2, types[EventTypeAdmitted])
	assert.Equal(t, 1, types[EventTypePromoted])
	assert.Equal(t, 1, types[EventTypeRejected])
	assert.Equal(t, 2, types[EventTypeReceived])
	assert.Equal(t, 1, types[EventTypeSent])
	assert.Equal(t, 2, types[EventTypeClosed])
}

func TestServerRestart(t *testing.T) {
	ctx := context.Background()
	doc := &fakeDocument{}

	server := NewServer(testLogger(), testConfig(), doc, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, server.Start(ctx))
		assert.True(t, server.Running())

		conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d", server.WebSocketPort()), nil)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(helloMessage)))

		require.Eventually(t, func() bool { return len(doc.Applied()) == i+1 }, defaultWaitTime, 10*time.Millisecond)

		require.NoError(t, server.Stop())
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}

	started, ended := doc.Sessions()
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, ended)
}

func TestServerPortInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	config := Config{
		Host:          "127.0.0.1",
		DiscoveryPort: taken.Addr().(*net.TCPAddr).Port,
	}

	server := NewServer(testLogger(), config, &fakeDocument{}, nil)
	assert.Error(t, server.Start(context.Background()))
	assert.False(t, server.Running())
	assert.NoError(t, server.Stop())
}

func TestServerNotifyWithoutSession(t *testing.T) {
	server := NewServer(testLogger(), testConfig(), &fakeDocument{}, nil)
	assert.NoError(t, server.Notify())

	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	assert.NoError(t, server.Notify())
}
