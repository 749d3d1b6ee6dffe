package internal

import (
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/exp/slog"
)

const writeTimeout = 2 * time.Second

type Connection struct {
	ID     string
	conn   net.Conn
	logger *slog.Logger

	// guarded by Manager.lock
	state        State
	lastActivity time.Time
	promoted     bool

	outLock   sync.Mutex
	outbox    *queue.Queue
	closeSent bool
	writing   bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, logger *slog.Logger, now time.Time) *Connection {
	return &Connection{
		ID:           id,
		conn:         conn,
		logger:       logger.With(slog.String("connection", id)),
		state:        StateHandshakePending,
		lastActivity: now,
		outbox:       queue.New(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// send queues f for the writer. It reports false once a Close frame has been
// queued, after which nothing else goes out.
func (c *Connection) send(f Frame) bool {
	b, err := EncodeFrame(f)
	if err != nil {
		c.logger.Error("failed to encode frame", err)
		return false
	}

	c.outLock.Lock()
	if c.closeSent {
		c.outLock.Unlock()
		return false
	}
	if f.Opcode == OpClose {
		c.closeSent = true
	}
	c.outbox.Add(b)
	writing := c.writing
	c.outLock.Unlock()

	if !writing {
		// no writer yet: flushed by startWriter, or dropped on terminate
		return true
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return true
}

func (c *Connection) sendText(payload []byte) bool {
	return c.send(Frame{Fin: true, Opcode: OpText, Payload: payload})
}

// closeWith queues a Close frame; the writer drops the socket after it.
// Before the handshake there is no framing, so the socket is dropped directly.
func (c *Connection) closeWith(code StatusCode, reason string) {
	c.outLock.Lock()
	writing := c.writing
	c.outLock.Unlock()

	if !writing {
		c.terminate()
		return
	}

	c.send(Frame{Fin: true, Opcode: OpClose, Payload: closePayload(code, reason)})
}

func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Connection) startWriter(wg *sync.WaitGroup) {
	c.outLock.Lock()
	c.writing = true
	pending := c.outbox.Length() > 0
	c.outLock.Unlock()

	if pending {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.outLock.Lock()
			if c.outbox.Length() == 0 {
				c.outLock.Unlock()
				break
			}
			b := c.outbox.Remove().([]byte)
			last := c.closeSent && c.outbox.Length() == 0
			c.outLock.Unlock()

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(b); err != nil {
				c.logger.Debug("write failed", slog.String("error", err.Error()))
				c.terminate()
				return
			}

			if last {
				c.terminate()
				return
			}
		}
	}
}

// drain gives a queued Close frame up to timeout to reach the peer, then drops
// the socket.
func (c *Connection) drain(timeout time.Duration) {
	c.outLock.Lock()
	pending := c.writing && c.closeSent
	c.outLock.Unlock()

	if pending {
		select {
		case <-c.done:
		case <-time.After(timeout):
		}
	}

	c.terminate()
}
