package internal

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
)

// session receives the application side of the active connection.
type session interface {
	Decode(payload []byte) (Snapshot, error)
	Started(id string)
	Received(id string, snap Snapshot)
	Ended(id string)
}

type ManagerOptions struct {
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = o.IdleTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 << 20
	}
	return o
}

type verdict int

const (
	verdictForward verdict = iota
	verdictPromoted
	verdictRejected
	verdictDropped
)

// Manager owns every socket on the WebSocket port and decides which one is
// the active session.
type Manager struct {
	logger  *slog.Logger
	session session
	opts    ManagerOptions
	now     func() time.Time

	lock        sync.Mutex
	connections map[string]*Connection
	active      *Connection
	listener    net.Listener
	stopped     bool
	quit        chan struct{}

	events chan Event
	wg     sync.WaitGroup
}

func NewManager(logger *slog.Logger, s session, opts ManagerOptions) *Manager {
	return &Manager{
		logger:      logger,
		session:     s,
		opts:        opts.withDefaults(),
		now:         time.Now,
		connections: make(map[string]*Connection),
		quit:        make(chan struct{}),
		events:      make(chan Event, 256),
	}
}

// Events carries lifecycle events. Events are dropped when nobody reads.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start runs the accept loop on ln and the reaper until Shutdown.
func (m *Manager) Start(ln net.Listener) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stopped {
		return ErrStopped
	}

	m.listener = ln
	m.wg.Add(2)
	go m.acceptLoop(ln)
	go m.reap()

	return nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.isStopped() {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				m.logger.Warn("accept timeout", slog.String("error", err.Error()))
				continue
			}

			m.logger.Error("accept failed", err)
			return
		}

		c, err := m.admit(nc)
		if err != nil {
			_ = nc.Close()
			continue
		}

		go func() {
			defer m.wg.Done()
			m.serve(c)
		}()
	}
}

func (m *Manager) isStopped() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stopped
}

// admit registers a freshly accepted socket in HandshakePending. On success
// the caller owns one count on m.wg.
func (m *Manager) admit(nc net.Conn) (*Connection, error) {
	kid, err := ksuid.NewRandom()
	if err != nil {
		return nil, err
	}

	c := newConnection(kid.String(), nc, m.logger, m.now())

	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return nil, ErrStopped
	}
	m.connections[c.ID] = c
	m.wg.Add(1)
	m.lock.Unlock()

	c.logger.Debug("accepted", slog.String("remote", nc.RemoteAddr().String()))
	m.emit(c, EventTypeAdmitted, StateHandshakePending)

	return c, nil
}

func (m *Manager) serve(c *Connection) {
	defer func() {
		c.drain(writeTimeout)
		m.release(c)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))

	br := bufio.NewReader(c.conn)
	resp, err := ReadHandshake(br)
	if err != nil {
		var herr *HandshakeError
		if errors.As(err, &herr) {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, _ = c.conn.Write(herr.Response())
			c.logger.Warn("handshake rejected", slog.Int("status", herr.Status), slog.String("reason", herr.Reason))
			return
		}
		c.logger.Debug("no handshake", slog.String("error", err.Error()))
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(resp); err != nil {
		c.logger.Debug("handshake write failed", slog.String("error", err.Error()))
		return
	}

	if !m.handshaken(c) {
		return
	}

	_ = c.conn.SetReadDeadline(time.Time{})
	c.startWriter(&m.wg)
	m.readLoop(c, br)
}

func (m *Manager) handshaken(c *Connection) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stopped || c.state != StateHandshakePending {
		return false
	}

	c.state = StateAwaitingFirstMessage
	c.lastActivity = m.now()

	return true
}

func (m *Manager) readLoop(c *Connection, br *bufio.Reader) {
	fr := newFrameReader(br, m.opts.MaxMessageSize)
	asm := &assembler{maxPayload: m.opts.MaxMessageSize}

	for {
		f, err := fr.next()
		if err != nil {
			m.readFailed(c, err)
			return
		}

		if !f.Masked {
			m.readFailed(c, &ProtocolError{Reason: "unmasked client frame"})
			return
		}

		m.touch(c)

		switch f.Opcode {
		case OpPing:
			c.send(Frame{Fin: true, Opcode: OpPong, Payload: f.Payload})
			continue
		case OpPong:
			continue
		case OpClose:
			code, err := parseClosePayload(f.Payload)
			if err != nil {
				m.readFailed(c, err)
				return
			}
			c.logger.Info("peer closed the connection", slog.Int("code", int(code)))
			m.closing(c)
			c.send(Frame{Fin: true, Opcode: OpClose, Payload: closePayload(code, "")})
			return
		}

		op, msg, ok, err := asm.push(f)
		if err != nil {
			m.readFailed(c, err)
			return
		}

		if !ok {
			continue
		}

		if op != OpText {
			c.logger.Debug("ignoring message", slog.String("opcode", op.String()), slog.Int("size", len(msg)))
			continue
		}

		if !m.deliver(c, msg) {
			return
		}
	}
}

func (m *Manager) readFailed(c *Connection, err error) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		c.logger.Warn("closing after protocol error", slog.String("reason", perr.Reason))
		m.closing(c)
		c.closeWith(perr.status(), "")
		return
	}

	c.logger.Debug("read failed", slog.String("error", err.Error()))

	// an error on an open connection still gets a Close frame if the socket
	// takes it
	if m.closing(c) {
		c.closeWith(StatusGoingAway, "")
	}
}

// deliver runs one complete text message through promotion and on to the
// session. It reports false when the connection must stop reading.
func (m *Manager) deliver(c *Connection, payload []byte) bool {
	snap, err := m.session.Decode(payload)
	if err != nil {
		c.logger.Warn("dropping message", slog.String("error", err.Error()))
		return true
	}

	switch m.promote(c) {
	case verdictPromoted:
		c.logger.Info("session started")
		m.emit(c, EventTypePromoted, StateActive)
		m.session.Started(c.ID)
	case verdictRejected:
		c.logger.Info("rejecting duplicate connection")
		m.emit(c, EventTypeRejected, StateClosing)
		c.closeWith(StatusPolicy, "another session is active")
		return false
	case verdictDropped:
		c.logger.Debug("dropping message for closed connection")
		return false
	}

	m.session.Received(c.ID, snap)
	m.emit(c, EventTypeReceived, StateActive)

	return true
}

// promote decides the fate of a connection delivering an application
// message. First writer wins.
func (m *Manager) promote(c *Connection) verdict {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.stopped {
		return verdictDropped
	}

	switch c.state {
	case StateActive:
		c.lastActivity = m.now()
		return verdictForward
	case StateAwaitingFirstMessage:
		if m.active != nil && m.active != c {
			c.state = StateClosing
			return verdictRejected
		}
		c.state = StateActive
		c.promoted = true
		c.lastActivity = m.now()
		m.active = c
		return verdictPromoted
	default:
		return verdictDropped
	}
}

func (m *Manager) touch(c *Connection) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if c.state == StateAwaitingFirstMessage || c.state == StateActive {
		c.lastActivity = m.now()
	}
}

// closing moves c to Closing and frees the active slot. It reports whether c
// was handshaken and still open.
func (m *Manager) closing(c *Connection) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	open := c.state == StateAwaitingFirstMessage || c.state == StateActive
	if open {
		c.state = StateClosing
	}

	if m.active == c {
		m.active = nil
	}

	return open
}

func (m *Manager) release(c *Connection) {
	m.lock.Lock()
	if _, ok := m.connections[c.ID]; !ok {
		m.lock.Unlock()
		return
	}

	ended := c.promoted
	c.promoted = false
	c.state = StateClosed
	delete(m.connections, c.ID)
	if m.active == c {
		m.active = nil
	}
	m.lock.Unlock()

	c.logger.Debug("closed")
	m.emit(c, EventTypeClosed, StateClosed)

	if ended {
		c.logger.Info("session ended")
		m.session.Ended(c.ID)
	}
}

func (m *Manager) reap() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts connections that completed the handshake but stayed silent
// for longer than the idle timeout. It returns the evicted ids.
func (m *Manager) Sweep() []string {
	m.lock.Lock()
	now := m.now()
	var evicted []*Connection
	for id, c := range m.connections {
		if c.state == StateAwaitingFirstMessage && now.Sub(c.lastActivity) > m.opts.IdleTimeout {
			c.state = StateClosed
			delete(m.connections, id)
			evicted = append(evicted, c)
		}
	}
	m.lock.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		c.logger.Info("evicting idle connection", slog.Duration("idle", now.Sub(c.lastActivity)))
		c.terminate()
		m.emit(c, EventTypeEvicted, StateClosed)
		ids = append(ids, c.ID)
	}

	return ids
}

// SendText writes payload to the active session as one Text frame. It
// reports false when there is no active session.
func (m *Manager) SendText(payload []byte) bool {
	m.lock.Lock()
	c := m.active
	m.lock.Unlock()

	if c == nil || !c.sendText(payload) {
		return false
	}

	m.emit(c, EventTypeSent, StateActive)
	return true
}

func (m *Manager) Active() (string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.active == nil {
		return "", false
	}
	return m.active.ID, true
}

func (m *Manager) StateOf(id string) (State, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.connections[id]
	if !ok {
		return StateClosed, false
	}
	return c.state, true
}

func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.connections)
}

// Shutdown closes the listener and every connection, sending a Close frame
// where the handshake completed, and waits for all goroutines. Calling it
// again is a no-op.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		m.wg.Wait()
		return
	}

	m.stopped = true
	close(m.quit)

	if m.listener != nil {
		_ = m.listener.Close()
	}

	type pending struct {
		c          *Connection
		handshaken bool
	}

	var conns []pending
	for _, c := range m.connections {
		open := c.state == StateAwaitingFirstMessage || c.state == StateActive
		if open {
			c.state = StateClosing
		}
		conns = append(conns, pending{c: c, handshaken: open})
	}
	m.active = nil
	m.lock.Unlock()

	for _, p := range conns {
		if p.handshaken {
			p.c.closeWith(StatusGoingAway, "server stopping")
		} else {
			p.c.terminate()
		}
	}

	m.wg.Wait()
}

func (m *Manager) emit(c *Connection, typ EventType, state State) {
	event := Event{Type: typ, ID: c.ID, State: state.String(), At: m.now()}

	select {
	case m.events <- event:
	default:
		c.logger.Debug("event dropped", slog.String("event", string(typ)))
	}
}
