package internal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

type Config struct {
	Host             string
	DiscoveryPort    int
	WebSocketPort    int
	DiscoveryTimeout time.Duration
	Manager          ManagerOptions
	Listen           ListenFunc
}

// Recorder receives connection lifecycle events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Server ties the discovery responder and the WebSocket port to one editor
// document. Start and Stop back the start-server and stop-server commands.
type Server struct {
	logger   *slog.Logger
	config   Config
	doc      Document
	recorder Recorder

	lock      sync.Mutex
	running   bool
	manager   *Manager
	bridge    *Bridge
	discovery *http.Server
	discAddr  net.Addr
	wsPort    uint16
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewServer(logger *slog.Logger, config Config, doc Document, recorder Recorder) *Server {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.DiscoveryPort == 0 {
		config.DiscoveryPort = 4001
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = 2 * time.Second
	}
	if config.Listen == nil {
		lc := &net.ListenConfig{}
		config.Listen = lc.Listen
	}

	return &Server{
		logger:   logger,
		config:   config,
		doc:      doc,
		recorder: recorder,
	}
}

// Start binds both ports. Bind failures are the only errors it reports.
func (s *Server) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	wsLn, err := s.config.Listen(ctx, "tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.WebSocketPort)))
	if err != nil {
		return fmt.Errorf("listen websocket: %w", err)
	}

	discLn, err := s.config.Listen(ctx, "tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.DiscoveryPort)))
	if err != nil {
		_ = wsLn.Close()
		return fmt.Errorf("listen discovery: %w", err)
	}

	wsPort := uint16(wsLn.Addr().(*net.TCPAddr).Port)

	router, err := DiscoveryRouter(s.logger.With(slog.String("component", "discovery")), wsPort)
	if err != nil {
		_ = wsLn.Close()
		_ = discLn.Close()
		return err
	}

	bridge := NewBridge(s.logger, s.doc)
	manager := NewManager(s.logger.With(slog.String("component", "websocket")), bridge, s.config.Manager)
	bridge.sender = manager

	rctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.record(rctx, manager.Events())

	if err := manager.Start(wsLn); err != nil {
		cancel()
		s.wg.Wait()
		_ = wsLn.Close()
		_ = discLn.Close()
		return err
	}

	discovery := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: s.config.DiscoveryTimeout,
		ReadTimeout:       s.config.DiscoveryTimeout,
		WriteTimeout:      s.config.DiscoveryTimeout,
	}
	discovery.SetKeepAlivesEnabled(false)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := discovery.Serve(discLn); err != nil && err != http.ErrServerClosed {
			s.logger.Error("discovery server failed", err)
		}
	}()

	s.running = true
	s.manager = manager
	s.bridge = bridge
	s.discovery = discovery
	s.discAddr = discLn.Addr()
	s.wsPort = wsPort
	s.cancel = cancel

	s.logger.Info("started", slog.String("discovery", s.discAddr.String()), slog.Int("websocket", int(wsPort)))

	return nil
}

// Stop closes both listeners and every connection. Stopping a server that is
// not running does nothing.
func (s *Server) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.discovery.Close()
	s.manager.Shutdown()
	s.cancel()
	s.wg.Wait()

	s.manager = nil
	s.bridge = nil
	s.discovery = nil

	s.logger.Info("stopped")

	return err
}

func (s *Server) Running() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.running
}

// Notify pushes the current document to the active session, if any.
func (s *Server) Notify() error {
	s.lock.Lock()
	bridge := s.bridge
	s.lock.Unlock()

	if bridge == nil {
		s.logger.Debug("notify while stopped")
		return nil
	}

	sent, err := bridge.Push()
	if err != nil {
		s.logger.Error("failed to push document", err)
		return err
	}

	if !sent {
		s.logger.Debug("no active session")
	}

	return nil
}

func (s *Server) DiscoveryAddr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.discAddr
}

func (s *Server) WebSocketPort() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.wsPort
}

// Manager returns the connection manager of the current run, nil when stopped.
func (s *Server) Manager() *Manager {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.manager
}

func (s *Server) record(ctx context.Context, events <-chan Event) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-events:
					s.dispatch(event)
				default:
					return
				}
			}
		case event := <-events:
			s.dispatch(event)
		}
	}
}

func (s *Server) dispatch(event Event) {
	if s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.Error("failed to record event", err, slog.String("connection", event.ID), slog.String("event", string(event.Type)))
	}
}
