package emulator

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"scpiemulator/pkg/scpi"
)

// endpoint is one running transport attachment for an instrument: a TCP
// listener or a serial port.
type endpoint interface {
	Start() error
	Stop()
	Running() bool
	ClientCount() int
}

// Server exposes a single instrument on one TCP port. Every accepted
// connection gets its own framer session; all sessions share the instrument's
// state, like multiple controllers addressing one piece of hardware.
type Server struct {
	instrument *scpi.Instrument
	host       string
	port       int
	framing    Framing
	emit       func(Event)

	running  atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	clients  map[net.Conn]struct{}
}

func NewServer(instrument *scpi.Instrument, host string, port int, framing Framing, emit func(Event)) *Server {
	return &Server{
		instrument: instrument,
		host:       host,
		port:       port,
		framing:    framing,
		emit:       emit,
		clients:    map[net.Conn]struct{}{},
	}
}

// Start binds the listener and launches the accept loop. A bind failure fails
// only this instrument; siblings keep running.
func (s *Server) Start() error {
	if !s.running.CAS(false, true) {
		return fmt.Errorf("server for %q already running", s.instrument.Name)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen for %q: %w", s.instrument.Name, err)
	}

	s.mu.Lock()
	s.listener = listener
	if s.port == 0 {
		s.port = listener.Addr().(*net.TCPAddr).Port
	}
	s.mu.Unlock()

	go s.acceptLoop(listener)
	klog.V(1).InfoS("Instrument server started", "instrument", s.instrument.Name, "addr", listener.Addr())
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Expected after a deliberate Stop closed the listener.
			if s.running.Load() {
				klog.ErrorS(err, "Accept failed", "instrument", s.instrument.Name)
			}
			return
		}
		s.track(conn)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	klog.V(2).InfoS("Client connected", "instrument", s.instrument.Name, "remote", remote)
	defer func() {
		conn.Close()
		s.untrack(conn)
		klog.V(2).InfoS("Client disconnected", "instrument", s.instrument.Name, "remote", remote)
	}()

	newSession(conn, s.instrument, s.framing, s.emit, remote).run()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}

// Stop force-closes every tracked client socket, then the listener. In-flight
// reads unblock with an error and their sessions end; no drain is attempted.
func (s *Server) Stop() {
	if !s.running.CAS(true, false) {
		return
	}

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = map[net.Conn]struct{}{}
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	klog.V(1).InfoS("Instrument server stopped", "instrument", s.instrument.Name, "port", s.port)
}

func (s *Server) Running() bool {
	return s.running.Load()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Port returns the bound port. Useful when the server was started on port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
