package emulator

import (
	"bytes"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"k8s.io/klog/v2"
	"scpiemulator/pkg/scpi"
)

const (
	// DefaultPollInterval bounds each socket read so the idle fallback can be
	// evaluated without a dedicated timer goroutine.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultIdleTimeout is how long a non-empty buffer may sit quiet before
	// it is dispatched as one un-terminated command.
	DefaultIdleTimeout = 300 * time.Millisecond

	readBufferSize = 1024
)

// Framing tunes the per-connection boundary detection. Zero values fall back
// to the defaults.
type Framing struct {
	PollInterval time.Duration `json:"pollInterval"`
	IdleTimeout  time.Duration `json:"idleTimeout"`
}

func (f Framing) withDefaults() Framing {
	if f.PollInterval <= 0 {
		f.PollInterval = DefaultPollInterval
	}
	if f.IdleTimeout <= 0 {
		f.IdleTimeout = DefaultIdleTimeout
	}
	return f
}

// deadlineReadWriter is the transport a session runs over: a TCP connection
// or a serial port wrapped to honor read deadlines.
type deadlineReadWriter interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

// session frames one client's byte stream into commands and feeds them to the
// bound instrument. Terminated commands (\r\n, \n or \r, earliest offset
// wins) dispatch immediately; an un-terminated buffer dispatches after the
// idle timeout.
type session struct {
	conn       deadlineReadWriter
	instrument *scpi.Instrument
	framing    Framing
	emit       func(Event)
	remote     string
}

func newSession(conn deadlineReadWriter, instrument *scpi.Instrument, framing Framing, emit func(Event), remote string) *session {
	return &session{
		conn:       conn,
		instrument: instrument,
		framing:    framing.withDefaults(),
		emit:       emit,
		remote:     remote,
	}
}

func (s *session) run() {
	// New controller attaching: give it a deterministic starting state, like
	// a VISA driver's device clear on session open.
	s.instrument.VisaDeviceClear()

	buf := make([]byte, readBufferSize)
	var pending []byte
	lastActivity := time.Now()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.framing.PollInterval))
		n, err := s.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			lastActivity = time.Now()
			var ok bool
			if pending, ok = s.drainTerminated(pending); !ok {
				return
			}
		}
		if err != nil {
			if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
				if !s.flushIdle(&pending, &lastActivity) {
					return
				}
				continue
			}
			if err != io.EOF {
				klog.V(2).InfoS("Session read ended", "instrument", s.instrument.Name, "remote", s.remote, "err", err)
			}
			return
		}
		if n == 0 {
			// Serial ports report timeouts as a zero-byte read with no error.
			if !s.flushIdle(&pending, &lastActivity) {
				return
			}
		}
	}
}

// drainTerminated extracts and dispatches every complete command in the
// buffer, returning the unterminated remainder. The second return value is
// false when a response write failed and the session must end.
func (s *session) drainTerminated(pending []byte) ([]byte, bool) {
	for {
		idx := indexTerminator(pending)
		if idx < 0 {
			return pending, true
		}
		termLen := 1
		if pending[idx] == '\r' && idx+1 < len(pending) && pending[idx+1] == '\n' {
			termLen = 2
		}
		command := pending[:idx]
		pending = pending[idx+termLen:]

		if !utf8.Valid(command) {
			continue
		}
		if !s.dispatch(string(command)) {
			return nil, false
		}
	}
}

// flushIdle dispatches a buffer that has been quiet past the idle timeout.
func (s *session) flushIdle(pending *[]byte, lastActivity *time.Time) bool {
	if len(*pending) == 0 || time.Since(*lastActivity) < s.framing.IdleTimeout {
		return true
	}
	raw := *pending
	*pending = nil
	*lastActivity = time.Now()
	if !utf8.Valid(raw) {
		return true
	}
	return s.dispatch(string(raw))
}

// dispatch runs one command through the instrument, emits the telemetry
// event, and writes the response. Returns false on write failure.
func (s *session) dispatch(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return true
	}

	response := s.instrument.Process(command)

	if s.emit != nil {
		logged := response
		if logged == "" {
			logged = noResponsePlaceholder
		}
		s.emit(Event{
			Timestamp:  time.Now(),
			Instrument: s.instrument.Name,
			Command:    command,
			Response:   logged,
			Error:      s.instrument.LastError(),
		})
	}

	if response == "" {
		return true
	}
	if _, err := s.conn.Write([]byte(response + "\n")); err != nil {
		klog.V(2).InfoS("Failed to write response", "instrument", s.instrument.Name, "remote", s.remote, "err", err)
		return false
	}
	return true
}

func indexTerminator(b []byte) int {
	return bytes.IndexAny(b, "\r\n")
}
