package emulator

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"scpiemulator/pkg/scpi"
)

// SerialEndpoint exposes an instrument on an RS-232 port instead of a TCP
// listener, for harnesses that talk to serial-attached hardware. The link is
// point to point, so there is at most one session.
type SerialEndpoint struct {
	instrument *scpi.Instrument
	path       string
	mode       *serial.Mode
	framing    Framing
	emit       func(Event)

	running atomic.Bool
	port    serial.Port
}

func NewSerialEndpoint(instrument *scpi.Instrument, path string, framing Framing, emit func(Event)) *SerialEndpoint {
	return &SerialEndpoint{
		instrument: instrument,
		path:       path,
		// 9600 8N1, the de facto instrument default.
		mode:    &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		framing: framing,
		emit:    emit,
	}
}

func (e *SerialEndpoint) Start() error {
	if !e.running.CAS(false, true) {
		return fmt.Errorf("serial endpoint for %q already running", e.instrument.Name)
	}

	port, err := serial.Open(e.path, e.mode)
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("open serial port %s for %q: %w", e.path, e.instrument.Name, err)
	}
	e.port = port

	go func() {
		newSession(&serialConn{port: port}, e.instrument, e.framing, e.emit, e.path).run()
		e.running.Store(false)
	}()

	klog.V(1).InfoS("Instrument serial endpoint started", "instrument", e.instrument.Name, "path", e.path)
	return nil
}

func (e *SerialEndpoint) Stop() {
	if !e.running.CAS(true, false) {
		return
	}
	if e.port != nil {
		e.port.Close()
	}
	klog.V(1).InfoS("Instrument serial endpoint stopped", "instrument", e.instrument.Name, "path", e.path)
}

func (e *SerialEndpoint) Running() bool {
	return e.running.Load()
}

func (e *SerialEndpoint) ClientCount() int {
	if e.running.Load() {
		return 1
	}
	return 0
}

// serialConn adapts a serial.Port to the session's deadline contract. The
// library exposes a relative read timeout rather than an absolute deadline.
type serialConn struct {
	port serial.Port
}

func (c *serialConn) Read(p []byte) (int, error)  { return c.port.Read(p) }
func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *serialConn) SetReadDeadline(t time.Time) error {
	return c.port.SetReadTimeout(time.Until(t))
}
