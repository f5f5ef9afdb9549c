package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"scpiemulator/pkg/scpi"
)

type Option func(*Manager)

func WithHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

func WithFraming(framing Framing) Option {
	return func(m *Manager) { m.framing = framing }
}

func WithSink(sink EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sink) }
}

// CommandSpec is the declarative form of one command row, kept so the
// control surface can expose and patch an instrument's definition.
type CommandSpec struct {
	Command    string `json:"command"`
	Response   string `json:"response"`
	Validation string `json:"validation,omitempty"`
}

// InstrumentEntry is one configured instrument with its transport binding:
// either a TCP port or a serial device path.
type InstrumentEntry struct {
	Instrument *scpi.Instrument
	Port       int
	SerialPath string
	Commands   []CommandSpec
}

// InstrumentStatus is the per-instrument slice of the status report.
type InstrumentStatus struct {
	scpi.Snapshot
	Port    int    `json:"port,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Running bool   `json:"running"`
	Clients int    `json:"clients"`
}

type SystemStatus struct {
	TotalInstruments int       `json:"totalInstruments"`
	RunningServers   int       `json:"runningServers"`
	Timestamp        time.Time `json:"timestamp"`
}

type Status struct {
	Instruments []InstrumentStatus `json:"instruments"`
	Stats       Stats              `json:"stats"`
	System      SystemStatus       `json:"system"`
}

// Manager owns the instrument fleet: the engines, their transport endpoints,
// and the telemetry fan-out. It is the attachment point for the definition
// loader and the web control surface.
type Manager struct {
	mu          sync.Mutex
	host        string
	framing     Framing
	recorder    *Recorder
	sinks       []EventSink
	order       []string
	instruments map[string]*InstrumentEntry
	servers     map[string]endpoint
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		host:        "localhost",
		recorder:    NewRecorder(DefaultRecorderCapacity),
		instruments: map[string]*InstrumentEntry{},
		servers:     map[string]endpoint{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Recorder() *Recorder {
	return m.recorder
}

// AddSink registers an additional telemetry sink, e.g. the dashboard's
// WebSocket hub created after the manager.
func (m *Manager) AddSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

func (m *Manager) emit(event Event) {
	m.recorder.Publish(event)
	m.mu.Lock()
	sinks := make([]EventSink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()
	for _, sink := range sinks {
		sink.Publish(event)
	}
}

// SetInstruments replaces the configured fleet. Running servers are stopped
// first; previous engines are discarded.
func (m *Manager) SetInstruments(entries []*InstrumentEntry) {
	m.StopAll()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = m.order[:0]
	m.instruments = map[string]*InstrumentEntry{}
	for _, entry := range entries {
		id := entry.Instrument.ID
		if _, exists := m.instruments[id]; !exists {
			m.order = append(m.order, id)
		}
		m.instruments[id] = entry
	}
}

// Replace swaps one instrument's entry, restarting its endpoint if it was
// running. Used by the dashboard's definition PATCH.
func (m *Manager) Replace(id string, entry *InstrumentEntry) error {
	m.mu.Lock()
	if _, ok := m.instruments[id]; !ok {
		m.mu.Unlock()
		return errors.Errorf("instrument %s not found", id)
	}
	server, wasRunning := m.servers[id]
	if wasRunning {
		delete(m.servers, id)
	}
	entry.Instrument.LinkStatefulCommands()
	m.instruments[id] = entry
	m.mu.Unlock()

	if wasRunning {
		server.Stop()
		return m.startOne(id, entry)
	}
	return nil
}

func (m *Manager) entry(id string) (*InstrumentEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.instruments[id]
	return entry, ok
}

// Instrument returns the engine registered under id.
func (m *Manager) Instrument(id string) (*scpi.Instrument, bool) {
	entry, ok := m.entry(id)
	if !ok {
		return nil, false
	}
	return entry.Instrument, true
}

// Describe returns the configured entry for id, including its declarative
// command rows.
func (m *Manager) Describe(id string) (*InstrumentEntry, bool) {
	return m.entry(id)
}

func (m *Manager) newEndpoint(entry *InstrumentEntry) endpoint {
	if entry.SerialPath != "" {
		return NewSerialEndpoint(entry.Instrument, entry.SerialPath, m.framing, m.emit)
	}
	return NewServer(entry.Instrument, m.host, entry.Port, m.framing, m.emit)
}

func (m *Manager) startOne(id string, entry *InstrumentEntry) error {
	server := m.newEndpoint(entry)
	if err := server.Start(); err != nil {
		return err
	}
	m.mu.Lock()
	m.servers[id] = server
	m.mu.Unlock()
	return nil
}

// StartAll brings up an endpoint per configured instrument. Partial failure
// is tolerated: the manager counts as started when at least one instrument
// came up.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	if len(ids) == 0 {
		return errors.New("no instruments loaded")
	}

	started := 0
	for _, id := range ids {
		entry, ok := m.entry(id)
		if !ok {
			continue
		}
		if server, running := m.runningServer(id); running && server.Running() {
			started++
			continue
		}
		if err := m.startOne(id, entry); err != nil {
			klog.ErrorS(err, "Failed to start instrument server", "instrument", entry.Instrument.Name)
			continue
		}
		started++
	}

	if started == 0 {
		return errors.New("failed to start any instrument server")
	}
	klog.V(1).InfoS("Instrument servers started", "count", started, "configured", len(ids))
	return nil
}

func (m *Manager) runningServer(id string) (endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[id]
	return server, ok
}

// StopAll stops every running endpoint and clears the running set.
func (m *Manager) StopAll() {
	m.mu.Lock()
	servers := m.servers
	m.servers = map[string]endpoint{}
	m.mu.Unlock()

	for _, server := range servers {
		server.Stop()
	}
	if len(servers) > 0 {
		klog.V(1).InfoS("All instrument servers stopped", "count", len(servers))
	}
}

// Restart stops and re-binds one instrument's endpoint.
func (m *Manager) Restart(id string) error {
	entry, ok := m.entry(id)
	if !ok {
		return errors.Errorf("instrument %s not found", id)
	}
	if server, running := m.runningServer(id); running {
		server.Stop()
	}
	return m.startOne(id, entry)
}

// Inject dispatches a command to an instrument as if a connection had sent
// it, and returns the resulting telemetry event. Control-surface hook.
func (m *Manager) Inject(id, command string) (Event, error) {
	entry, ok := m.entry(id)
	if !ok {
		return Event{}, errors.Errorf("instrument %s not found", id)
	}

	response := entry.Instrument.Process(command)
	logged := response
	if logged == "" {
		logged = noResponsePlaceholder
	}
	event := Event{
		Timestamp:  time.Now(),
		Instrument: entry.Instrument.Name,
		Command:    command,
		Response:   logged,
		Error:      entry.Instrument.LastError(),
	}
	m.emit(event)
	return event, nil
}

// Status reports the whole fleet for the dashboard.
func (m *Manager) Status() Status {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	entries := make(map[string]*InstrumentEntry, len(m.instruments))
	for id, e := range m.instruments {
		entries[id] = e
	}
	servers := make(map[string]endpoint, len(m.servers))
	for id, s := range m.servers {
		servers[id] = s
	}
	m.mu.Unlock()

	status := Status{
		Stats: m.recorder.Stats(),
		System: SystemStatus{
			TotalInstruments: len(entries),
			Timestamp:        time.Now(),
		},
	}
	for _, id := range ids {
		entry := entries[id]
		is := InstrumentStatus{
			Snapshot: entry.Instrument.Snapshot(),
			Port:     entry.Port,
			Serial:   entry.SerialPath,
		}
		if server, ok := servers[id]; ok && server.Running() {
			is.Running = true
			is.Clients = server.ClientCount()
			status.System.RunningServers++
		}
		status.Instruments = append(status.Instruments, is)
	}
	return status
}

// Shutdown stops everything; the signature matches the web server's exit
// hook.
func (m *Manager) Shutdown(_ context.Context) error {
	m.StopAll()
	return nil
}
