package scpi

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// Manufacturer field of the *IDN? response.
	idnManufacturer = "SCPI_Emulator"
	// Firmware revision reported by *IDN?.
	firmwareVersion = "2.3.0"
	// SCPI version reported by SYST:VERS?.
	scpiVersion = "1999.0"

	noErrorSentinel = `0,"No error"`

	statementSeparator = ";"
)

// Instrument is one emulated device: a command registry plus the mutable
// state shared by every connection to its port. A single mutex guards the
// state map, the error queue, and the counters; concurrent sessions observe
// each other's mutations, but never a half-written value.
type Instrument struct {
	Name string
	ID   string

	mu           sync.Mutex
	registry     *Registry
	state        map[string]string
	errorQueue   []*Error
	lastCommand  string
	commandCount uint64
}

// Snapshot is a point-in-time view of an instrument for status reporting.
type Snapshot struct {
	Name        string            `json:"name"`
	ID          string            `json:"id"`
	Commands    uint64            `json:"commands"`
	Errors      int               `json:"errors"`
	LastCommand string            `json:"lastCommand,omitempty"`
	State       map[string]string `json:"state"`
}

// NewInstrument creates an instrument with the IEEE 488.2 builtin command set
// pre-registered.
func NewInstrument(name, id string) *Instrument {
	inst := &Instrument{
		Name:     name,
		ID:       id,
		registry: NewRegistry(),
		state:    map[string]string{},
	}
	inst.registerBuiltins()
	return inst
}

func (i *Instrument) registerBuiltins() {
	r := i.registry
	r.addBuiltin("*CLS", (*Instrument).clearStatus)
	r.addBuiltin("*ESE", func(*Instrument) string { return "" })
	r.addBuiltin("*ESE?", func(inst *Instrument) string { return inst.stateOrZero("ese") })
	r.addBuiltin("*ESR?", func(inst *Instrument) string { return inst.stateOrZero("esr") })
	r.addBuiltin("*IDN?", (*Instrument).identify)
	r.addBuiltin("*OPC", func(*Instrument) string { return "1" })
	r.addBuiltin("*OPC?", func(*Instrument) string { return "1" })
	r.addBuiltin("*RST", (*Instrument).clearStatus)
	r.addBuiltin("*SRE", func(*Instrument) string { return "" })
	r.addBuiltin("*SRE?", func(inst *Instrument) string { return inst.stateOrZero("sre") })
	r.addBuiltin("*STB?", func(inst *Instrument) string { return inst.stateOrZero("stb") })
	r.addBuiltin("*TST?", func(*Instrument) string { return "0" })
	r.addBuiltin("*WAI", func(*Instrument) string { return "" })
	r.addBuiltin("SYST:ERR?", (*Instrument).popError)
	r.addBuiltin("SYST:VERS?", func(*Instrument) string { return scpiVersion })
}

func (i *Instrument) clearStatus() string {
	i.errorQueue = nil
	i.state = map[string]string{}
	return ""
}

func (i *Instrument) identify() string {
	return fmt.Sprintf("%s,%s,%s,%s", idnManufacturer, i.Name, i.ID, firmwareVersion)
}

func (i *Instrument) popError() string {
	if len(i.errorQueue) == 0 {
		return noErrorSentinel
	}
	oldest := i.errorQueue[0]
	i.errorQueue = i.errorQueue[1:]
	return oldest.Error()
}

func (i *Instrument) stateOrZero(key string) string {
	if v, ok := i.state[key]; ok {
		return v
	}
	return "0"
}

// AddCommand registers a configured command/response pair.
func (i *Instrument) AddCommand(command, response string, rule *Rule) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.registry.Add(command, response, rule)
}

// LinkStatefulCommands converts SET/QUERY pairs into live registers. Safe to
// call repeatedly; captured defaults are never re-derived.
func (i *Instrument) LinkStatefulCommands() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.registry.LinkStatefulCommands()
}

// VisaDeviceClear simulates the bus-level device clear a VISA driver performs
// when it opens a session: state, error queue, and counters reset, stateful
// getters revert to their captured defaults.
func (i *Instrument) VisaDeviceClear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	klog.V(3).InfoS("VISA device clear", "instrument", i.Name)
	i.state = map[string]string{}
	i.errorQueue = nil
	i.lastCommand = ""
	i.commandCount = 0
	i.registry.LinkStatefulCommands()
}

// Process dispatches one command line and returns the response text (without
// the trailing newline). Chained statements separated by `;` are dispatched
// left to right; empty sub-responses are omitted from the joined result.
func (i *Instrument) Process(line string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	line = strings.TrimSpace(line)
	i.lastCommand = line
	i.commandCount++
	if line == "" {
		return ""
	}

	if !strings.Contains(line, statementSeparator) {
		return i.dispatchOne(line)
	}
	var responses []string
	for _, stmt := range strings.Split(line, statementSeparator) {
		if resp := i.dispatchOne(strings.TrimSpace(stmt)); resp != "" {
			responses = append(responses, resp)
		}
	}
	return strings.Join(responses, statementSeparator)
}

func (i *Instrument) dispatchOne(command string) (resp string) {
	if command == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Command handler fault", "instrument", i.Name, "command", command, "panic", r)
			i.errorQueue = append(i.errorQueue, errExecution(command))
			resp = ""
		}
	}()

	upper := strings.ToUpper(command)
	if e, ok := i.registry.lookup(upper); ok && !e.isPattern() {
		return i.invoke(e, nil)
	}
	if e, args, ok := i.registry.match(upper); ok {
		return i.invoke(e, args)
	}
	i.errorQueue = append(i.errorQueue, errUndefinedHeader(command))
	return ""
}

func (i *Instrument) invoke(e *Entry, args []string) string {
	switch {
	case e.Builtin != nil:
		return e.Builtin(i)
	case e.Stateful != nil && e.Stateful.Set:
		if len(args) == 0 {
			return ""
		}
		if err := e.Rule.Check(args[0]); err != nil {
			i.errorQueue = append(i.errorQueue, err)
			return ""
		}
		i.state[e.Stateful.Base+stateValueSuffix] = args[0]
		return setAck
	case e.Stateful != nil:
		if v, ok := i.state[e.Stateful.Base+stateValueSuffix]; ok {
			return v
		}
		return e.Stateful.Default
	default:
		if len(args) > 0 {
			if err := e.Rule.Check(args[0]); err != nil {
				i.errorQueue = append(i.errorQueue, err)
				return ""
			}
		}
		return expand(e.Template, args)
	}
}

// LastError returns the newest queued error in wire format, or "" when the
// queue is empty. Telemetry events report it alongside each response.
func (i *Instrument) LastError() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.errorQueue) == 0 {
		return ""
	}
	return i.errorQueue[len(i.errorQueue)-1].Error()
}

// Snapshot copies the instrument's observable state for status endpoints.
func (i *Instrument) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	state := make(map[string]string, len(i.state))
	for k, v := range i.state {
		state[k] = v
	}
	return Snapshot{
		Name:        i.Name,
		ID:          i.ID,
		Commands:    i.commandCount,
		Errors:      len(i.errorQueue),
		LastCommand: i.lastCommand,
		State:       state,
	}
}
