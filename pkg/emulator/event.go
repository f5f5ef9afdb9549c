package emulator

import (
	"time"
)

// Event is one dispatched command/response pair, fanned out to every
// configured telemetry sink (recorder, dashboard feed, MQTT).
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	Command    string    `json:"command"`
	Response   string    `json:"response"`
	Error      string    `json:"error,omitempty"`
}

// EventSink receives command events. Publish must not block the dispatching
// session for long; slow transports should buffer or drop.
type EventSink interface {
	Publish(event Event)
}

// Dashboard clients expect a placeholder for commands that produce no wire
// response, e.g. *RST.
const noResponsePlaceholder = "(no response)"
