package emulator

import (
	"sync"
	"time"
)

const DefaultRecorderCapacity = 1000

// Stats summarizes recorded traffic for the dashboard.
type Stats struct {
	TotalCommands     uint64  `json:"totalCommands"`
	Errors            uint64  `json:"errors"`
	CommandsPerMinute float64 `json:"commandsPerMinute"`
	UptimeSeconds     int64   `json:"uptime"`
}

// Recorder is a bounded in-memory log of command events plus running
// counters. It implements EventSink and is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	cap     int
	entries []Event
	recent  []time.Time
	total   uint64
	errs    uint64
	start   time.Time
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{
		cap:   capacity,
		start: time.Now(),
	}
}

func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, event)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	r.total++
	if event.Error != "" {
		r.errs++
	}
	r.recent = append(r.recent, event.Timestamp)
	r.pruneRecent(event.Timestamp)
}

// pruneRecent keeps only timestamps inside the rate window. Caller holds the
// lock.
func (r *Recorder) pruneRecent(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.recent) && r.recent[i].Before(cutoff) {
		i++
	}
	r.recent = r.recent[i:]
}

// Recent returns up to limit newest events, oldest first.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneRecent(time.Now())
	return Stats{
		TotalCommands:     r.total,
		Errors:            r.errs,
		CommandsPerMinute: float64(len(r.recent)),
		UptimeSeconds:     int64(time.Since(r.start).Seconds()),
	}
}
