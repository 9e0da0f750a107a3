// Package diag renders receiver and sender events for operators.
package diag

import (
	"sync"
	"time"

	"github.com/danmuck/mqlink/internal/stats"
)

// Kind names what happened.
type Kind string

const (
	KindListening   Kind = "listening"
	KindConnected   Kind = "connected"
	KindFrame       Kind = "frame"
	KindDecodeError Kind = "decode_error"
	KindConnError   Kind = "conn_error"
	KindClosed      Kind = "closed"
	KindStats       Kind = "stats"
	KindStopped     Kind = "stopped"
	KindSent        Kind = "sent"
	KindSendError   Kind = "send_error"
)

// Event is one diagnostic tuple: when, what, where, and how much.
type Event struct {
	Time     time.Time  `json:"time"`
	Kind     Kind       `json:"kind"`
	ConnID   string     `json:"conn_id,omitempty"`
	Remote   string     `json:"remote,omitempty"`
	Queue    string     `json:"queue,omitempty"`
	Category string     `json:"category,omitempty"`
	Records  int        `json:"records"`
	Bytes    int        `json:"bytes"`
	Sample   string     `json:"sample,omitempty"`
	Preview  []string   `json:"preview,omitempty"`
	Error    string     `json:"error,omitempty"`
	Stats    *StatsDump `json:"stats,omitempty"`
}

// StatsDump is the payload of a KindStats event.
type StatsDump struct {
	Categories stats.Snapshot       `json:"categories"`
	Totals     stats.TotalsSnapshot `json:"totals"`
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder keeps every event in memory; tests use it to assert on diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind filters recorded events by kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
