package stats

import "sync/atomic"

// Totals counts listener-level traffic, including unclassified queues.
type Totals struct {
	frames       atomic.Uint64
	bytes        atomic.Uint64
	messages     atomic.Uint64
	decodeErrors atomic.Uint64
	unclassified atomic.Uint64
	connections  atomic.Uint64
	active       atomic.Int64
}

// TotalsSnapshot is a point-in-time copy of Totals.
type TotalsSnapshot struct {
	Frames       uint64 `json:"frames"`
	Bytes        uint64 `json:"bytes"`
	Messages     uint64 `json:"messages"`
	DecodeErrors uint64 `json:"decode_errors"`
	Unclassified uint64 `json:"unclassified"`
	Connections  uint64 `json:"connections"`
	Active       int64  `json:"active_connections"`
}

// FrameReceived counts one complete frame of wireBytes bytes.
func (t *Totals) FrameReceived(wireBytes int) {
	t.frames.Add(1)
	t.bytes.Add(uint64(max(wireBytes, 0)))
}

// MessageDecoded counts one payload that parsed as JSON.
func (t *Totals) MessageDecoded(unclassified bool) {
	t.messages.Add(1)
	if unclassified {
		t.unclassified.Add(1)
	}
}

func (t *Totals) DecodeFailed() {
	t.decodeErrors.Add(1)
}

// ConnectionOpened returns the number of active connections after the open.
func (t *Totals) ConnectionOpened() int64 {
	t.connections.Add(1)
	return t.active.Add(1)
}

// ConnectionClosed returns the number of active connections after the close.
func (t *Totals) ConnectionClosed() int64 {
	return t.active.Add(-1)
}

func (t *Totals) Snapshot() TotalsSnapshot {
	return TotalsSnapshot{
		Frames:       t.frames.Load(),
		Bytes:        t.bytes.Load(),
		Messages:     t.messages.Load(),
		DecodeErrors: t.decodeErrors.Load(),
		Unclassified: t.unclassified.Load(),
		Connections:  t.connections.Load(),
		Active:       t.active.Load(),
	}
}
