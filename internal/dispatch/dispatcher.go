package dispatch

import (
	"time"

	"github.com/danmuck/mqlink/internal/protocol/frame"
)

// testPreviewRecords bounds how many records of a "type":"test" payload are echoed.
const testPreviewRecords = 3

// Recorder accumulates per-category statistics. Record reports whether a
// statistics dump is due after the update.
type Recorder interface {
	Record(c Category, records, bytes int, now time.Time) bool
}

// Result is the classification event for one frame.
type Result struct {
	At       time.Time
	Queue    string
	Category Category
	Records  int
	Bytes    int
	Type     string
	First    any
	Sample   string
	Preview  []any
	DumpDue  bool
}

// IsTest reports whether the payload was tagged "type":"test".
func (r Result) IsTest() bool {
	return r.Type == "test"
}

// Dispatcher decodes, classifies and records frames. It keeps no per-connection
// state, so one instance can serve every connection.
type Dispatcher struct {
	recorder Recorder
	now      func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(recorder Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{recorder: recorder, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one frame. A *PayloadDecodeError leaves the aggregate untouched
// and must not end the connection.
func (d *Dispatcher) Handle(f frame.Frame) (Result, error) {
	res := Result{
		At:       d.now(),
		Queue:    f.QueueName,
		Category: Classify(f.QueueName),
		Bytes:    f.WireSize(),
	}

	v, err := DecodePayload(f.Payload)
	if err != nil {
		return res, &PayloadDecodeError{
			Queue:   f.QueueName,
			Length:  len(f.Payload),
			Preview: preview(f.Payload),
			Err:     err,
		}
	}

	recs := ExtractRecords(v)
	res.Records = len(recs)
	res.Type = payloadType(v)
	if len(recs) > 0 {
		res.First = recs[0]
		res.Sample = Sample(res.Category, recs[0])
	}
	if res.IsTest() {
		n := min(len(recs), testPreviewRecords)
		res.Preview = append([]any(nil), recs[:n]...)
	}
	if d.recorder != nil {
		res.DumpDue = d.recorder.Record(res.Category, res.Records, res.Bytes, res.At)
	}
	return res, nil
}
