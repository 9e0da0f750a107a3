// Package stats holds process-lifetime counters for received and sent records.
package stats

import (
	"sync"
	"time"

	"github.com/danmuck/mqlink/internal/dispatch"
)

// DefaultReportEvery is the record-count interval between statistics dumps.
const DefaultReportEvery = 100

// Counter is the cumulative state of one category.
type Counter struct {
	Records    uint64    `json:"records"`
	Bytes      uint64    `json:"bytes"`
	Errors     uint64    `json:"errors"`
	LastUpdate time.Time `json:"last_update"`
}

type slot struct {
	mu sync.Mutex
	c  Counter
}

// Aggregator keeps one Counter per aggregated category. Each category has its own
// lock, so updates to one category are atomic with respect to each other and a
// snapshot is consistent per category.
type Aggregator struct {
	reportEvery uint64
	slots       [len(dispatch.Categories)]slot
}

var _ dispatch.Recorder = (*Aggregator)(nil)

// NewAggregator starts every category at zero. reportEvery <= 0 disables dumps.
func NewAggregator(reportEvery int) *Aggregator {
	a := &Aggregator{}
	if reportEvery > 0 {
		a.reportEvery = uint64(reportEvery)
	}
	return a
}

func (a *Aggregator) slot(c dispatch.Category) *slot {
	if !c.Aggregated() {
		return nil
	}
	return &a.slots[c-dispatch.Daily]
}

// Record adds records and bytes to c and stamps it with now. Unclassified is a
// no-op. It reports true when the cumulative record count crossed a multiple of
// the report interval, which includes landing on one exactly.
func (a *Aggregator) Record(c dispatch.Category, records, bytes int, now time.Time) bool {
	s := a.slot(c)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.c.Records
	s.c.Records += uint64(max(records, 0))
	s.c.Bytes += uint64(max(bytes, 0))
	s.c.LastUpdate = now
	if a.reportEvery == 0 || s.c.Records == prev {
		return false
	}
	return prev/a.reportEvery != s.c.Records/a.reportEvery
}

// RecordError counts a failed transfer for c.
func (a *Aggregator) RecordError(c dispatch.Category) {
	s := a.slot(c)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.c.Errors++
	s.mu.Unlock()
}

// Get returns the current counter for c.
func (a *Aggregator) Get(c dispatch.Category) (Counter, bool) {
	s := a.slot(c)
	if s == nil {
		return Counter{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, true
}

// Snapshot copies every aggregated category. Categories are read one at a time;
// there is no cross-category atomicity.
func (a *Aggregator) Snapshot() Snapshot {
	out := make(Snapshot, len(dispatch.Categories))
	for _, c := range dispatch.Categories {
		out[c], _ = a.Get(c)
	}
	return out
}

// Snapshot maps each aggregated category to its counter.
type Snapshot map[dispatch.Category]Counter

// Active returns the categories with a non-zero record or byte count, in
// reporting order.
func (s Snapshot) Active() []dispatch.Category {
	out := make([]dispatch.Category, 0, len(s))
	for _, c := range dispatch.Categories {
		if cnt := s[c]; cnt.Records > 0 || cnt.Bytes > 0 {
			out = append(out, c)
		}
	}
	return out
}
