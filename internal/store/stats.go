package store

import (
	"sort"
	"sync"
	"time"
)

// latencyBuckets are the upper bounds of the adapter-local latency histogram.
var latencyBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// LatencyBucketBounds returns a copy of the histogram's upper bounds in
// ascending order. Observations above the last bound land in an overflow
// bucket.
func LatencyBucketBounds() []time.Duration {
	return append([]time.Duration(nil), latencyBuckets...)
}

// OpStats aggregates one operation family on one adapter.
type OpStats struct {
	Count     uint64        `json:"count"`
	Errors    uint64        `json:"errors"`
	TotalTime time.Duration `json:"totalTime"`
	// Buckets[i] counts observations at or below latencyBuckets[i]; the
	// final entry counts the overflow.
	Buckets []uint64 `json:"buckets"`
}

// Mean returns the mean latency of the family, zero when empty.
func (s OpStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

// Stats is a point-in-time snapshot of an adapter's counters.
type Stats struct {
	Kind      Kind               `json:"kind"`
	Ops       uint64             `json:"ops"`
	Errors    uint64             `json:"errors"`
	ByOp      map[string]OpStats `json:"byOp"`
	SnappedAt time.Time          `json:"snappedAt"`
}

// Tracker collects per-operation counters and a bucketed latency histogram.
// Adapters embed one and call Observe around every backend round trip.
type Tracker struct {
	kind Kind

	mu   sync.Mutex
	byOp map[string]*OpStats
}

// NewTracker creates a tracker for one adapter.
func NewTracker(kind Kind) *Tracker {
	return &Tracker{
		kind: kind,
		byOp: make(map[string]*OpStats),
	}
}

// Observe records one completed operation.
func (t *Tracker) Observe(op string, d time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byOp[op]
	if !ok {
		s = &OpStats{Buckets: make([]uint64, len(latencyBuckets)+1)}
		t.byOp[op] = s
	}
	s.Count++
	s.TotalTime += d
	if err != nil {
		s.Errors++
	}
	idx := sort.Search(len(latencyBuckets), func(i int) bool {
		return d <= latencyBuckets[i]
	})
	s.Buckets[idx]++
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Stats{
		Kind:      t.kind,
		ByOp:      make(map[string]OpStats, len(t.byOp)),
		SnappedAt: time.Now(),
	}
	for op, s := range t.byOp {
		copied := *s
		copied.Buckets = append([]uint64(nil), s.Buckets...)
		out.ByOp[op] = copied
		out.Ops += s.Count
		out.Errors += s.Errors
	}
	return out
}
