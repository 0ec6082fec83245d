package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_AggregatesPerOp(t *testing.T) {
	tracker := NewTracker(Relational)

	tracker.Observe("write_one", 4*time.Millisecond, nil)
	tracker.Observe("write_one", 8*time.Millisecond, nil)
	tracker.Observe("write_one", 12*time.Millisecond, fmt.Errorf("boom"))
	tracker.Observe("read_one", 2*time.Millisecond, nil)

	snap := tracker.Snapshot()

	assert.Equal(t, Relational, snap.Kind)
	assert.Equal(t, uint64(4), snap.Ops)
	assert.Equal(t, uint64(1), snap.Errors)

	writes := snap.ByOp["write_one"]
	require.Equal(t, uint64(3), writes.Count)
	assert.Equal(t, uint64(1), writes.Errors)
	assert.Equal(t, 8*time.Millisecond, writes.Mean())
}

func TestTracker_BucketsLatencies(t *testing.T) {
	tracker := NewTracker(Vector)

	tracker.Observe("search", 500*time.Microsecond, nil) // <= 1ms bucket
	tracker.Observe("search", 30*time.Millisecond, nil)  // <= 50ms bucket
	tracker.Observe("search", 2*time.Second, nil)        // overflow

	buckets := tracker.Snapshot().ByOp["search"].Buckets

	require.Len(t, buckets, len(latencyBuckets)+1)
	assert.Equal(t, uint64(1), buckets[0])
	assert.Equal(t, uint64(1), buckets[4])
	assert.Equal(t, uint64(1), buckets[len(buckets)-1])
}

func TestTracker_SnapshotIsolatedFromLaterObservations(t *testing.T) {
	tracker := NewTracker(Graph)
	tracker.Observe("traverse", time.Millisecond, nil)

	snap := tracker.Snapshot()
	tracker.Observe("traverse", time.Millisecond, nil)

	assert.Equal(t, uint64(1), snap.Ops)
	assert.Equal(t, uint64(2), tracker.Snapshot().Ops)
}

func TestRecord_CloneCopiesFields(t *testing.T) {
	original := &Record{
		Collection: "master_registry",
		ID:         "d1",
		Fields:     map[string]any{"mime": "text/plain"},
	}

	clone := original.Clone()
	clone.Fields["mime"] = "application/pdf"

	assert.Equal(t, "text/plain", original.Fields["mime"])
	assert.Equal(t, original.ID, clone.ID)
}

func TestOpStats_MeanOfEmptyIsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), OpStats{}.Mean())
}
