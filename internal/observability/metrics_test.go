package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore-backend/internal/batch"
	"polystore-backend/internal/cache"
	"polystore-backend/internal/distributor"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
	"polystore-backend/internal/strategy"
)

// The collector must satisfy every sink interface it is wired into.
var (
	_ distributor.Metrics = (*Collector)(nil)
	_ batch.Metrics       = (*Collector)(nil)
	_ cache.Metrics       = (*Collector)(nil)
)

func TestNewCollector_InstancesAreIndependent(t *testing.T) {
	a := NewCollector("test")
	b := NewCollector("test")

	a.CacheHit()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHits))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheHits))
}

func TestCollector_ObserveDistribution(t *testing.T) {
	c := NewCollector("test")

	c.ObserveDistribution("full_polyglot", true, 120*time.Millisecond)
	c.ObserveDistribution("full_polyglot", true, 80*time.Millisecond)
	c.ObserveDistribution("full_polyglot", false, 60*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Distributions.WithLabelValues("full_polyglot", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Distributions.WithLabelValues("full_polyglot", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.DistributionDuration))
}

func TestCollector_BatchSinks(t *testing.T) {
	c := NewCollector("test")

	c.BatchDispatched("document", "write_batch", 25, 40*time.Millisecond, 0.96)
	c.BatchDispatched("document", "write_batch", 30, 35*time.Millisecond, 1.0)
	c.BatchSizeChanged("document", "write_batch", 50)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.BatchesDispatched.WithLabelValues("document", "write_batch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BatchSuccessRatio.WithLabelValues("document", "write_batch")),
		"the ratio gauge tracks the latest batch")
	assert.Equal(t, 50.0, testutil.ToFloat64(c.BatchSizeLimit.WithLabelValues("document", "write_batch")))
}

func TestCollector_CacheCounters(t *testing.T) {
	c := NewCollector("test")

	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheMisses))
}

func TestCollector_AvailabilityGauges(t *testing.T) {
	c := NewCollector("test")

	c.ObserveAvailability(&strategy.Snapshot{
		Healthy: map[store.Kind]bool{
			store.Relational: true,
			store.Vector:     false,
		},
		Latency: map[store.Kind]time.Duration{
			store.Relational: 3 * time.Millisecond,
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.StoreHealthy.WithLabelValues(string(store.Relational))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.StoreHealthy.WithLabelValues(string(store.Vector))))
	assert.InDelta(t, 0.003, testutil.ToFloat64(c.StoreProbeLatency.WithLabelValues(string(store.Relational))), 1e-9)

	c.ObserveAvailability(nil) // tolerated
}

// trackedStore overrides the fake's stats with a live tracker.
type trackedStore struct {
	*storetest.Fake
	tracker *store.Tracker
}

func (s *trackedStore) Stats() store.Stats { return s.tracker.Snapshot() }

func TestCollector_StatsBridgeExportsAdapterCounters(t *testing.T) {
	c := NewCollector("test")
	tracker := store.NewTracker(store.Relational)
	tracker.Observe("write_one", 3*time.Millisecond, nil)
	tracker.Observe("write_one", 7*time.Millisecond, errors.Internal("boom", nil))
	c.TrackStores("test", map[store.Kind]store.Store{
		store.Relational: &trackedStore{Fake: storetest.New(store.Relational), tracker: tracker},
	})

	families, err := c.GetRegistry().Gather()
	require.NoError(t, err)

	var ops, opErrors, sampleCount float64
	var sampleSum float64
	for _, mf := range families {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		switch mf.GetName() {
		case "test_store_ops_total":
			ops = m.GetCounter().GetValue()
		case "test_store_op_errors_total":
			opErrors = m.GetCounter().GetValue()
		case "test_store_op_duration_seconds":
			sampleCount = float64(m.GetHistogram().GetSampleCount())
			sampleSum = m.GetHistogram().GetSampleSum()
		}
	}
	assert.Equal(t, 2.0, ops)
	assert.Equal(t, 1.0, opErrors)
	assert.Equal(t, 2.0, sampleCount)
	assert.InDelta(t, 0.010, sampleSum, 1e-9)
}
