package batch

import "time"

// Metrics receives engine observations. The observability layer adapts its
// collector to this; tests may use NopMetrics.
type Metrics interface {
	// BatchDispatched records one dispatched batch.
	BatchDispatched(storeKind, op string, size int, duration time.Duration, successRatio float64)
	// BatchSizeChanged records an adaptive size adjustment.
	BatchSizeChanged(storeKind, op string, size int)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) BatchDispatched(string, string, int, time.Duration, float64) {}
func (NopMetrics) BatchSizeChanged(string, string, int)                        {}
