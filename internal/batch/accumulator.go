package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"polystore-backend/internal/errors"
)

// item is one pending submission inside an accumulator.
type item[T, R any] struct {
	payload    T
	future     *Future[R]
	enqueuedAt time.Time
}

// accumulator coalesces submissions for one (op kind, collection) family.
// A single background consumer collects items until the current batch size
// is reached or the coalescing delay elapses, then dispatches. Producers
// block only when the bounded queue is full.
type accumulator[T, R any] struct {
	name      string
	storeKind string
	in        chan item[T, R]
	flushCh   chan chan struct{}
	stopCh    chan struct{}
	sizer     *sizer
	dispatch  func(ctx context.Context, batch []item[T, R]) float64
	logger    *zap.Logger
	metrics   Metrics
}

func newAccumulator[T, R any](
	name, storeKind string,
	sz *sizer,
	dispatch func(ctx context.Context, batch []item[T, R]) float64,
	logger *zap.Logger,
	metrics Metrics,
) *accumulator[T, R] {
	return &accumulator[T, R]{
		name:      name,
		storeKind: storeKind,
		in:        make(chan item[T, R], sz.QueueDepth()),
		flushCh:   make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		sizer:     sz,
		dispatch:  dispatch,
		logger:    logger,
		metrics:   metrics,
	}
}

// submit enqueues a payload and returns its future. The engine guarantees
// submit is never called after stop (closed-flag handshake); the stopCh case
// here covers the shutdown window for producers already blocked on a full
// queue.
func (a *accumulator[T, R]) submit(ctx context.Context, payload T) *Future[R] {
	future := newFuture[R]()
	it := item[T, R]{payload: payload, future: future, enqueuedAt: time.Now()}
	select {
	case a.in <- it:
	case <-ctx.Done():
		var zero R
		future.complete(zero, errors.FromContext(ctx, "submit"))
	case <-a.stopCh:
		var zero R
		future.complete(zero, errors.Cancelled("submit"))
	}
	return future
}

// run is the single background consumer.
func (a *accumulator[T, R]) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case first := <-a.in:
			if stopping := a.collect(ctx, first); stopping {
				return
			}
		case ack := <-a.flushCh:
			a.drainAndDispatch(ctx)
			close(ack)
		case <-a.stopCh:
			a.drainAndDispatch(ctx)
			return
		}
	}
}

// collect gathers one batch starting from first, then dispatches it.
// Returns true when shutdown was observed.
func (a *accumulator[T, R]) collect(ctx context.Context, first item[T, R]) (stopping bool) {
	batch := []item[T, R]{first}
	size := a.sizer.Current()
	timer := time.NewTimer(a.sizer.CoalesceDelay())
	defer timer.Stop()

	var acks []chan struct{}
gather:
	for len(batch) < size {
		select {
		case it := <-a.in:
			batch = append(batch, it)
		case <-timer.C:
			break gather
		case ack := <-a.flushCh:
			acks = append(acks, ack)
			break gather
		case <-a.stopCh:
			stopping = true
			break gather
		}
	}

	a.dispatchBatch(ctx, batch)
	if len(acks) > 0 || stopping {
		a.drainAndDispatch(ctx)
	}
	for _, ack := range acks {
		close(ack)
	}
	return stopping
}

// drainAndDispatch empties the queue, dispatching in size-bounded chunks.
func (a *accumulator[T, R]) drainAndDispatch(ctx context.Context) {
	for {
		batch := a.drainUpTo(a.sizer.Current())
		if len(batch) == 0 {
			return
		}
		a.dispatchBatch(ctx, batch)
	}
}

func (a *accumulator[T, R]) drainUpTo(n int) []item[T, R] {
	var out []item[T, R]
	for len(out) < n {
		select {
		case it := <-a.in:
			out = append(out, it)
		default:
			return out
		}
	}
	return out
}

func (a *accumulator[T, R]) dispatchBatch(ctx context.Context, batch []item[T, R]) {
	before := a.sizer.Current()
	start := time.Now()
	success := a.dispatch(ctx, batch)
	elapsed := time.Since(start)

	a.sizer.Record(dispatchOutcome{size: len(batch), duration: elapsed, success: success})
	a.metrics.BatchDispatched(a.storeKind, a.name, len(batch), elapsed, success)
	if after := a.sizer.Current(); after != before {
		a.metrics.BatchSizeChanged(a.storeKind, a.name, after)
		a.logger.Info("adaptive batch size adjusted",
			zap.String("accumulator", a.name),
			zap.Int("from", before),
			zap.Int("to", after),
		)
	}
	a.logger.Debug("batch dispatched",
		zap.String("accumulator", a.name),
		zap.Int("size", len(batch)),
		zap.Duration("duration", elapsed),
		zap.Float64("success_ratio", success),
	)
}

// requestFlush asks the consumer to dispatch everything pending and returns
// the ack channel.
func (a *accumulator[T, R]) requestFlush(ctx context.Context) (<-chan struct{}, error) {
	ack := make(chan struct{})
	select {
	case a.flushCh <- ack:
		return ack, nil
	case <-a.stopCh:
		// Shutdown drains everything anyway.
		closed := make(chan struct{})
		close(closed)
		return closed, nil
	case <-ctx.Done():
		return nil, errors.FromContext(ctx, "flush")
	}
}
