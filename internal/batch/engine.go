// Package batch implements the batch operation engine: it coalesces
// single-item operations into native batch calls against one store adapter,
// adapts the batch size to observed latency and success, and reports
// per-item outcomes through futures.
//
// Writes share one accumulator per engine; reads and existence checks get
// one accumulator per collection because the native batch endpoints take a
// collection-scoped id list.
package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// Backend is the slice of the adapter contract the engine dispatches to.
// Every store.Store satisfies it.
type Backend interface {
	Kind() store.Kind
	WriteBatch(ctx context.Context, recs []*store.Record) ([]store.ItemOutcome, error)
	ReadBatch(ctx context.Context, collection string, ids []string) (map[string]*store.Record, error)
	ExistsBatch(ctx context.Context, collection string, ids []string) (map[string]bool, error)
}

// Engine coalesces operations for one backend. Safe for concurrent
// producers; a single background consumer serves each accumulator.
type Engine struct {
	backend Backend
	logger  *zap.Logger
	metrics Metrics
	retry   store.RetryConfig

	mu     sync.RWMutex
	closed bool
	tuning config.Batch
	writes *accumulator[*store.Record, *store.WriteReceipt]
	reads  map[string]*accumulator[string, ReadResult]
	exists map[string]*accumulator[string, bool]

	wg      sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
	stopped sync.Once
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetry bounds whole-batch transport retries.
func WithRetry(cfg store.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// NewEngine creates and starts an engine for one backend.
func NewEngine(backend Backend, tuning config.Batch, opts ...Option) *Engine {
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		backend: backend,
		logger:  zap.NewNop(),
		metrics: NopMetrics{},
		retry:   store.DefaultRetryConfig(),
		tuning:  tuning,
		reads:   make(map[string]*accumulator[string, ReadResult]),
		exists:  make(map[string]*accumulator[string, bool]),
		runCtx:  runCtx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("store", string(backend.Kind())))

	e.writes = newAccumulator[*store.Record, *store.WriteReceipt](
		"write", string(backend.Kind()),
		newSizer(tuning.Tuning("write")),
		e.dispatchWrites,
		e.logger, e.metrics,
	)
	e.wg.Add(1)
	go e.writes.run(e.runCtx, &e.wg)

	return e
}

// ============================================================================
// SUBMISSION
// ============================================================================

// SubmitWrite enqueues one record for a coalesced write. The returned future
// completes with the adapter's receipt or the per-item error.
func (e *Engine) SubmitWrite(ctx context.Context, rec *store.Record) *WriteFuture {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return cancelledFuture[*store.WriteReceipt]()
	}
	return e.writes.submit(ctx, rec)
}

// SubmitRead enqueues one read; absence arrives as a value on the future.
func (e *Engine) SubmitRead(ctx context.Context, collection, id string) *ReadFuture {
	acc, ok := e.readAccumulator(collection)
	if !ok {
		return cancelledFuture[ReadResult]()
	}
	return acc.submit(ctx, id)
}

// SubmitExists enqueues one existence check.
func (e *Engine) SubmitExists(ctx context.Context, collection, id string) *ExistsFuture {
	acc, ok := e.existsAccumulator(collection)
	if !ok {
		return cancelledFuture[bool]()
	}
	return acc.submit(ctx, id)
}

func cancelledFuture[T any]() *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, errors.Cancelled("submit"))
	return f
}

// readAccumulator returns the per-collection read accumulator, creating it
// on first use.
func (e *Engine) readAccumulator(collection string) (*accumulator[string, ReadResult], bool) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, false
	}
	if acc, ok := e.reads[collection]; ok {
		e.mu.RUnlock()
		return acc, true
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	if acc, ok := e.reads[collection]; ok {
		return acc, true
	}
	acc := newAccumulator[string, ReadResult](
		"read:"+collection, string(e.backend.Kind()),
		newSizer(e.tuning.Tuning("read")),
		func(ctx context.Context, batch []item[string, ReadResult]) float64 {
			return e.dispatchReads(ctx, collection, batch)
		},
		e.logger, e.metrics,
	)
	e.reads[collection] = acc
	e.wg.Add(1)
	go acc.run(e.runCtx, &e.wg)
	return acc, true
}

func (e *Engine) existsAccumulator(collection string) (*accumulator[string, bool], bool) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, false
	}
	if acc, ok := e.exists[collection]; ok {
		e.mu.RUnlock()
		return acc, true
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	if acc, ok := e.exists[collection]; ok {
		return acc, true
	}
	acc := newAccumulator[string, bool](
		"exists:"+collection, string(e.backend.Kind()),
		newSizer(e.tuning.Tuning("exists")),
		func(ctx context.Context, batch []item[string, bool]) float64 {
			return e.dispatchExists(ctx, collection, batch)
		},
		e.logger, e.metrics,
	)
	e.exists[collection] = acc
	e.wg.Add(1)
	go acc.run(e.runCtx, &e.wg)
	return acc, true
}

// ============================================================================
// DISPATCH
// ============================================================================

// dispatchWrites sends one coalesced write batch. A whole-batch transport
// failure is retried with backoff; per-item errors ride the individual
// futures and never trigger a retry.
func (e *Engine) dispatchWrites(ctx context.Context, batch []item[*store.Record, *store.WriteReceipt]) float64 {
	recs := make([]*store.Record, len(batch))
	for i, it := range batch {
		recs[i] = it.payload
	}

	var outcomes []store.ItemOutcome
	err := store.Retry(ctx, e.retry, "write_batch", func(ctx context.Context) error {
		var callErr error
		outcomes, callErr = e.backend.WriteBatch(ctx, recs)
		return callErr
	})
	if err != nil {
		for _, it := range batch {
			it.future.complete(nil, err)
		}
		return 0
	}
	if len(outcomes) != len(batch) {
		err := errors.Internal("adapter returned mismatched batch outcome count", nil).
			WithStore(string(e.backend.Kind())).WithOp("write_batch")
		for _, it := range batch {
			it.future.complete(nil, err)
		}
		return 0
	}

	succeeded := 0
	for i, it := range batch {
		if out := outcomes[i]; out.Err != nil {
			it.future.complete(nil, out.Err)
		} else {
			it.future.complete(out.Receipt, nil)
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(batch))
}

func (e *Engine) dispatchReads(ctx context.Context, collection string, batch []item[string, ReadResult]) float64 {
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.payload
	}

	var recs map[string]*store.Record
	err := store.Retry(ctx, e.retry, "read_batch", func(ctx context.Context) error {
		var callErr error
		recs, callErr = e.backend.ReadBatch(ctx, collection, ids)
		return callErr
	})
	if err != nil {
		for _, it := range batch {
			it.future.complete(ReadResult{}, err)
		}
		return 0
	}
	for _, it := range batch {
		rec, found := recs[it.payload]
		it.future.complete(ReadResult{Record: rec, Found: found}, nil)
	}
	return 1
}

func (e *Engine) dispatchExists(ctx context.Context, collection string, batch []item[string, bool]) float64 {
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.payload
	}

	var present map[string]bool
	err := store.Retry(ctx, e.retry, "exists_batch", func(ctx context.Context) error {
		var callErr error
		present, callErr = e.backend.ExistsBatch(ctx, collection, ids)
		return callErr
	})
	if err != nil {
		for _, it := range batch {
			it.future.complete(false, err)
		}
		return 0
	}
	for _, it := range batch {
		it.future.complete(present[it.payload], nil)
	}
	return 1
}

// ============================================================================
// FLUSH, STOP, RETUNE
// ============================================================================

// Flush forces dispatch of every non-empty accumulator and waits for the
// dispatches to finish.
func (e *Engine) Flush(ctx context.Context) error {
	var acks []<-chan struct{}
	for _, acc := range e.writeAccumulators() {
		ack, err := acc.requestFlush(ctx)
		if err != nil {
			return err
		}
		acks = append(acks, ack)
	}
	for _, acc := range e.readAccumulators() {
		ack, err := acc.requestFlush(ctx)
		if err != nil {
			return err
		}
		acks = append(acks, ack)
	}
	for _, acc := range e.existsAccumulators() {
		ack, err := acc.requestFlush(ctx)
		if err != nil {
			return err
		}
		acks = append(acks, ack)
	}
	for _, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return errors.FromContext(ctx, "flush")
		}
	}
	return nil
}

// Stop drains every accumulator, then rejects further submissions with
// cancelled futures. Items already queued are dispatched; the consumer
// goroutines exit once drained.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	e.stopped.Do(func() {
		close(e.writes.stopCh)
		for _, acc := range e.readAccumulators() {
			close(acc.stopCh)
		}
		for _, acc := range e.existsAccumulators() {
			close(acc.stopCh)
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		// Abort in-flight dispatches; their futures complete with the
		// cancellation error.
		e.cancel()
		<-done
		return errors.FromContext(ctx, "stop")
	}
}

// Retune applies new batching tunables (hot reload). Queue capacities apply
// to accumulators created afterwards; sizes and delays apply immediately.
func (e *Engine) Retune(tuning config.Batch) {
	e.mu.Lock()
	e.tuning = tuning
	writes := e.writes
	reads := make([]*accumulator[string, ReadResult], 0, len(e.reads))
	for _, acc := range e.reads {
		reads = append(reads, acc)
	}
	exists := make([]*accumulator[string, bool], 0, len(e.exists))
	for _, acc := range e.exists {
		exists = append(exists, acc)
	}
	e.mu.Unlock()

	writes.sizer.Retune(tuning.Tuning("write"))
	for _, acc := range reads {
		acc.sizer.Retune(tuning.Tuning("read"))
	}
	for _, acc := range exists {
		acc.sizer.Retune(tuning.Tuning("exists"))
	}
}

// CurrentSizes reports the adaptive size per accumulator, keyed by name.
func (e *Engine) CurrentSizes() map[string]int {
	out := make(map[string]int)
	for _, acc := range e.writeAccumulators() {
		out[acc.name] = acc.sizer.Current()
	}
	for _, acc := range e.readAccumulators() {
		out[acc.name] = acc.sizer.Current()
	}
	for _, acc := range e.existsAccumulators() {
		out[acc.name] = acc.sizer.Current()
	}
	return out
}

func (e *Engine) writeAccumulators() []*accumulator[*store.Record, *store.WriteReceipt] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return []*accumulator[*store.Record, *store.WriteReceipt]{e.writes}
}

func (e *Engine) readAccumulators() []*accumulator[string, ReadResult] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*accumulator[string, ReadResult], 0, len(e.reads))
	for _, acc := range e.reads {
		out = append(out, acc)
	}
	return out
}

func (e *Engine) existsAccumulators() []*accumulator[string, bool] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*accumulator[string, bool], 0, len(e.exists))
	for _, acc := range e.exists {
		out = append(out, acc)
	}
	return out
}
