// Package distributor plans and executes the fan-out of processor results
// across the coordinated stores. Planning is declarative: content categories
// detected on the result are matched against a routing table filtered by the
// live availability snapshot, and the resulting plan runs as one saga
// transaction anchored on the master-registry write.
package distributor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polystore-backend/internal/config"
	"polystore-backend/internal/content"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// ============================================================================
// RESULT
// ============================================================================

// Result is the outcome of one distribution. StoredIDs is populated only on
// success; after a rollback nothing is visible, so nothing is reported.
type Result struct {
	DocumentID    string                  `json:"documentId"`
	Success       bool                    `json:"success"`
	TransactionID string                  `json:"transactionId,omitempty"`
	Strategy      strategy.Kind           `json:"strategy"`
	StoredIDs     map[store.Kind][]string `json:"storedIds,omitempty"`
	Duration      time.Duration           `json:"duration"`
	Errors        []error                 `json:"-"`
}

// DistributedTo lists the store kinds holding data for this distribution,
// sorted for stable output.
func (r *Result) DistributedTo() []store.Kind {
	kinds := make([]store.Kind, 0, len(r.StoredIDs))
	for kind := range r.StoredIDs {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Err returns nil on success, else the most severe collected error.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return errors.First(r.Errors...)
}

// ErrorStrings renders the error list for transport encoding.
func (r *Result) ErrorStrings() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// ============================================================================
// DISTRIBUTOR
// ============================================================================

// Availability is the distributor's view of store health: the current
// snapshot for planning plus flip notifications for strategy refresh.
type Availability interface {
	Current() *strategy.Snapshot
	Subscribe(fn func(*strategy.Snapshot))
}

// Metrics receives distribution outcomes. The observability collector
// adapts its prometheus instruments onto this.
type Metrics interface {
	ObserveDistribution(strategy string, success bool, duration time.Duration)
}

// Distributor coordinates planning, saga execution, and cross-reference
// bookkeeping. It is safe for concurrent callers; each call is independent.
type Distributor struct {
	planner      *Planner
	orchestrator *saga.Orchestrator
	avail        Availability
	adapters     map[store.Kind]store.Store
	settings     config.Distributor
	retry        store.RetryConfig
	logger       *zap.Logger
	metrics      Metrics
	now          func() time.Time

	// The active strategy is recomputed every StrategyRefreshEvery calls or
	// as soon as availability flips, whichever comes first.
	strategyMu sync.Mutex
	active     strategy.Kind
	calls      int
	stale      bool

	listenerMu sync.Mutex
	listeners  []func(documentID string)
}

// Option configures optional collaborators.
type Option func(*Distributor)

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Distributor) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Distributor) { d.metrics = m }
}

// WithRetry overrides the retry bounds for cross-reference updates.
func WithRetry(cfg store.RetryConfig) Option {
	return func(d *Distributor) { d.retry = cfg }
}

// New wires a distributor. The adapters map must cover every store kind the
// routing table can resolve the master registry onto.
func New(
	planner *Planner,
	orchestrator *saga.Orchestrator,
	avail Availability,
	adapters map[store.Kind]store.Store,
	settings config.Distributor,
	opts ...Option,
) *Distributor {
	d := &Distributor{
		planner:      planner,
		orchestrator: orchestrator,
		avail:        avail,
		adapters:     adapters,
		settings:     settings,
		retry:        store.DefaultRetryConfig(),
		logger:       zap.NewNop(),
		now:          time.Now,
		stale:        true,
	}
	for _, opt := range opts {
		opt(d)
	}
	avail.Subscribe(func(*strategy.Snapshot) { d.markStale() })
	return d
}

// OnDistributed registers a listener invoked with the document id after
// every successful distribution. Listeners run synchronously on the
// distributing goroutine so invalidation lands before the caller's next
// read.
func (d *Distributor) OnDistributed(fn func(documentID string)) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Strategy reports the distribution strategy currently in force without
// advancing the refresh counter.
func (d *Distributor) Strategy() strategy.Kind {
	d.strategyMu.Lock()
	defer d.strategyMu.Unlock()
	if d.active == "" {
		return strategy.Choose(d.avail.Current())
	}
	return d.active
}

// ============================================================================
// DISTRIBUTION
// ============================================================================

// Distribute plans and executes one processor result. The returned result
// always carries the strategy used and the complete error list; the call
// does not return an error separately because partial outcomes are part of
// the result itself.
func (d *Distributor) Distribute(ctx context.Context, res *content.ProcessorResult) *Result {
	started := d.now()
	result := &Result{Strategy: d.activeStrategy()}
	if res != nil {
		result.DocumentID = res.DocumentID
	}

	plan, err := d.planner.Plan(res, d.avail.Current(), result.Strategy)
	if err != nil {
		return d.finish(result, started, err)
	}

	tx := plan.Transaction()
	result.TransactionID = tx.ID
	if execErr := d.orchestrator.Execute(ctx, tx); execErr != nil {
		return d.finish(result, started, tx.Errors()...)
	}

	stored := tx.StoredIDs()
	if err := d.updateCrossRefs(ctx, plan, stored); err != nil {
		return d.finish(result, started, err)
	}

	result.Success = true
	result.StoredIDs = stored
	return d.finish(result, started)
}

// DistributeMany fans results out with bounded concurrency. The output is
// positional: out[i] is the result for results[i]. An empty submission
// returns an empty slice and touches nothing.
func (d *Distributor) DistributeMany(ctx context.Context, results []*content.ProcessorResult) []*Result {
	out := make([]*Result, len(results))
	if len(results) == 0 {
		return out
	}
	limit := d.settings.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, res := range results {
		i, res := i, res
		g.Go(func() error {
			out[i] = d.Distribute(ctx, res)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ============================================================================
// INTERNALS
// ============================================================================

// updateCrossRefs merges the per-store id map into the master registry row.
// A conflict means an identical row is already on file; derived ids make the
// repeat a no-op, so it counts as success.
func (d *Distributor) updateCrossRefs(ctx context.Context, plan *Plan, stored map[store.Kind][]string) error {
	master := plan.Master()
	adapter, ok := d.adapters[master.Target.Store]
	if !ok {
		return errors.Internal("no adapter for master registry store "+string(master.Target.Store), nil)
	}

	refs := make(map[string][]string, len(stored))
	for kind, ids := range stored {
		refs[string(kind)] = ids
	}
	rec := master.Records[0].Clone()
	rec.Fields["cross_refs"] = refs
	rec.Fields["distributed_at"] = stamp(d.now())

	err := store.Retry(ctx, d.retry, "cross_refs", func(ctx context.Context) error {
		_, werr := adapter.WriteOne(ctx, rec)
		if errors.IsKind(werr, errors.KindConflict) {
			return nil
		}
		return werr
	})
	if err != nil {
		return errors.Wrap(err, errors.KindOf(err), "cross-reference update failed").
			WithStore(string(master.Target.Store)).WithOp("cross_refs")
	}
	return nil
}

func (d *Distributor) activeStrategy() strategy.Kind {
	d.strategyMu.Lock()
	defer d.strategyMu.Unlock()
	d.calls++
	refreshEvery := d.settings.StrategyRefreshEvery
	if refreshEvery < 1 {
		refreshEvery = 1
	}
	if d.stale || d.active == "" || d.calls >= refreshEvery {
		d.active = strategy.Choose(d.avail.Current())
		d.calls = 0
		d.stale = false
	}
	return d.active
}

func (d *Distributor) markStale() {
	d.strategyMu.Lock()
	defer d.strategyMu.Unlock()
	d.stale = true
}

// finish stamps the duration, records any failure errors, and emits logs,
// metrics, and success notifications.
func (d *Distributor) finish(r *Result, started time.Time, errs ...error) *Result {
	r.Errors = append(r.Errors, errs...)
	r.Duration = d.now().Sub(started)
	if d.metrics != nil {
		d.metrics.ObserveDistribution(string(r.Strategy), r.Success, r.Duration)
	}
	if r.Success {
		d.logger.Info("distribution complete",
			zap.String("document_id", r.DocumentID),
			zap.String("tx_id", r.TransactionID),
			zap.String("strategy", string(r.Strategy)),
			zap.Int("stores", len(r.StoredIDs)),
			zap.Duration("duration", r.Duration),
		)
		d.notifyDistributed(r.DocumentID)
		return r
	}
	d.logger.Warn("distribution failed",
		zap.String("document_id", r.DocumentID),
		zap.String("tx_id", r.TransactionID),
		zap.String("strategy", string(r.Strategy)),
		zap.Int("errors", len(r.Errors)),
		zap.Error(errors.First(r.Errors...)),
		zap.Duration("duration", r.Duration),
	)
	return r
}

func (d *Distributor) notifyDistributed(documentID string) {
	d.listenerMu.Lock()
	listeners := make([]func(string), len(d.listeners))
	copy(listeners, d.listeners)
	d.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(documentID)
	}
}
