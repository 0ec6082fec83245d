package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"polystore-backend/internal/batch"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// Executor binds one store kind into the orchestrator. Execute performs
// real I/O through the adapter and returns the rollback actions for
// whatever it managed to persist; on partial failure it must still return
// the compensations covering the items that did land.
type Executor interface {
	Kind() store.Kind
	// Ready gates step admission; a failing health check fails the step
	// with store_unavailable before any I/O.
	Ready(ctx context.Context) error
	Execute(ctx context.Context, op Operation) (*StepResult, []Compensation, error)
}

// ============================================================================
// STORE EXECUTOR
// ============================================================================

// Batcher coalesces this executor's record writes with writes from
// concurrent transactions against the same store.
type Batcher interface {
	SubmitWrite(ctx context.Context, rec *store.Record) *batch.WriteFuture
}

// StoreExecutor is the standard executor: records go through the adapter's
// batch write, edges through the graph capability. Compensations are
// idempotent deletes (records) and soft deactivations (edges).
type StoreExecutor struct {
	adapter store.Store
	batcher Batcher
	logger  *zap.Logger
}

// ExecutorOption customizes a StoreExecutor.
type ExecutorOption func(*StoreExecutor)

// WithBatcher routes record writes through a coalescing engine instead of
// the adapter's batch endpoint directly. Edges and compensations keep their
// direct path.
func WithBatcher(b Batcher) ExecutorOption {
	return func(e *StoreExecutor) { e.batcher = b }
}

// NewStoreExecutor wires an adapter into the orchestrator.
func NewStoreExecutor(adapter store.Store, logger *zap.Logger, opts ...ExecutorOption) *StoreExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StoreExecutor{
		adapter: adapter,
		logger:  logger.With(zap.String("store", string(adapter.Kind()))),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *StoreExecutor) Kind() store.Kind { return e.adapter.Kind() }

func (e *StoreExecutor) Ready(ctx context.Context) error {
	status := e.adapter.HealthCheck(ctx)
	if !status.Healthy {
		return errors.StoreUnavailable(string(e.adapter.Kind())).WithOp("saga_step")
	}
	return nil
}

// Execute writes the operation's records and edges. Every persisted item
// contributes to the returned compensations even when a later item in the
// same operation fails, so rollback covers partial effects. Operations
// carrying a conflict_ok param treat duplicate-key outcomes as stored: the
// row already exists from an earlier identical write, which owns its own
// rollback.
func (e *StoreExecutor) Execute(ctx context.Context, op Operation) (*StepResult, []Compensation, error) {
	result := &StepResult{Data: make(map[string]any)}
	var comps []Compensation
	var itemErrs []error

	if len(op.Records) > 0 {
		outcomes, err := e.writeRecords(ctx, op.Records)
		if err != nil {
			return result, comps, errors.Wrap(err, errors.KindOf(err), "batch write failed").
				WithStore(string(e.adapter.Kind())).WithOp(op.Name)
		}
		if len(outcomes) != len(op.Records) {
			return result, comps, errors.Internal("adapter returned mismatched batch outcome count", nil).
				WithStore(string(e.adapter.Kind())).WithOp(op.Name)
		}
		conflictOK, _ := op.Params["conflict_ok"].(bool)
		var written []writtenRecord
		for i, out := range outcomes {
			if out.Err != nil {
				if conflictOK && errors.IsKind(out.Err, errors.KindConflict) {
					result.StoredIDs = append(result.StoredIDs, op.Records[i].ID)
					continue
				}
				itemErrs = append(itemErrs, out.Err)
				continue
			}
			rec := op.Records[i]
			result.StoredIDs = append(result.StoredIDs, out.Receipt.ID)
			written = append(written, writtenRecord{collection: rec.Collection, id: out.Receipt.ID})
		}
		if len(written) > 0 {
			comps = append(comps, e.deleteRecordsCompensation(op, written))
		}
	}

	if len(op.Edges) > 0 {
		gc, ok := e.adapter.(store.GraphCapable)
		if !ok {
			err := errors.Internal(fmt.Sprintf("%s adapter cannot persist edges", e.adapter.Kind()), nil).WithOp(op.Name)
			return result, comps, err
		}
		for _, spec := range op.Edges {
			edgeID, err := gc.CreateEdge(ctx, spec)
			if err != nil {
				itemErrs = append(itemErrs, err)
				continue
			}
			result.StoredIDs = append(result.StoredIDs, edgeID)
			comps = append(comps, e.deactivateEdgeCompensation(op, gc, edgeID))
		}
	}

	if len(itemErrs) > 0 {
		err := errors.Wrap(errors.First(itemErrs...), errors.WorstKind(itemErrs),
			fmt.Sprintf("%d of %d items failed", len(itemErrs), len(op.Records)+len(op.Edges))).
			WithStore(string(e.adapter.Kind())).WithOp(op.Name)
		return result, comps, err
	}
	return result, comps, nil
}

// writeRecords persists the operation's records, coalescing through the
// batcher when one is wired. Futures map 1-1 to records, so the outcome
// slice keeps submission order either way.
func (e *StoreExecutor) writeRecords(ctx context.Context, recs []*store.Record) ([]store.ItemOutcome, error) {
	if e.batcher == nil {
		return e.adapter.WriteBatch(ctx, recs)
	}
	futures := make([]*batch.WriteFuture, len(recs))
	for i, rec := range recs {
		futures[i] = e.batcher.SubmitWrite(ctx, rec)
	}
	outcomes := make([]store.ItemOutcome, len(recs))
	for i, f := range futures {
		receipt, err := f.Wait(ctx)
		outcomes[i] = store.ItemOutcome{Index: i, Receipt: receipt, Err: err}
	}
	return outcomes, nil
}

type writtenRecord struct {
	collection string
	id         string
}

// deleteRecordsCompensation reverses record writes. Absent records are
// treated as already rolled back, which keeps the action idempotent.
func (e *StoreExecutor) deleteRecordsCompensation(op Operation, written []writtenRecord) Compensation {
	kind := e.adapter.Kind()
	return Compensation{
		Label:    fmt.Sprintf("delete %d %s record(s)", len(written), op.Category),
		Priority: 0,
		Run: func(ctx context.Context) error {
			for _, w := range written {
				if _, err := e.adapter.Delete(ctx, w.collection, w.id); err != nil {
					return errors.Wrap(err, errors.KindOf(err), "rollback delete failed").
						WithStore(string(kind)).WithOp("compensate")
				}
			}
			return nil
		},
	}
}

// deactivateEdgeCompensation reverses an edge creation through the graph
// adapter's soft delete, preserving lifecycle history. Edges unwind before
// record deletes, hence the higher priority.
func (e *StoreExecutor) deactivateEdgeCompensation(op Operation, gc store.GraphCapable, edgeID string) Compensation {
	kind := e.adapter.Kind()
	return Compensation{
		Label:    "deactivate edge " + edgeID,
		Priority: 10,
		Run: func(ctx context.Context) error {
			if err := gc.DeactivateEdge(ctx, edgeID, "transaction_compensated"); err != nil {
				if errors.IsKind(err, errors.KindNotFound) {
					return nil
				}
				return errors.Wrap(err, errors.KindOf(err), "rollback deactivate failed").
					WithStore(string(kind)).WithOp("compensate")
			}
			return nil
		},
	}
}
