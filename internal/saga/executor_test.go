package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore-backend/internal/batch"
	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
	"polystore-backend/internal/store/storetest"
)

func writeOp(ids ...string) Operation {
	op := Operation{Name: "write_records", Category: "processor_results"}
	for _, id := range ids {
		op.Records = append(op.Records, &store.Record{
			Collection: "processor_results",
			ID:         id,
			Fields:     map[string]any{"document_id": id},
		})
	}
	return op
}

func TestStoreExecutor_WritesRecordsAndRegistersRollback(t *testing.T) {
	fake := storetest.New(store.Document)
	exec := NewStoreExecutor(fake, nil)

	result, comps, err := exec.Execute(context.Background(), writeOp("d-1", "d-2"))

	require.NoError(t, err)
	assert.Equal(t, []string{"d-1", "d-2"}, result.StoredIDs)
	require.Len(t, comps, 1)
	assert.True(t, fake.Has("processor_results", "d-1"))

	require.NoError(t, comps[0].Run(context.Background()))
	assert.False(t, fake.Has("processor_results", "d-1"))
	assert.False(t, fake.Has("processor_results", "d-2"))

	// Rollback of already-deleted records stays clean.
	require.NoError(t, comps[0].Run(context.Background()))
}

func TestStoreExecutor_PartialFailureStillCoversWrittenItems(t *testing.T) {
	fake := storetest.New(store.Relational)
	fake.FailID("d-2", errors.Conflict("record", "d-2"))
	exec := NewStoreExecutor(fake, nil)

	result, comps, err := exec.Execute(context.Background(), writeOp("d-1", "d-2", "d-3"))

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.Equal(t, []string{"d-1", "d-3"}, result.StoredIDs)
	require.Len(t, comps, 1, "persisted items need rollback coverage despite the step failing")

	require.NoError(t, comps[0].Run(context.Background()))
	assert.Equal(t, 0, fake.TotalRecords())
}

func TestStoreExecutor_ConflictCountsAsStoredWhenMarked(t *testing.T) {
	fake := storetest.New(store.Relational)
	fake.FailID("d-1", errors.Conflict("record", "d-1"))
	exec := NewStoreExecutor(fake, nil)
	op := writeOp("d-1", "d-2")
	op.Params = map[string]any{"conflict_ok": true}

	result, comps, err := exec.Execute(context.Background(), op)

	require.NoError(t, err, "a marked duplicate is not a failure")
	assert.Equal(t, []string{"d-1", "d-2"}, result.StoredIDs)
	require.Len(t, comps, 1)

	// Rollback covers only the row this execution wrote; the conflicting
	// one belongs to the write that created it.
	require.NoError(t, comps[0].Run(context.Background()))
	assert.False(t, fake.Has("processor_results", "d-2"))
}

func TestStoreExecutor_WholeBatchFailureRegistersNothing(t *testing.T) {
	fake := storetest.New(store.Document)
	fake.FailAlways("write_batch", errors.TransientTransport("document", "write_batch", nil))
	exec := NewStoreExecutor(fake, nil)

	_, comps, err := exec.Execute(context.Background(), writeOp("d-1"))

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransientTransport))
	assert.Empty(t, comps)
}

func TestStoreExecutor_EdgesDeactivateOnRollback(t *testing.T) {
	fake := storetest.New(store.Graph)
	exec := NewStoreExecutor(fake, nil)
	op := Operation{
		Name:     "create_edges",
		Category: "relationships",
		Edges: []store.EdgeSpec{
			{FromID: "doc-a", ToID: "doc-b", Type: "refers_to", Properties: map[string]any{"weight": 0.8}},
		},
	}

	result, comps, err := exec.Execute(context.Background(), op)

	require.NoError(t, err)
	require.Len(t, result.StoredIDs, 1)
	edgeID := result.StoredIDs[0]
	require.Len(t, comps, 1)
	assert.Greater(t, comps[0].Priority, 0, "edge rollback runs before record deletes")

	require.NoError(t, comps[0].Run(context.Background()))
	edge, ok := fake.EdgeByID(edgeID)
	require.True(t, ok, "soft delete keeps the edge's history")
	assert.False(t, edge.Active)

	// Deactivating an already-inactive edge is a no-op.
	require.NoError(t, comps[0].Run(context.Background()))
}

func batchTuning(delay time.Duration) config.Batch {
	tuning := config.BatchTuning{
		MaxSize:        100,
		MinSize:        10,
		CoalesceDelay:  delay,
		TargetDuration: 200 * time.Millisecond,
		EvaluateEvery:  10,
		QueueDepth:     1024,
	}
	return config.Batch{Write: tuning, Read: tuning, Exists: tuning}
}

func TestStoreExecutor_BatcherCoalescesAcrossTransactions(t *testing.T) {
	fake := storetest.New(store.Document)
	engine := batch.NewEngine(fake, batchTuning(10*time.Millisecond))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	exec := NewStoreExecutor(fake, nil, WithBatcher(engine))

	var wg sync.WaitGroup
	results := make([]*StepResult, 4)
	execErrs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], _, execErrs[n] = exec.Execute(context.Background(), writeOp(fmt.Sprintf("d-%d", n)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, execErrs[i])
		require.Len(t, results[i].StoredIDs, 1)
		assert.True(t, fake.Has("processor_results", fmt.Sprintf("d-%d", i)))
	}
	// The concurrent writes coalesced into fewer native calls than
	// transactions.
	assert.Less(t, fake.CallsOf("write_batch"), 4)
}

func TestStoreExecutor_BatchedWritesKeepRollbackCoverage(t *testing.T) {
	fake := storetest.New(store.Relational)
	fake.FailID("d-2", errors.Conflict("record", "d-2"))
	engine := batch.NewEngine(fake, batchTuning(2*time.Millisecond))
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	exec := NewStoreExecutor(fake, nil, WithBatcher(engine))

	result, comps, err := exec.Execute(context.Background(), writeOp("d-1", "d-2", "d-3"))

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	assert.Equal(t, []string{"d-1", "d-3"}, result.StoredIDs)
	require.Len(t, comps, 1)

	require.NoError(t, comps[0].Run(context.Background()))
	assert.Equal(t, 0, fake.TotalRecords())
}

func TestStoreExecutor_ReadyReflectsAdapterHealth(t *testing.T) {
	fake := storetest.New(store.Vector)
	exec := NewStoreExecutor(fake, nil)

	require.NoError(t, exec.Ready(context.Background()))

	fake.SetHealthy(false)
	err := exec.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
}
