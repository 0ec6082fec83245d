package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

type runnerCall struct {
	query  string
	params map[string]any
}

// stubRunner replays queued replies in call order and records every query.
type stubRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	queue []stubReply
}

type stubReply struct {
	rows []map[string]any
	err  error
}

func (s *stubRunner) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, runnerCall{query: query, params: params})
	if len(s.queue) == 0 {
		return nil, nil
	}
	reply := s.queue[0]
	s.queue = s.queue[1:]
	return reply.rows, reply.err
}

func (s *stubRunner) reply(rows []map[string]any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, stubReply{rows: rows, err: err})
}

func (s *stubRunner) call(i int) runnerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newStubAdapter(t *testing.T) (*Adapter, *stubRunner) {
	t.Helper()
	runner := &stubRunner{}
	a := newWithRunner(runner, config.Graph{
		URI:      "bolt://test:7687",
		Database: "neo4j",
		Timeout:  time.Second,
	}, zap.NewNop())
	return a, runner
}

func TestAdapter_WriteOneMergesNode(t *testing.T) {
	a, runner := newStubAdapter(t)

	rcpt, err := a.WriteOne(context.Background(), &store.Record{
		Collection: "graph_nodes",
		ID:         "d1",
		Fields:     map[string]any{"id": "ignored", "title": "t"},
	})

	require.NoError(t, err)
	assert.Equal(t, "d1", rcpt.ID)
	assert.False(t, rcpt.StoredAt.IsZero())

	call := runner.call(0)
	assert.Contains(t, call.query, "MERGE (n:`graph_nodes` {id: $id})")
	assert.Equal(t, "d1", call.params["id"])
	props := call.params["props"].(map[string]any)
	assert.Equal(t, "t", props["title"])
	assert.NotContains(t, props, "id", "the merge key is not a payload property")
}

func TestAdapter_WriteBatchFallsBackToPerItemCalls(t *testing.T) {
	a, runner := newStubAdapter(t)
	runner.reply(nil, nil)
	runner.reply(nil, &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.TypeError", Msg: "bad property"})
	runner.reply(nil, nil)

	outcomes, err := a.WriteBatch(context.Background(), []*store.Record{
		{Collection: "graph_nodes", ID: "d1", Fields: map[string]any{"n": 1}},
		{Collection: "graph_nodes", ID: "d2", Fields: map[string]any{"n": 2}},
		{Collection: "graph_nodes", ID: "d3", Fields: map[string]any{"n": 3}},
	})

	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.NotNil(t, outcomes[0].Receipt)
	require.Error(t, outcomes[1].Err)
	assert.True(t, errors.IsKind(outcomes[1].Err, errors.KindBadRequest))
	assert.NotNil(t, outcomes[2].Receipt)
	assert.Equal(t, 3, runner.callCount(), "one statement per record")
}

func TestAdapter_ReadOne(t *testing.T) {
	t.Run("found parses id and stored_at out of the props", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{
			"props": map[string]any{
				"id":        "d1",
				"content":   "x",
				"stored_at": "2026-08-01T10:00:00Z",
			},
		}}, nil)

		rec, ok, err := a.ReadOne(context.Background(), "graph_nodes", "d1", nil)

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "d1", rec.ID)
		assert.Equal(t, map[string]any{"content": "x"}, rec.Fields)
		assert.Equal(t, 2026, rec.StoredAt.Year())
	})

	t.Run("projection keeps requested keys", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{
			"props": map[string]any{"id": "d1", "content": "x", "title": "t"},
		}}, nil)

		rec, ok, err := a.ReadOne(context.Background(), "graph_nodes", "d1", []string{"title"})

		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"title": "t"}, rec.Fields)
	})

	t.Run("absent is not an error", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, nil)

		rec, ok, err := a.ReadOne(context.Background(), "graph_nodes", "ghost", nil)

		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, rec)
	})
}

func TestAdapter_ExistsBatchMarksMissing(t *testing.T) {
	a, runner := newStubAdapter(t)
	runner.reply([]map[string]any{{"id": "d1"}}, nil)

	out, err := a.ExistsBatch(context.Background(), "graph_nodes", []string{"d1", "ghost"})

	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"d1": true, "ghost": false}, out)
}

func TestAdapter_DeleteReportsExistence(t *testing.T) {
	a, runner := newStubAdapter(t)
	runner.reply([]map[string]any{{"deleted": int64(1)}}, nil)
	runner.reply([]map[string]any{{"deleted": int64(0)}}, nil)

	existed, err := a.Delete(context.Background(), "graph_nodes", "d1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Contains(t, runner.call(0).query, "DETACH DELETE")

	existed, err = a.Delete(context.Background(), "graph_nodes", "d1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestAdapter_CreateEdgeReusesActiveEdge(t *testing.T) {
	a, runner := newStubAdapter(t)
	runner.reply([]map[string]any{{"edge_id": "e-1"}}, nil)

	edgeID, err := a.CreateEdge(context.Background(), store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-b", Type: "refers_to",
	})

	require.NoError(t, err)
	assert.Equal(t, "e-1", edgeID)
	assert.Equal(t, 1, runner.callCount(), "an active duplicate short-circuits the create")
}

func TestAdapter_CreateEdgeCreatesWhenNoneActive(t *testing.T) {
	a, runner := newStubAdapter(t)
	runner.reply(nil, nil) // no active edge
	runner.reply(nil, nil) // create

	edgeID, err := a.CreateEdge(context.Background(), store.EdgeSpec{
		FromID: "doc-a", ToID: "doc-b", Type: "refers_to",
		Properties: map[string]any{"confidence": 0.9},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, edgeID)
	require.Equal(t, 2, runner.callCount())

	create := runner.call(1)
	assert.Contains(t, create.query, "CREATE (from)-[r:`refers_to`]->(to)")
	assert.Contains(t, create.query, "r.active = true")
	assert.Equal(t, edgeID, create.params["edge_id"])
	assert.Equal(t, "doc-a", create.params["from_id"])
	assert.Equal(t, map[string]any{"confidence": 0.9}, create.params["props"])
}

func TestAdapter_UpdateEdgeWeight(t *testing.T) {
	t.Run("appends the old weight to the history", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{"edge_id": "e-1"}}, nil)

		require.NoError(t, a.UpdateEdgeWeight(context.Background(), "e-1", 0.75))

		call := runner.call(0)
		assert.Contains(t, call.query, "weight_history")
		assert.Equal(t, 0.75, call.params["weight"])
	})

	t.Run("missing edge is not_found", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, nil)

		err := a.UpdateEdgeWeight(context.Background(), "ghost", 0.5)

		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})
}

func TestAdapter_DeactivateAndRestoreEdge(t *testing.T) {
	t.Run("deactivate stamps the reason", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{"edge_id": "e-1"}}, nil)

		require.NoError(t, a.DeactivateEdge(context.Background(), "e-1", "transaction_compensated"))

		call := runner.call(0)
		assert.Contains(t, call.query, "r.active = false")
		assert.Equal(t, "transaction_compensated", call.params["reason"])
	})

	t.Run("restore reactivates and clears the reason", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{"edge_id": "e-1"}}, nil)

		require.NoError(t, a.RestoreEdge(context.Background(), "e-1"))

		call := runner.call(0)
		assert.Contains(t, call.query, "r.active = true")
		assert.Contains(t, call.query, "r.deactivation_reason = null")
	})

	t.Run("missing edge is not_found", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, nil)

		err := a.DeactivateEdge(context.Background(), "ghost", "r")

		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
	})
}

func TestAdapter_Traverse(t *testing.T) {
	edgeRow := map[string]any{
		"edge_id":  "e-1",
		"from_id":  "doc-a",
		"to_id":    "doc-b",
		"rel_type": "refers_to",
		"active":   true,
		"props": map[string]any{
			"edge_id":    "e-1",
			"active":     true,
			"confidence": 0.9,
		},
	}

	t.Run("bounds depth and filters to active edges", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{edgeRow}, nil)

		edges, err := a.Traverse(context.Background(), store.TraversalQuery{
			StartID:  "doc-a",
			EdgeType: "refers_to",
			MaxDepth: 3,
		})

		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, "e-1", edges[0].ID)
		assert.Equal(t, "doc-a", edges[0].FromID)
		assert.Equal(t, "doc-b", edges[0].ToID)
		assert.Equal(t, "refers_to", edges[0].Type)
		assert.True(t, edges[0].Active)
		assert.Equal(t, map[string]any{"confidence": 0.9}, edges[0].Properties,
			"lifecycle bookkeeping stays out of the property map")

		call := runner.call(0)
		assert.Contains(t, call.query, "*1..3")
		assert.Contains(t, call.query, ":`refers_to`")
		assert.Contains(t, call.query, "{active: true}")
	})

	t.Run("include inactive drops the active predicate", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, nil)

		_, err := a.Traverse(context.Background(), store.TraversalQuery{
			StartID:         "doc-a",
			MaxDepth:        2,
			IncludeInactive: true,
		})

		require.NoError(t, err)
		assert.NotContains(t, runner.call(0).query, "{active: true}")
	})

	t.Run("zero depth walks one hop", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, nil)

		_, err := a.Traverse(context.Background(), store.TraversalQuery{StartID: "doc-a"})

		require.NoError(t, err)
		assert.Contains(t, runner.call(0).query, "*1..1")
	})
}

func TestAdapter_QueryNative(t *testing.T) {
	t.Run("lifts id and collection columns", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{
			{"id": "d1", "collection": "graph_nodes", "content": "x"},
		}, nil)

		it, err := a.QueryNative(context.Background(), store.NativeQuery{
			Expression: "MATCH (n:graph_nodes) RETURN n.id AS id",
		})
		require.NoError(t, err)
		defer it.Close()

		require.True(t, it.Next())
		rec := it.Record()
		assert.Equal(t, "d1", rec.ID)
		assert.Equal(t, "graph_nodes", rec.Collection)
		assert.Equal(t, "x", rec.Fields["content"])
		assert.False(t, it.Next())
		require.NoError(t, it.Err())
	})

	t.Run("empty expression is bad_request", func(t *testing.T) {
		a, _ := newStubAdapter(t)

		_, err := a.QueryNative(context.Background(), store.NativeQuery{Expression: "  "})

		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindBadRequest))
	})
}

func TestAdapter_WrapClassifiesDriverErrors(t *testing.T) {
	a, _ := newStubAdapter(t)

	cases := []struct {
		name string
		err  error
		kind errors.Kind
	}{
		{"transient server error", &neo4j.Neo4jError{Code: "Neo.TransientError.General.TransactionMemoryLimit"}, errors.KindTransientTransport},
		{"constraint violation", &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed"}, errors.KindConflict},
		{"auth failure", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized"}, errors.KindStoreUnavailable},
		{"statement error", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "bad cypher"}, errors.KindBadRequest},
		{"database error", &neo4j.Neo4jError{Code: "Neo.DatabaseError.General.UnknownError"}, errors.KindInternal},
		{"deadline", context.DeadlineExceeded, errors.KindTimeout},
		{"cancelled", context.Canceled, errors.KindCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := a.wrap(tc.err, "op")
			assert.True(t, errors.IsKind(wrapped, tc.kind),
				"got kind %s", errors.KindOf(wrapped))
		})
	}
}

func TestAdapter_DisconnectedOpsReportUnavailable(t *testing.T) {
	a := New(config.Graph{URI: "bolt://unused:7687"}, zap.NewNop())

	_, err := a.WriteOne(context.Background(), &store.Record{Collection: "graph_nodes", ID: "d1"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))

	_, err = a.CreateEdge(context.Background(), store.EdgeSpec{FromID: "a", ToID: "b", Type: "refers_to"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
}

func TestAdapter_HealthCheck(t *testing.T) {
	t.Run("healthy round trip", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply([]map[string]any{{"ok": int64(1)}}, nil)

		status := a.HealthCheck(context.Background())

		assert.True(t, status.Healthy)
		assert.Equal(t, "RETURN 1 AS ok", runner.call(0).query)
	})

	t.Run("runner failure reports the message", func(t *testing.T) {
		a, runner := newStubAdapter(t)
		runner.reply(nil, &neo4j.Neo4jError{Code: "Neo.TransientError.General.Unknown", Msg: "down"})

		status := a.HealthCheck(context.Background())

		assert.False(t, status.Healthy)
		assert.NotEmpty(t, status.Message)
	})
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`graph_nodes`", quoteIdent("graph_nodes"))
	assert.Equal(t, "`weird label`", quoteIdent("weird` label"))
	assert.False(t, strings.Contains(quoteIdent("a`b"), "`b`"), "backticks cannot escape the quoting")
}
