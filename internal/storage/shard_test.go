package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

const testLabel = msgs.LabelId(0)

func intKey(values ...int64) msgs.PrimaryKey {
	pk := make(msgs.PrimaryKey, len(values))
	for i, v := range values {
		pk[i] = msgs.IntValue(v)
	}
	return pk
}

func txn(id uint64) hlc.Hlc { return hlc.Hlc{LogicalId: id} }

func testSchema() []shardmap.SchemaProperty {
	return []shardmap.SchemaProperty{
		{PropertyId: 0, Type: msgs.KindInt64},
		{PropertyId: 1, Type: msgs.KindInt64},
	}
}

func newTestEngine(t *testing.T) *ShardEngine {
	t.Helper()
	return NewShardEngine(testLabel, testSchema(), intKey(0, 0), nil, DefaultConfig(), nil)
}

func createVertex(t *testing.T, s *ShardEngine, tx hlc.Hlc, pk msgs.PrimaryKey, props map[msgs.PropertyId]msgs.Value) {
	t.Helper()
	resp := s.ApplyWrite(msgs.StorageWriteRequest{CreateVertices: &msgs.CreateVerticesRequest{
		TransactionId: tx,
		NewVertices: []msgs.NewVertex{{
			LabelIds:   []msgs.LabelId{testLabel},
			PrimaryKey: pk,
			Properties: props,
		}},
	}})
	require.NotNil(t, resp.CreateVertices)
	require.Nil(t, resp.CreateVertices.Error)
}

func commit(t *testing.T, s *ShardEngine, tx, at hlc.Hlc) {
	t.Helper()
	resp := s.ApplyWrite(msgs.StorageWriteRequest{Commit: &msgs.CommitRequest{
		TransactionId:   tx,
		CommitTimestamp: at,
	}})
	require.NotNil(t, resp.Commit)
	require.Nil(t, resp.Commit.Error)
}

func scan(t *testing.T, s *ShardEngine, tx hlc.Hlc, view msgs.StorageView) []msgs.ScanResultRow {
	t.Helper()
	req := msgs.ScanVerticesRequest{
		TransactionId: tx,
		StartId:       msgs.VertexId{Label: testLabel, PrimaryKey: intKey(0, 0)},
		StorageView:   view,
	}
	resp := s.HandleRead(msgs.StorageReadRequest{ScanVertices: &req})
	require.NotNil(t, resp.ScanVertices)
	require.Nil(t, resp.ScanVertices.Error)
	return resp.ScanVertices.Results
}

func TestCreateThenRead(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	createVertex(t, s, tx, intKey(0, 0), nil)
	createVertex(t, s, tx, intKey(13, 13), nil)

	// The creating transaction sees its own writes under the NEW view.
	assert.Len(t, scan(t, s, tx, msgs.ViewNew), 2)
	// Under the OLD view its own pending writes are invisible.
	assert.Empty(t, scan(t, s, tx, msgs.ViewOld))

	commit(t, s, tx, txn(2))
	assert.Len(t, scan(t, s, txn(3), msgs.ViewOld), 2)
}

func TestCommitOrderingVisibility(t *testing.T) {
	s := newTestEngine(t)

	t1 := txn(1)
	createVertex(t, s, t1, intKey(5, 5), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(41)})
	commit(t, s, t1, txn(2))

	// A transaction started after the commit observes T1's effects.
	rows := scan(t, s, txn(3), msgs.ViewOld)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(41), rows[0].Props[2].Int)

	// A transaction started before the commit does not.
	assert.Empty(t, scan(t, s, txn(1), msgs.ViewOld))
}

func TestScanPagination(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	for i := int64(0); i < 5; i++ {
		createVertex(t, s, tx, intKey(i, i), nil)
	}
	commit(t, s, tx, txn(2))

	limit := 2
	var seen []msgs.ScanResultRow
	start := msgs.VertexId{Label: testLabel, PrimaryKey: intKey(0, 0)}
	pages := 0
	for {
		resp := s.HandleRead(msgs.StorageReadRequest{ScanVertices: &msgs.ScanVerticesRequest{
			TransactionId: txn(3),
			StartId:       start,
			BatchLimit:    &limit,
			StorageView:   msgs.ViewOld,
		}})
		require.Nil(t, resp.ScanVertices.Error)
		seen = append(seen, resp.ScanVertices.Results...)
		pages++
		if resp.ScanVertices.NextStartId == nil {
			break
		}
		start = *resp.ScanVertices.NextStartId
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestScanOutsideRangeIsNotFound(t *testing.T) {
	s := NewShardEngine(testLabel, testSchema(), intKey(0, 0), intKey(50, 0), DefaultConfig(), nil)
	resp := s.HandleRead(msgs.StorageReadRequest{ScanVertices: &msgs.ScanVerticesRequest{
		TransactionId: txn(1),
		StartId:       msgs.VertexId{Label: testLabel, PrimaryKey: intKey(60, 0)},
		StorageView:   msgs.ViewOld,
	}})
	require.NotNil(t, resp.ScanVertices.Error)
	assert.Equal(t, msgs.CodeNotFound, resp.ScanVertices.Error.Code)
}

func TestSchemaViolation(t *testing.T) {
	s := newTestEngine(t)
	resp := s.ApplyWrite(msgs.StorageWriteRequest{CreateVertices: &msgs.CreateVerticesRequest{
		TransactionId: txn(1),
		NewVertices: []msgs.NewVertex{{
			LabelIds:   []msgs.LabelId{testLabel},
			PrimaryKey: msgs.PrimaryKey{msgs.StringValue("wrong"), msgs.IntValue(0)},
		}},
	}})
	require.NotNil(t, resp.CreateVertices.Error)
	assert.Equal(t, msgs.CodeSchemaViolation, resp.CreateVertices.Error.Code)
}

func TestUpdateStoresInverseAndRollsBack(t *testing.T) {
	s := newTestEngine(t)
	t1 := txn(1)
	createVertex(t, s, t1, intKey(1, 1), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(1)})
	commit(t, s, t1, txn(2))

	t2 := txn(3)
	update := msgs.StorageWriteRequest{UpdateVertices: &msgs.UpdateVerticesRequest{
		TransactionId: t2,
		NewProperties: []msgs.UpdateVertexProp{{
			Vertex:          msgs.VertexId{Label: testLabel, PrimaryKey: intKey(1, 1)},
			PropertyUpdates: []msgs.PropertyUpdate{{Property: 2, Value: msgs.IntValue(99)}},
		}},
	}}
	resp := s.ApplyWrite(update)
	require.Nil(t, resp.UpdateVertices.Error)

	// Re-applying the same request under the same transaction stays
	// safe: the final visible state is unchanged.
	resp = s.ApplyWrite(update)
	require.Nil(t, resp.UpdateVertices.Error)

	// NEW view of the writer sees the pending value, OLD the old one.
	rowsNew := scan(t, s, t2, msgs.ViewNew)
	require.Len(t, rowsNew, 1)
	assert.Equal(t, int64(99), rowsNew[0].Props[2].Int)

	rowsOld := scan(t, s, t2, msgs.ViewOld)
	require.Len(t, rowsOld, 1)
	assert.Equal(t, int64(1), rowsOld[0].Props[2].Int)

	commit(t, s, t2, txn(4))
	rows := scan(t, s, txn(5), msgs.ViewOld)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(99), rows[0].Props[2].Int)
}

func TestWriteConflictAborts(t *testing.T) {
	s := newTestEngine(t)
	t1 := txn(1)
	createVertex(t, s, t1, intKey(1, 1), nil)

	resp := s.ApplyWrite(msgs.StorageWriteRequest{UpdateVertices: &msgs.UpdateVerticesRequest{
		TransactionId: txn(2),
		NewProperties: []msgs.UpdateVertexProp{{
			Vertex:          msgs.VertexId{Label: testLabel, PrimaryKey: intKey(1, 1)},
			PropertyUpdates: []msgs.PropertyUpdate{{Property: 2, Value: msgs.IntValue(1)}},
		}},
	}})
	require.NotNil(t, resp.UpdateVertices.Error)
	// The vertex is invisible to the other transaction, so depending on
	// ordering this surfaces as aborted or not-found; both mean the
	// transaction cannot proceed.
	assert.Contains(t, []msgs.ErrorCode{msgs.CodeAborted, msgs.CodeNotFound}, resp.UpdateVertices.Error.Code)
}

func createEdge(t *testing.T, s *ShardEngine, tx hlc.Hlc, gid msgs.Gid, src, dst msgs.PrimaryKey) {
	t.Helper()
	resp := s.ApplyWrite(msgs.StorageWriteRequest{CreateExpand: &msgs.CreateExpandRequest{
		TransactionId: tx,
		NewExpands: []msgs.NewExpand{{
			Gid:       gid,
			EdgeType:  0,
			SrcVertex: msgs.VertexId{Label: testLabel, PrimaryKey: src},
			DstVertex: msgs.VertexId{Label: testLabel, PrimaryKey: dst},
		}},
	}})
	require.NotNil(t, resp.CreateExpand)
	require.Nil(t, resp.CreateExpand.Error)
}

func TestExpandOneBothDirections(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	createVertex(t, s, tx, intKey(0, 0), nil)
	createVertex(t, s, tx, intKey(13, 13), nil)
	createEdge(t, s, tx, 0, intKey(0, 0), intKey(13, 13))
	createEdge(t, s, tx, 1, intKey(13, 13), intKey(0, 0))
	commit(t, s, tx, txn(2))

	resp := s.HandleRead(msgs.StorageReadRequest{ExpandOne: &msgs.ExpandOneRequest{
		TransactionId: txn(3),
		SrcVertices:   []msgs.VertexId{{Label: testLabel, PrimaryKey: intKey(0, 0)}},
		Direction:     msgs.DirectionBoth,
		StorageView:   msgs.ViewOld,
	}})
	require.NotNil(t, resp.ExpandOne)
	require.Nil(t, resp.ExpandOne.Error)
	require.Len(t, resp.ExpandOne.Result, 1)

	row := resp.ExpandOne.Result[0]
	var in, out int
	for _, edge := range row.Edges {
		switch edge.Direction {
		case msgs.DirectionIn:
			in++
		case msgs.DirectionOut:
			out++
		}
	}
	assert.Equal(t, 1, in)
	assert.Equal(t, 1, out)
}

func TestDeleteVertexSemantics(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	createVertex(t, s, tx, intKey(0, 0), nil)
	createVertex(t, s, tx, intKey(1, 1), nil)
	createEdge(t, s, tx, 0, intKey(0, 0), intKey(1, 1))
	commit(t, s, tx, txn(2))

	// Plain DELETE refuses while edges exist.
	t2 := txn(3)
	resp := s.ApplyWrite(msgs.StorageWriteRequest{DeleteVertices: &msgs.DeleteVerticesRequest{
		TransactionId: t2,
		Label:         testLabel,
		PrimaryKeys:   []msgs.PrimaryKey{intKey(0, 0)},
		DeletionType:  msgs.DeletionDelete,
	}})
	require.NotNil(t, resp.DeleteVertices.Error)
	assert.Equal(t, msgs.CodeAborted, resp.DeleteVertices.Error.Code)

	// DETACH_DELETE removes the incident edges first.
	t3 := txn(4)
	resp = s.ApplyWrite(msgs.StorageWriteRequest{DeleteVertices: &msgs.DeleteVerticesRequest{
		TransactionId: t3,
		Label:         testLabel,
		PrimaryKeys:   []msgs.PrimaryKey{intKey(0, 0)},
		DeletionType:  msgs.DeletionDetachDelete,
	}})
	require.Nil(t, resp.DeleteVertices.Error)
	commit(t, s, t3, txn(5))

	rows := scan(t, s, txn(6), msgs.ViewOld)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, msgs.ComparePrimaryKeys(intKey(1, 1), rows[0].Vertex.Id.PrimaryKey))

	// The surviving vertex lost its mirror triple.
	expand := s.HandleRead(msgs.StorageReadRequest{ExpandOne: &msgs.ExpandOneRequest{
		TransactionId: txn(6),
		SrcVertices:   []msgs.VertexId{{Label: testLabel, PrimaryKey: intKey(1, 1)}},
		Direction:     msgs.DirectionBoth,
		StorageView:   msgs.ViewOld,
	}})
	require.Nil(t, expand.ExpandOne.Error)
	require.Len(t, expand.ExpandOne.Result, 1)
	assert.Empty(t, expand.ExpandOne.Result[0].Edges)

	// Readers before the delete's commit still see both vertices.
	assert.Len(t, scan(t, s, txn(4), msgs.ViewOld), 2)
}

func TestCommitIdempotence(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	createVertex(t, s, tx, intKey(0, 0), nil)

	commit(t, s, tx, txn(2))
	commit(t, s, tx, txn(2)) // same timestamp: no-op

	resp := s.ApplyWrite(msgs.StorageWriteRequest{Commit: &msgs.CommitRequest{
		TransactionId:   tx,
		CommitTimestamp: txn(9),
	}})
	require.NotNil(t, resp.Commit.Error)

	// Committing a transaction this shard never saw succeeds trivially.
	resp = s.ApplyWrite(msgs.StorageWriteRequest{Commit: &msgs.CommitRequest{
		TransactionId:   txn(100),
		CommitTimestamp: txn(101),
	}})
	require.Nil(t, resp.Commit.Error)
}

func TestCreateVerticesReapplySafe(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	req := msgs.StorageWriteRequest{CreateVertices: &msgs.CreateVerticesRequest{
		TransactionId: tx,
		NewVertices: []msgs.NewVertex{{
			LabelIds:   []msgs.LabelId{testLabel},
			PrimaryKey: intKey(7, 7),
		}},
	}}
	require.Nil(t, s.ApplyWrite(req).CreateVertices.Error)
	// The RSM may deliver the same write twice.
	require.Nil(t, s.ApplyWrite(req).CreateVertices.Error)

	assert.Len(t, scan(t, s, tx, msgs.ViewNew), 1)
}

// chainInvariants walks a delta chain checking acyclicity and that a
// freshly created vertex's chain terminates in the creation marker.
func chainInvariants(t *testing.T, v *Vertex, expectCreationTail bool) {
	t.Helper()
	seen := make(map[*Delta]bool)
	var last *Delta
	for d := v.Delta; d != nil; d = d.Next {
		require.False(t, seen[d], "delta chain must be acyclic")
		seen[d] = true
		last = d
	}
	if expectCreationTail && last != nil {
		assert.Equal(t, ActionDeleteObject, last.Action)
	}
}

func TestDeltaChainInvariants(t *testing.T) {
	s := newTestEngine(t)
	tx := txn(1)
	createVertex(t, s, tx, intKey(3, 3), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(1)})

	resp := s.ApplyWrite(msgs.StorageWriteRequest{UpdateVertices: &msgs.UpdateVerticesRequest{
		TransactionId: tx,
		NewProperties: []msgs.UpdateVertexProp{{
			Vertex:          msgs.VertexId{Label: testLabel, PrimaryKey: intKey(3, 3)},
			PropertyUpdates: []msgs.PropertyUpdate{{Property: 2, Value: msgs.IntValue(2)}},
		}},
	}})
	require.Nil(t, resp.UpdateVertices.Error)

	v, ok := s.vertices.Get(intKey(3, 3))
	require.True(t, ok)
	chainInvariants(t, v, true)

	// Head is the newest delta and its prev points at the vertex.
	assert.Equal(t, ActionSetProperty, v.Delta.Action)
	assert.Equal(t, PrevVertex, v.Delta.Prev.Kind)
	assert.Equal(t, PrevDelta, v.Delta.Next.Prev.Kind)
	assert.Same(t, v.Delta, v.Delta.Next.Prev.Delta)
}
