package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/msgs"
)

// scanOn reads every visible vertex of an engine at the given snapshot.
func scanOn(t *testing.T, s *ShardEngine, tx uint64, view msgs.StorageView) []msgs.ScanResultRow {
	t.Helper()
	resp := s.HandleRead(msgs.StorageReadRequest{ScanVertices: &msgs.ScanVerticesRequest{
		TransactionId: txn(tx),
		StartId:       msgs.VertexId{Label: testLabel, PrimaryKey: s.LowKey()},
		StorageView:   view,
	}})
	require.NotNil(t, resp.ScanVertices)
	require.Nil(t, resp.ScanVertices.Error)
	return resp.ScanVertices.Results
}

func TestSplitMovesSuffixAndPreservesReads(t *testing.T) {
	parent := newTestEngine(t)

	setup := txn(1)
	createVertex(t, parent, setup, intKey(1, 1), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(1)})
	createVertex(t, parent, setup, intKey(100, 100), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(100)})
	createVertex(t, parent, setup, intKey(1000, 1000), map[msgs.PropertyId]msgs.Value{2: msgs.IntValue(1000)})
	commit(t, parent, setup, txn(2))

	// An open transaction with pending deltas on a vertex that moves.
	open := txn(5)
	resp := parent.ApplyWrite(msgs.StorageWriteRequest{UpdateVertices: &msgs.UpdateVerticesRequest{
		TransactionId: open,
		NewProperties: []msgs.UpdateVertexProp{{
			Vertex:          msgs.VertexId{Label: testLabel, PrimaryKey: intKey(100, 100)},
			PropertyUpdates: []msgs.PropertyUpdate{{Property: 2, Value: msgs.IntValue(777)}},
		}},
	}})
	require.Nil(t, resp.UpdateVertices.Error)

	data, err := parent.PerformSplit(intKey(50, 0))
	require.NoError(t, err)
	child := NewShardEngineFromSplit(data, DefaultConfig(), nil)

	// Ranges: parent [0, (50,0)), child [(50,0), inf).
	parentRows := scanOn(t, parent, 10, msgs.ViewOld)
	require.Len(t, parentRows, 1)
	assert.Equal(t, 0, msgs.ComparePrimaryKeys(intKey(1, 1), parentRows[0].Vertex.Id.PrimaryKey))

	childRows := scanOn(t, child, 10, msgs.ViewOld)
	require.Len(t, childRows, 2)
	assert.Equal(t, int64(100), childRows[0].Props[2].Int)
	assert.Equal(t, int64(1000), childRows[1].Props[2].Int)

	// The open transaction's pending value is visible on the child under
	// the NEW view and invisible under OLD, exactly as pre-split.
	childNew := scanOn(t, child, 5, msgs.ViewNew)
	require.Len(t, childNew, 2)
	assert.Equal(t, int64(777), childNew[0].Props[2].Int)

	childOld := scanOn(t, child, 5, msgs.ViewOld)
	assert.Equal(t, int64(100), childOld[0].Props[2].Int)

	// The cloned transaction owns the moved chain: committing on the
	// child publishes the pending value.
	commit(t, child, open, txn(6))
	committed := scanOn(t, child, 7, msgs.ViewOld)
	assert.Equal(t, int64(777), committed[0].Props[2].Int)

	// Readers between the open transaction's start and its commit still
	// see the old value.
	before := scanOn(t, child, 6, msgs.ViewOld)
	assert.Equal(t, int64(100), before[0].Props[2].Int)
}

func TestSplitClonesReferencedTransactionsOnly(t *testing.T) {
	parent := newTestEngine(t)

	committed := txn(1)
	createVertex(t, parent, committed, intKey(10, 10), nil)
	createVertex(t, parent, committed, intKey(100, 100), nil)
	commit(t, parent, committed, txn(2))

	open := txn(5)
	resp := parent.ApplyWrite(msgs.StorageWriteRequest{UpdateVertices: &msgs.UpdateVerticesRequest{
		TransactionId: open,
		NewProperties: []msgs.UpdateVertexProp{{
			Vertex:          msgs.VertexId{Label: testLabel, PrimaryKey: intKey(100, 100)},
			PropertyUpdates: []msgs.PropertyUpdate{{Property: 2, Value: msgs.IntValue(1)}},
		}},
	}})
	require.Nil(t, resp.UpdateVertices.Error)

	data, err := parent.PerformSplit(intKey(50, 0))
	require.NoError(t, err)

	// Only the pending transaction is cloned; committed history is
	// frozen into the moved records.
	require.Len(t, data.Transactions, 1)
	clone, ok := data.Transactions[open.LogicalId]
	require.True(t, ok)
	require.Len(t, clone.Deltas, 1)

	// The moved vertex's head is the clone, not the original delta, and
	// its prev pointer targets the moved vertex itself.
	require.Len(t, data.Vertices, 1)
	moved := data.Vertices[0]
	assert.Same(t, clone.Deltas[0], moved.Delta)
	assert.Equal(t, PrevVertex, moved.Delta.Prev.Kind)
	assert.Same(t, moved, moved.Delta.Prev.Vertex)

	// Clones keep the original delta's uuid for identity tracking.
	original := parent.transactions[open.LogicalId]
	assert.Equal(t, original.Deltas[0].Uuid, clone.Deltas[0].Uuid)
	assert.NotSame(t, original.Deltas[0], clone.Deltas[0])
}

func TestSplitCrossRangeEdgeKeepsReference(t *testing.T) {
	parent := newTestEngine(t)
	tx := txn(1)
	createVertex(t, parent, tx, intKey(1, 1), nil)
	createVertex(t, parent, tx, intKey(100, 100), nil)
	createEdge(t, parent, tx, 0, intKey(1, 1), intKey(100, 100))
	commit(t, parent, tx, txn(2))

	data, err := parent.PerformSplit(intKey(50, 0))
	require.NoError(t, err)
	child := NewShardEngineFromSplit(data, DefaultConfig(), nil)

	// The edge record stays with the parent's endpoint; the child holds
	// a reference-only entry.
	assert.Empty(t, data.Edges)
	_, stillLocal := parent.edges[msgs.Gid(0)]
	assert.True(t, stillLocal)

	resp := child.HandleRead(msgs.StorageReadRequest{ExpandOne: &msgs.ExpandOneRequest{
		TransactionId: txn(5),
		SrcVertices:   []msgs.VertexId{{Label: testLabel, PrimaryKey: intKey(100, 100)}},
		Direction:     msgs.DirectionIn,
		StorageView:   msgs.ViewOld,
	}})
	require.Nil(t, resp.ExpandOne.Error)
	require.Len(t, resp.ExpandOne.Result, 1)
	require.Len(t, resp.ExpandOne.Result[0].Edges, 1)
	assert.Equal(t, msgs.Gid(0), resp.ExpandOne.Result[0].Edges[0].Gid)

	// An edge wholly inside the moved range moves with its record.
	parent2 := newTestEngine(t)
	tx2 := txn(1)
	createVertex(t, parent2, tx2, intKey(100, 100), nil)
	createVertex(t, parent2, tx2, intKey(200, 200), nil)
	createEdge(t, parent2, tx2, 7, intKey(100, 100), intKey(200, 200))
	commit(t, parent2, tx2, txn(2))

	data2, err := parent2.PerformSplit(intKey(50, 0))
	require.NoError(t, err)
	assert.Len(t, data2.Edges, 1)
	_, movedAway := parent2.edges[msgs.Gid(7)]
	assert.False(t, movedAway)
}

func TestSplitKeyMustBeOwned(t *testing.T) {
	parent := NewShardEngine(testLabel, testSchema(), intKey(0, 0), intKey(50, 0), DefaultConfig(), nil)
	_, err := parent.PerformSplit(intKey(60, 0))
	assert.Error(t, err)
}
