package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/shardmap"
	"github.com/filigreedb/filigree/internal/storage"
)

func intKey(values ...int64) msgs.PrimaryKey {
	pk := make(msgs.PrimaryKey, len(values))
	for i, v := range values {
		pk[i] = msgs.IntValue(v)
	}
	return pk
}

func testShardMap(t *testing.T) (*shardmap.ShardMap, msgs.LabelId) {
	t.Helper()
	m := shardmap.New()
	prop := m.RegisterProperty("pk")
	label, err := m.InitializeLabel("things",
		[]shardmap.SchemaProperty{{PropertyId: prop, Type: msgs.KindInt64}},
		1,
		[]msgs.PrimaryKey{intKey(0), intKey(100)},
		[]shardmap.Replica{{Address: "n1:7690", IsLeaderHint: true}},
	)
	require.NoError(t, err)
	m.Version = hlc.Hlc{LogicalId: 1}
	return m, label
}

func newTestHost(t *testing.T) (*Host, *rsm.MemoryNetwork) {
	t.Helper()
	network := rsm.NewMemoryNetwork()
	host := NewHost("n1:7690", network, RaftSettings{TickInterval: 5 * time.Millisecond}, storage.DefaultConfig(), nil, nil)
	host.SetRegisterHook(network.Register)
	t.Cleanup(host.Stop)
	return host, network
}

func TestReconcileMaterializesReplicatedShards(t *testing.T) {
	host, _ := newTestHost(t)
	m, label := testShardMap(t)

	require.NoError(t, host.ReconcileShardMap(m))

	shards, err := m.GetShardsForLabel(label)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	for _, shard := range shards {
		_, served := host.Node(shard.GroupId())
		assert.True(t, served, "shard %s not served", shard.Key())
		_, hasEngine := host.Engine(shard.GroupId())
		assert.True(t, hasEngine)
	}

	// Re-reconciling the same map is a no-op.
	require.NoError(t, host.ReconcileShardMap(m))
}

func TestReconcileDrivesSplitOnMapChange(t *testing.T) {
	host, _ := newTestHost(t)
	m, label := testShardMap(t)
	require.NoError(t, host.ReconcileShardMap(m))

	parent, err := m.GetShardForKey(label, intKey(10))
	require.NoError(t, err)
	parentEngine, ok := host.Engine(parent.GroupId())
	require.True(t, ok)

	// Seed a vertex that will move with the split.
	resp := parentEngine.ApplyWrite(msgs.StorageWriteRequest{CreateVertices: &msgs.CreateVerticesRequest{
		TransactionId: hlc.Hlc{LogicalId: 1},
		NewVertices: []msgs.NewVertex{{
			LabelIds:   []msgs.LabelId{label},
			PrimaryKey: intKey(70),
		}},
	}})
	require.Nil(t, resp.CreateVertices.Error)
	commitResp := parentEngine.ApplyWrite(msgs.StorageWriteRequest{Commit: &msgs.CommitRequest{
		TransactionId:   hlc.Hlc{LogicalId: 1},
		CommitTimestamp: hlc.Hlc{LogicalId: 2},
	}})
	require.Nil(t, commitResp.Commit.Error)

	require.NoError(t, m.SplitShard(m.Version, label, intKey(50), hlc.Hlc{LogicalId: 2}))
	require.NoError(t, host.ReconcileShardMap(m))

	child, err := m.GetShardForKey(label, intKey(70))
	require.NoError(t, err)
	childEngine, ok := host.Engine(child.GroupId())
	require.True(t, ok)

	// The moved vertex now answers on the child shard.
	read := childEngine.HandleRead(msgs.StorageReadRequest{ScanVertices: &msgs.ScanVerticesRequest{
		TransactionId: hlc.Hlc{LogicalId: 5},
		StartId:       msgs.VertexId{Label: label, PrimaryKey: intKey(50)},
		StorageView:   msgs.ViewOld,
	}})
	require.Nil(t, read.ScanVertices.Error)
	require.Len(t, read.ScanVertices.Results, 1)

	// The parent refuses the moved range.
	stale := parentEngine.HandleRead(msgs.StorageReadRequest{ScanVertices: &msgs.ScanVerticesRequest{
		TransactionId: hlc.Hlc{LogicalId: 5},
		StartId:       msgs.VertexId{Label: label, PrimaryKey: intKey(70)},
		StorageView:   msgs.ViewOld,
	}})
	require.NotNil(t, stale.ScanVertices.Error)
	assert.Equal(t, msgs.CodeNotFound, stale.ScanVertices.Error.Code)
}

func TestHostRefusesForeignShard(t *testing.T) {
	host, _ := newTestHost(t)
	m := shardmap.New()
	prop := m.RegisterProperty("pk")
	label, err := m.InitializeLabel("elsewhere",
		[]shardmap.SchemaProperty{{PropertyId: prop, Type: msgs.KindInt64}},
		1,
		[]msgs.PrimaryKey{intKey(0)},
		[]shardmap.Replica{{Address: "other-host:7690", IsLeaderHint: true}},
	)
	require.NoError(t, err)

	shards, err := m.GetShardsForLabel(label)
	require.NoError(t, err)
	err = host.ServeShard(shards[0], m.Schemas[label], nil)
	assert.Error(t, err)

	// Reconcile just skips shards this host does not replicate.
	require.NoError(t, host.ReconcileShardMap(m))
	_, served := host.Node(shards[0].GroupId())
	assert.False(t, served)
}
