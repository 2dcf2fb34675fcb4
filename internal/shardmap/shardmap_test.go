package shardmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
)

func intKey(values ...int64) msgs.PrimaryKey {
	pk := make(msgs.PrimaryKey, len(values))
	for i, v := range values {
		pk[i] = msgs.IntValue(v)
	}
	return pk
}

func testMap(t *testing.T) (*ShardMap, msgs.LabelId) {
	t.Helper()
	m := New()
	prop1 := m.RegisterProperty("property_1")
	prop2 := m.RegisterProperty("property_2")
	schema := []SchemaProperty{
		{PropertyId: prop1, Type: msgs.KindInt64},
		{PropertyId: prop2, Type: msgs.KindInt64},
	}
	splitPoints := []msgs.PrimaryKey{intKey(0, 0), intKey(100, 0), intKey(200, 0)}
	replicas := []Replica{{Address: "n1:7690", IsLeaderHint: true}}
	label, err := m.InitializeLabel("test_label", schema, 1, splitPoints, replicas)
	require.NoError(t, err)
	m.Version = hlc.Hlc{LogicalId: 1}
	return m, label
}

func TestRegistriesAreAppendOnly(t *testing.T) {
	m := New()
	first := m.RegisterProperty("name")
	second := m.RegisterProperty("age")
	again := m.RegisterProperty("name")

	assert.Equal(t, first, again)
	assert.NotEqual(t, first, second)

	et := m.RegisterEdgeType("knows")
	got, ok := m.GetEdgeTypeId("knows")
	assert.True(t, ok)
	assert.Equal(t, et, got)
}

func TestGetShardForKey(t *testing.T) {
	m, label := testMap(t)

	tests := []struct {
		name    string
		key     msgs.PrimaryKey
		wantLow msgs.PrimaryKey
	}{
		{"lowest shard", intKey(0, 0), intKey(0, 0)},
		{"inside first range", intKey(13, 13), intKey(0, 0)},
		{"exact split point", intKey(100, 0), intKey(100, 0)},
		{"inside middle range", intKey(150, 5), intKey(100, 0)},
		{"last shard unbounded", intKey(100000, 0), intKey(200, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shard, err := m.GetShardForKey(label, tt.key)
			require.NoError(t, err)
			assert.Equal(t, 0, msgs.ComparePrimaryKeys(tt.wantLow, shard.LowKey))
		})
	}

	_, err := m.GetShardForKey(label, intKey(-5, 0))
	assert.Error(t, err)
}

func TestShardReplicaAddressesCarryGroup(t *testing.T) {
	m, label := testMap(t)
	shard, err := m.GetShardForKey(label, intKey(0, 0))
	require.NoError(t, err)
	require.Len(t, shard.Replicas, 1)
	assert.Equal(t, msgs.Address("n1:7690/"+shard.GroupId()), shard.Replicas[0].Address)
}

func TestSplitShard(t *testing.T) {
	m, label := testMap(t)

	err := m.SplitShard(m.Version, label, intKey(50, 0), hlc.Hlc{LogicalId: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Version.LogicalId)

	shards, err := m.GetShardsForLabel(label)
	require.NoError(t, err)
	require.Len(t, shards, 4)

	child, err := m.GetShardForKey(label, intKey(75, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, msgs.ComparePrimaryKeys(intKey(50, 0), child.LowKey))

	parent, err := m.GetShardForKey(label, intKey(25, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, msgs.ComparePrimaryKeys(intKey(0, 0), parent.LowKey))

	// The child inherits the parent's replica hosts under its own group.
	require.Len(t, child.Replicas, 1)
	assert.Equal(t, msgs.Address("n1:7690/"+child.GroupId()), child.Replicas[0].Address)
}

func TestSplitShardOptimisticConcurrency(t *testing.T) {
	m, label := testMap(t)

	stale := hlc.Hlc{LogicalId: 0}
	err := m.SplitShard(stale, label, intKey(50, 0), hlc.Hlc{LogicalId: 2})
	require.Error(t, err)
	shardErr, ok := err.(*msgs.ShardError)
	require.True(t, ok)
	assert.Equal(t, msgs.CodeConflict, shardErr.Code)

	// Splitting at an existing low key is a conflict too.
	err = m.SplitShard(m.Version, label, intKey(100, 0), hlc.Hlc{LogicalId: 2})
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	m, label := testMap(t)
	cloned := m.Clone()

	require.NoError(t, cloned.SplitShard(cloned.Version, label, intKey(50, 0), hlc.Hlc{LogicalId: 2}))

	originalShards, err := m.GetShardsForLabel(label)
	require.NoError(t, err)
	clonedShards, err := cloned.GetShardsForLabel(label)
	require.NoError(t, err)
	assert.Len(t, originalShards, 3)
	assert.Len(t, clonedShards, 4)
}
