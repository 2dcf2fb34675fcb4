package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// loopbackProposer applies writes directly, standing in for a
// single-replica RSM.
type loopbackProposer struct {
	coord *Coordinator
}

func (p *loopbackProposer) Propose(_ context.Context, payload []byte) ([]byte, error) {
	return p.coord.Apply(payload)
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	coord := New(cfg, nil)
	coord.SetProposer(&loopbackProposer{coord: coord})
	coord.OnLeadershipChange(true)
	return coord
}

func readHlc(t *testing.T, coord *Coordinator, lastVersion hlc.Hlc) *HlcResponse {
	t.Helper()
	payload, err := json.Marshal(ReadRequest{Hlc: &HlcRequest{LastShardMapVersion: lastVersion}})
	require.NoError(t, err)
	raw, err := coord.Read(payload)
	require.NoError(t, err)
	var resp ReadResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Hlc)
	return resp.Hlc
}

func applyWrite(t *testing.T, coord *Coordinator, req WriteRequest) *WriteResponse {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	raw, err := coord.Apply(payload)
	require.NoError(t, err)
	var resp WriteResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func intKey(values ...int64) msgs.PrimaryKey {
	pk := make(msgs.PrimaryKey, len(values))
	for i, v := range values {
		pk[i] = msgs.IntValue(v)
	}
	return pk
}

func initializeTestLabel(t *testing.T, coord *Coordinator) msgs.LabelId {
	t.Helper()
	resp := applyWrite(t, coord, WriteRequest{InitializeLabel: &InitializeLabelRequest{
		Name: "test_label",
		Schema: []SchemaPropertyDef{
			{Name: "property_1", Type: msgs.KindInt64},
			{Name: "property_2", Type: msgs.KindInt64},
		},
		EdgeTypes:         []string{"edge_type"},
		ReplicationFactor: 1,
		SplitPoints:       []msgs.PrimaryKey{intKey(0, 0), intKey(100, 0)},
		Replicas:          []shardmap.Replica{{Address: "n1:7690", IsLeaderHint: true}},
	}})
	require.NotNil(t, resp.InitializeLabel)
	require.True(t, resp.InitializeLabel.Success)
	return resp.InitializeLabel.LabelId
}

func TestHlcAllocationIsStrictlyMonotone(t *testing.T) {
	coord := newTestCoordinator(t, Config{BatchSize: 16, PreallocateMargin: 4})

	var last uint64
	for i := 0; i < 100; i++ {
		resp := readHlc(t, coord, hlc.Zero)
		assert.Greater(t, resp.NewHlc.LogicalId, last)
		last = resp.NewHlc.LogicalId
	}
}

func TestHlcNeverReusedAcrossLeaderships(t *testing.T) {
	coord := newTestCoordinator(t, Config{BatchSize: 200, PreallocateMargin: 1})

	var highest uint64
	for i := 0; i < 100; i++ {
		highest = readHlc(t, coord, hlc.Zero).NewHlc.LogicalId
	}
	require.LessOrEqual(t, highest, uint64(200))

	// The old leader crashes: only the replicated snapshot survives.
	snapshot, err := coord.Snapshot()
	require.NoError(t, err)

	successor := New(Config{BatchSize: 200, PreallocateMargin: 1}, nil)
	require.NoError(t, successor.Restore(snapshot))
	successor.SetProposer(&loopbackProposer{coord: successor})
	successor.OnLeadershipChange(true)

	// Even though ids 101..200 were reserved but never issued, the new
	// leader must start above the whole reserved window.
	first := readHlc(t, successor, hlc.Zero).NewHlc.LogicalId
	assert.Greater(t, first, uint64(200))
}

func TestHlcResponsePiggybacksFresherShardMap(t *testing.T) {
	coord := newTestCoordinator(t, Config{})
	initializeTestLabel(t, coord)

	stale := readHlc(t, coord, hlc.Zero)
	require.NotNil(t, stale.FresherShardMap)
	version := stale.FresherShardMap.Version

	fresh := readHlc(t, coord, version)
	assert.Nil(t, fresh.FresherShardMap)
}

func TestSplitShardOptimisticConcurrency(t *testing.T) {
	coord := newTestCoordinator(t, Config{})
	label := initializeTestLabel(t, coord)
	version := coord.ShardMap().Version

	resp := applyWrite(t, coord, WriteRequest{SplitShard: &SplitShardRequest{
		PreviousShardMapVersion: version,
		Label:                   label,
		SplitKey:                intKey(50, 0),
	}})
	require.NotNil(t, resp.SplitShard)
	assert.True(t, resp.SplitShard.Success)

	// Re-applying with the now-stale version is the conflict path.
	resp = applyWrite(t, coord, WriteRequest{SplitShard: &SplitShardRequest{
		PreviousShardMapVersion: version,
		Label:                   label,
		SplitKey:                intKey(60, 0),
	}})
	require.NotNil(t, resp.SplitShard)
	assert.False(t, resp.SplitShard.Success)
	require.NotNil(t, resp.SplitShard.Error)
	assert.Equal(t, msgs.CodeConflict, resp.SplitShard.Error.Code)

	shards, err := coord.ShardMap().GetShardsForLabel(label)
	require.NoError(t, err)
	assert.Len(t, shards, 3)
}

func TestInitializeLabelIsIdempotent(t *testing.T) {
	coord := newTestCoordinator(t, Config{})
	first := initializeTestLabel(t, coord)
	second := initializeTestLabel(t, coord)
	assert.Equal(t, first, second)
}

func TestStoragePoolRegistration(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	applyWrite(t, coord, WriteRequest{RegisterStorageEngine: &RegisterStorageEngineRequest{Address: "n2:7690"}})
	applyWrite(t, coord, WriteRequest{RegisterStorageEngine: &RegisterStorageEngineRequest{Address: "n1:7690"}})

	// With no explicit replicas the pool supplies placement, ordered
	// deterministically.
	resp := applyWrite(t, coord, WriteRequest{InitializeLabel: &InitializeLabelRequest{
		Name:              "pooled_label",
		Schema:            []SchemaPropertyDef{{Name: "pk", Type: msgs.KindInt64}},
		ReplicationFactor: 2,
		SplitPoints:       []msgs.PrimaryKey{intKey(0)},
	}})
	require.True(t, resp.InitializeLabel.Success)

	shards, err := coord.ShardMap().GetShardsForLabel(resp.InitializeLabel.LabelId)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	require.Len(t, shards[0].Replicas, 2)
	assert.Contains(t, string(shards[0].Replicas[0].Address), "n1:7690")

	applyWrite(t, coord, WriteRequest{DeregisterStorageEngine: &DeregisterStorageEngineRequest{Address: "n1:7690"}})
}
