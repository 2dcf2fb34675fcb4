// Package coordinator implements the replicated coordinator state
// machine: the authoritative shard map, the storage-engine pool, and
// hybrid-logical-clock allocation.
package coordinator

import (
	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// HlcRequest asks the leader for the next transaction timestamp. It
// carries the caller's last known shard map version so a stale caller
// gets the fresh map piggybacked on the reply.
type HlcRequest struct {
	LastShardMapVersion hlc.Hlc `json:"last_shard_map_version"`
}

// HlcResponse returns the allocated timestamp and, when the caller was
// stale, the whole current shard map. Callers must replace their cached
// map atomically when FresherShardMap is present.
type HlcResponse struct {
	NewHlc          hlc.Hlc            `json:"new_hlc"`
	FresherShardMap *shardmap.ShardMap `json:"fresher_shard_map,omitempty"`
}

// GetShardMapRequest reads the whole shard map.
type GetShardMapRequest struct{}

// GetShardMapResponse carries the current shard map.
type GetShardMapResponse struct {
	ShardMap *shardmap.ShardMap `json:"shard_map"`
}

// AllocateHlcBatchRequest reserves the timestamp range [Low, High]
// through the log so the leader can hand out ids up to High without
// further consensus.
type AllocateHlcBatchRequest struct {
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
}

// AllocateHlcBatchResponse reports the reservation outcome.
type AllocateHlcBatchResponse struct {
	Success bool   `json:"success"`
	Low     uint64 `json:"low"`
	High    uint64 `json:"high"`
}

// SplitShardRequest splits the shard owning SplitKey. It fails with a
// conflict when the caller's map version is stale.
type SplitShardRequest struct {
	PreviousShardMapVersion hlc.Hlc         `json:"previous_shard_map_version"`
	Label                   msgs.LabelId    `json:"label"`
	SplitKey                msgs.PrimaryKey `json:"split_key"`
}

// SplitShardResponse reports the split outcome.
type SplitShardResponse struct {
	Success bool             `json:"success"`
	Error   *msgs.ShardError `json:"error,omitempty"`
}

// SchemaPropertyDef names one primary-key component; the coordinator
// registers the property name and assigns its id.
type SchemaPropertyDef struct {
	Name string         `json:"name"`
	Type msgs.ValueKind `json:"type"`
}

// InitializeLabelRequest registers a label with its schema and creates
// its label space pre-split at the given points. Edge type names used
// with the label may be registered alongside.
type InitializeLabelRequest struct {
	Name              string              `json:"name"`
	Schema            []SchemaPropertyDef `json:"schema"`
	EdgeTypes         []string            `json:"edge_types,omitempty"`
	ReplicationFactor int                 `json:"replication_factor"`
	SplitPoints       []msgs.PrimaryKey   `json:"split_points"`
	Replicas          []shardmap.Replica  `json:"replicas"`
}

// InitializeLabelResponse reports the created label id.
type InitializeLabelResponse struct {
	Success bool             `json:"success"`
	LabelId msgs.LabelId     `json:"label_id"`
	Error   *msgs.ShardError `json:"error,omitempty"`
}

// RegisterStorageEngineRequest adds a storage node to the placement
// pool.
type RegisterStorageEngineRequest struct {
	Address msgs.Address `json:"address"`
}

// RegisterStorageEngineResponse reports the registration outcome.
type RegisterStorageEngineResponse struct {
	Success bool `json:"success"`
}

// DeregisterStorageEngineRequest removes a storage node from the pool.
type DeregisterStorageEngineRequest struct {
	Address msgs.Address `json:"address"`
}

// DeregisterStorageEngineResponse reports the deregistration outcome.
type DeregisterStorageEngineResponse struct {
	Success bool `json:"success"`
}

// ReadRequest is the coordinator read union. Exactly one field is set.
type ReadRequest struct {
	Hlc         *HlcRequest         `json:"hlc,omitempty"`
	GetShardMap *GetShardMapRequest `json:"get_shard_map,omitempty"`
}

// ReadResponse is the coordinator read response union.
type ReadResponse struct {
	Hlc         *HlcResponse         `json:"hlc,omitempty"`
	GetShardMap *GetShardMapResponse `json:"get_shard_map,omitempty"`
}

// WriteRequest is the coordinator write union. Exactly one field is
// set.
type WriteRequest struct {
	AllocateHlcBatch        *AllocateHlcBatchRequest        `json:"allocate_hlc_batch,omitempty"`
	SplitShard              *SplitShardRequest              `json:"split_shard,omitempty"`
	InitializeLabel         *InitializeLabelRequest         `json:"initialize_label,omitempty"`
	RegisterStorageEngine   *RegisterStorageEngineRequest   `json:"register_storage_engine,omitempty"`
	DeregisterStorageEngine *DeregisterStorageEngineRequest `json:"deregister_storage_engine,omitempty"`
}

// WriteResponse is the coordinator write response union.
type WriteResponse struct {
	AllocateHlcBatch        *AllocateHlcBatchResponse        `json:"allocate_hlc_batch,omitempty"`
	SplitShard              *SplitShardResponse              `json:"split_shard,omitempty"`
	InitializeLabel         *InitializeLabelResponse         `json:"initialize_label,omitempty"`
	RegisterStorageEngine   *RegisterStorageEngineResponse   `json:"register_storage_engine,omitempty"`
	DeregisterStorageEngine *DeregisterStorageEngineResponse `json:"deregister_storage_engine,omitempty"`
}
