package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// Proposer replicates a coordinator write through the RSM log. The
// production implementation is the rsm.Node hosting this coordinator; a
// loopback suffices for single-replica tests.
type Proposer interface {
	Propose(ctx context.Context, payload []byte) ([]byte, error)
}

// Config tunes HLC batch allocation.
type Config struct {
	// BatchSize is the number of timestamps reserved per batch.
	BatchSize uint64
	// PreallocateMargin triggers a background batch reservation when the
	// unused window shrinks below it.
	PreallocateMargin uint64
}

// DefaultConfig returns the allocation parameters used when none are
// supplied.
func DefaultConfig() Config {
	return Config{BatchSize: 1024, PreallocateMargin: 128}
}

// Coordinator is the replicated coordinator state machine. Replicated
// state (the shard map, the storage pool, the reserved ceiling) only
// changes in Apply; the handed-out watermark is leader-volatile and
// resets to the reserved ceiling on every leadership change, which is
// what keeps issued timestamps strictly monotone across leaderships.
type Coordinator struct {
	mu sync.Mutex

	shardMap    *shardmap.ShardMap
	storagePool map[msgs.Address]struct{}

	highestReserved  uint64
	highestAllocated uint64

	config    Config
	proposer  Proposer
	reserving bool

	logger *zap.Logger
}

// New builds a coordinator state machine.
func New(cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PreallocateMargin == 0 {
		cfg.PreallocateMargin = DefaultConfig().PreallocateMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		shardMap:    shardmap.New(),
		storagePool: make(map[msgs.Address]struct{}),
		config:      cfg,
		logger:      logger,
	}
}

// SetProposer wires the RSM proposer. Must be called before the node
// serves requests.
func (c *Coordinator) SetProposer(p Proposer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposer = p
}

// OnLeadershipChange implements the rsm leadership hook. A fresh leader
// must reserve a batch strictly above anything a previous leader could
// have issued before handing out a single timestamp.
func (c *Coordinator) OnLeadershipChange(isLeader bool) {
	c.mu.Lock()
	c.highestAllocated = c.highestReserved
	proposer := c.proposer
	c.mu.Unlock()

	if !isLeader || proposer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.reserveBatch(ctx); err != nil {
		c.logger.Warn("initial batch reservation failed", zap.Error(err))
	}
}

// Read serves HlcRequest and GetShardMap on the leader.
func (c *Coordinator) Read(payload []byte) ([]byte, error) {
	var req ReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal coordinator read: %w", err)
	}

	var resp ReadResponse
	switch {
	case req.Hlc != nil:
		hlcResp, err := c.allocateHlc(req.Hlc)
		if err != nil {
			return nil, err
		}
		resp.Hlc = hlcResp
	case req.GetShardMap != nil:
		c.mu.Lock()
		resp.GetShardMap = &GetShardMapResponse{ShardMap: c.shardMap.Clone()}
		c.mu.Unlock()
	default:
		return nil, fmt.Errorf("empty coordinator read request")
	}
	return json.Marshal(resp)
}

// allocateHlc hands out the next timestamp below the reserved ceiling,
// reserving a fresh batch synchronously when the window is exhausted and
// in the background when it runs low.
func (c *Coordinator) allocateHlc(req *HlcRequest) (*HlcResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		if c.highestAllocated < c.highestReserved {
			c.highestAllocated++
			resp := &HlcResponse{NewHlc: hlc.Hlc{
				LogicalId:            c.highestAllocated,
				CoordinatorWallClock: time.Now(),
			}}
			if req.LastShardMapVersion.Less(c.shardMap.Version) {
				resp.FresherShardMap = c.shardMap.Clone()
			}
			margin := c.highestReserved - c.highestAllocated
			needAsync := margin < c.config.PreallocateMargin && !c.reserving && c.proposer != nil
			if needAsync {
				c.reserving = true
			}
			c.mu.Unlock()

			if needAsync {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := c.reserveBatch(ctx); err != nil {
						c.logger.Warn("background batch reservation failed", zap.Error(err))
					}
					c.mu.Lock()
					c.reserving = false
					c.mu.Unlock()
				}()
			}
			return resp, nil
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.reserveBatch(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("hlc window exhausted and reservation failed: %w", err)
		}
	}
	return nil, fmt.Errorf("hlc window exhausted")
}

// reserveBatch proposes an AllocateHlcBatch write extending the
// reserved ceiling by one batch.
func (c *Coordinator) reserveBatch(ctx context.Context) error {
	c.mu.Lock()
	proposer := c.proposer
	req := WriteRequest{AllocateHlcBatch: &AllocateHlcBatchRequest{
		Low:  c.highestReserved + 1,
		High: c.highestReserved + c.config.BatchSize,
	}}
	c.mu.Unlock()
	if proposer == nil {
		return fmt.Errorf("no proposer wired")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	result, err := proposer.Propose(ctx, payload)
	if err != nil {
		return err
	}
	var resp WriteResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return err
	}
	if resp.AllocateHlcBatch == nil || !resp.AllocateHlcBatch.Success {
		return fmt.Errorf("batch reservation rejected")
	}
	return nil
}

// Apply applies a replicated coordinator write. Applications are
// deterministic and idempotent; the RSM may deliver a write more than
// once.
func (c *Coordinator) Apply(payload []byte) ([]byte, error) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal coordinator write: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var resp WriteResponse
	switch {
	case req.AllocateHlcBatch != nil:
		resp.AllocateHlcBatch = c.applyAllocateBatch(req.AllocateHlcBatch)
	case req.SplitShard != nil:
		resp.SplitShard = c.applySplitShard(req.SplitShard)
	case req.InitializeLabel != nil:
		resp.InitializeLabel = c.applyInitializeLabel(req.InitializeLabel)
	case req.RegisterStorageEngine != nil:
		c.storagePool[req.RegisterStorageEngine.Address] = struct{}{}
		resp.RegisterStorageEngine = &RegisterStorageEngineResponse{Success: true}
	case req.DeregisterStorageEngine != nil:
		delete(c.storagePool, req.DeregisterStorageEngine.Address)
		resp.DeregisterStorageEngine = &DeregisterStorageEngineResponse{Success: true}
	default:
		return nil, fmt.Errorf("empty coordinator write request")
	}
	return json.Marshal(resp)
}

func (c *Coordinator) applyAllocateBatch(req *AllocateHlcBatchRequest) *AllocateHlcBatchResponse {
	if req.High < c.highestReserved {
		return &AllocateHlcBatchResponse{Success: false, Low: req.Low, High: req.High}
	}
	if req.High > c.highestReserved {
		c.highestReserved = req.High
		c.logger.Info("hlc batch reserved",
			zap.Uint64("low", req.Low),
			zap.Uint64("high", req.High))
	}
	return &AllocateHlcBatchResponse{Success: true, Low: req.Low, High: req.High}
}

// nextMapVersion derives the successor shard map version. Map versions
// live in their own monotone sequence; determinism across replicas
// matters more than sharing the transaction timestamp space.
func (c *Coordinator) nextMapVersion() hlc.Hlc {
	return hlc.Hlc{
		LogicalId:            c.shardMap.Version.LogicalId + 1,
		CoordinatorWallClock: c.shardMap.Version.CoordinatorWallClock,
	}
}

func (c *Coordinator) applySplitShard(req *SplitShardRequest) *SplitShardResponse {
	err := c.shardMap.SplitShard(req.PreviousShardMapVersion, req.Label, req.SplitKey, c.nextMapVersion())
	if err != nil {
		if shardErr, ok := err.(*msgs.ShardError); ok {
			// Re-applied split: the version already moved past the
			// caller's expectation, which is exactly what a duplicate
			// delivery looks like. The conflict answer is still correct
			// for a genuinely stale caller.
			return &SplitShardResponse{Success: false, Error: shardErr}
		}
		return &SplitShardResponse{Success: false, Error: msgs.NewShardError(msgs.CodeInternal, "%v", err)}
	}
	c.logger.Info("shard split applied",
		zap.Uint64("label", uint64(req.Label)),
		zap.Uint64("map_version", c.shardMap.Version.LogicalId))
	return &SplitShardResponse{Success: true}
}

func (c *Coordinator) applyInitializeLabel(req *InitializeLabelRequest) *InitializeLabelResponse {
	if id, ok := c.shardMap.GetLabelId(req.Name); ok {
		// Re-applied initialization.
		return &InitializeLabelResponse{Success: true, LabelId: id}
	}
	replicas := req.Replicas
	if len(replicas) == 0 {
		replicas = c.replicasFromPool(req.ReplicationFactor)
	}
	schema := make([]shardmap.SchemaProperty, len(req.Schema))
	for i, def := range req.Schema {
		schema[i] = shardmap.SchemaProperty{
			PropertyId: c.shardMap.RegisterProperty(def.Name),
			Type:       def.Type,
		}
	}
	for _, name := range req.EdgeTypes {
		c.shardMap.RegisterEdgeType(name)
	}
	id, err := c.shardMap.InitializeLabel(req.Name, schema, req.ReplicationFactor, req.SplitPoints, replicas)
	if err != nil {
		return &InitializeLabelResponse{Success: false, Error: msgs.NewShardError(msgs.CodeInternal, "%v", err)}
	}
	c.shardMap.Version = c.nextMapVersion()
	return &InitializeLabelResponse{Success: true, LabelId: id}
}

// replicasFromPool picks placement targets deterministically from the
// registered storage pool.
func (c *Coordinator) replicasFromPool(replicationFactor int) []shardmap.Replica {
	addrs := make([]string, 0, len(c.storagePool))
	for addr := range c.storagePool {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)
	if replicationFactor <= 0 || replicationFactor > len(addrs) {
		replicationFactor = len(addrs)
	}
	replicas := make([]shardmap.Replica, 0, replicationFactor)
	for i := 0; i < replicationFactor; i++ {
		replicas = append(replicas, shardmap.Replica{
			Address:      msgs.Address(addrs[i]),
			IsLeaderHint: i == 0,
		})
	}
	return replicas
}

// ShardMap returns a copy of the current map, for observability.
func (c *Coordinator) ShardMap() *shardmap.ShardMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shardMap.Clone()
}

// snapshotState is the persisted coordinator image: the shard map and
// the reserved ceiling. The handed-out watermark is deliberately absent;
// recovery re-reserves above the ceiling.
type snapshotState struct {
	ShardMap        *shardmap.ShardMap `json:"shard_map"`
	HighestReserved uint64             `json:"highest_reserved"`
	StoragePool     []msgs.Address     `json:"storage_pool"`
}

// Snapshot serializes the replicated state.
func (c *Coordinator) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool := make([]msgs.Address, 0, len(c.storagePool))
	for addr := range c.storagePool {
		pool = append(pool, addr)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i] < pool[j] })
	return json.Marshal(snapshotState{
		ShardMap:        c.shardMap,
		HighestReserved: c.highestReserved,
		StoragePool:     pool,
	})
}

// Restore loads a snapshot. The handed-out watermark resets to the
// reserved ceiling, so a restored leader can never reuse an id.
func (c *Coordinator) Restore(data []byte) error {
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shardMap = state.ShardMap
	if c.shardMap == nil {
		c.shardMap = shardmap.New()
	}
	c.highestReserved = state.HighestReserved
	c.highestAllocated = state.HighestReserved
	c.storagePool = make(map[msgs.Address]struct{}, len(state.StoragePool))
	for _, addr := range state.StoragePool {
		c.storagePool[addr] = struct{}{}
	}
	return nil
}
