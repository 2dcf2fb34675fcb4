package router

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/coordinator"
	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/metrics"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// RequestRouter owns one client transaction: it obtains the transaction
// timestamp from the coordinator, partitions work per owning shard,
// drives the async per-shard requests to completion and broadcasts the
// commit. It is not safe for concurrent use; the query executor owns
// one router per session.
type RequestRouter struct {
	coordCli *CoordinatorClient
	pool     *RsmStorageClientManager

	shardMap   *shardmap.ShardMap
	labels     *shardmap.NameIdMapper
	properties *shardmap.NameIdMapper
	edgeTypes  *shardmap.NameIdMapper

	transactionId hlc.Hlc
	touchedLabels map[msgs.LabelId]struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRequestRouter builds a router. The caller reaches both the
// coordinator group and every shard group.
func NewRequestRouter(coordCli *CoordinatorClient, caller rsm.Caller, cfg rsm.ClientConfig, logger *zap.Logger, m *metrics.Metrics) *RequestRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestRouter{
		coordCli:      coordCli,
		pool:          NewRsmStorageClientManager(caller, cfg, logger),
		shardMap:      shardmap.New(),
		labels:        shardmap.NewNameIdMapper(),
		properties:    shardmap.NewNameIdMapper(),
		edgeTypes:     shardmap.NewNameIdMapper(),
		touchedLabels: make(map[msgs.LabelId]struct{}),
		logger:        logger,
		metrics:       m,
	}
}

// TransactionId returns the current transaction timestamp.
func (r *RequestRouter) TransactionId() hlc.Hlc { return r.transactionId }

// StartTransaction asks the coordinator for the transaction timestamp
// and adopts a fresher shard map when one is piggybacked.
func (r *RequestRouter) StartTransaction(ctx context.Context) error {
	resp, err := r.coordCli.SendReadRequest(ctx, coordinator.ReadRequest{
		Hlc: &coordinator.HlcRequest{LastShardMapVersion: r.shardMap.GetHlc()},
	})
	if err != nil {
		return fmt.Errorf("hlc request failed: %w", err)
	}
	if resp.Hlc == nil {
		return fmt.Errorf("coordinator returned no hlc")
	}
	r.transactionId = resp.Hlc.NewHlc
	r.touchedLabels = make(map[msgs.LabelId]struct{})
	if resp.Hlc.FresherShardMap != nil {
		r.installShardMap(resp.Hlc.FresherShardMap)
	}
	if r.metrics != nil {
		r.metrics.TransactionsStarted.Inc()
	}
	return nil
}

// installShardMap replaces the cached map atomically, rebuilds the
// name/id registries and purges the pooled shard clients.
func (r *RequestRouter) installShardMap(m *shardmap.ShardMap) {
	r.shardMap = m
	r.setUpNameIdMappers()
	r.pool.PurgeCache()
}

func (r *RequestRouter) setUpNameIdMappers() {
	idToName := make(map[uint64]string, len(r.shardMap.Labels))
	for name, id := range r.shardMap.Labels {
		idToName[uint64(id)] = name
	}
	r.labels.StoreMapping(idToName)

	idToName = make(map[uint64]string, len(r.shardMap.Properties))
	for name, id := range r.shardMap.Properties {
		idToName[uint64(id)] = name
	}
	r.properties.StoreMapping(idToName)

	idToName = make(map[uint64]string, len(r.shardMap.EdgeTypes))
	for name, id := range r.shardMap.EdgeTypes {
		idToName[uint64(id)] = name
	}
	r.edgeTypes.StoreMapping(idToName)
}

// refreshShardMap pulls the authoritative map after a stale-map error.
func (r *RequestRouter) refreshShardMap(ctx context.Context) error {
	resp, err := r.coordCli.SendReadRequest(ctx, coordinator.ReadRequest{
		GetShardMap: &coordinator.GetShardMapRequest{},
	})
	if err != nil {
		return fmt.Errorf("shard map refresh failed: %w", err)
	}
	if resp.GetShardMap == nil || resp.GetShardMap.ShardMap == nil {
		return fmt.Errorf("coordinator returned no shard map")
	}
	r.installShardMap(resp.GetShardMap.ShardMap)
	if r.metrics != nil {
		r.metrics.ShardMapRefreshes.Inc()
	}
	r.logger.Debug("shard map refreshed",
		zap.Uint64("version", r.shardMap.Version.LogicalId))
	return nil
}

// Name/id lookups backed by the cached shard map.

func (r *RequestRouter) NameToLabel(name string) (msgs.LabelId, bool) {
	return r.shardMap.GetLabelId(name)
}

func (r *RequestRouter) NameToProperty(name string) (msgs.PropertyId, bool) {
	return r.shardMap.GetPropertyId(name)
}

func (r *RequestRouter) NameToEdgeType(name string) (msgs.EdgeTypeId, bool) {
	return r.shardMap.GetEdgeTypeId(name)
}

func (r *RequestRouter) LabelToName(id msgs.LabelId) (string, bool) {
	return r.labels.IdToName(uint64(id))
}

func (r *RequestRouter) PropertyToName(id msgs.PropertyId) (string, bool) {
	return r.properties.IdToName(uint64(id))
}

func (r *RequestRouter) EdgeTypeToName(id msgs.EdgeTypeId) (string, bool) {
	return r.edgeTypes.IdToName(uint64(id))
}

// IsPrimaryLabel reports whether the label owns a label space.
func (r *RequestRouter) IsPrimaryLabel(label msgs.LabelId) bool {
	_, ok := r.shardMap.LabelSpaces[label]
	return ok
}

// IsPrimaryKey reports whether the property is part of the label's
// primary key schema.
func (r *RequestRouter) IsPrimaryKey(label msgs.LabelId, property msgs.PropertyId) bool {
	for _, sp := range r.shardMap.Schemas[label] {
		if sp.PropertyId == property {
			return true
		}
	}
	return false
}

func (r *RequestRouter) touch(label msgs.LabelId) {
	r.touchedLabels[label] = struct{}{}
}

func (r *RequestRouter) countShardRequest(op string) {
	if r.metrics != nil {
		r.metrics.ShardRequestsTotal.WithLabelValues(op).Inc()
	}
}

// ScanVertices pulls one page per shard of the label space named by
// state.Label. Callers re-enter with the same state until it completes;
// the per-shard cursors advance through NextStartId.
func (r *RequestRouter) ScanVertices(ctx context.Context, state *ExecutionState[scanShardWork], template msgs.ScanVerticesRequest) ([]msgs.ScanResultRow, error) {
	if err := state.throwIfCompleted(); err != nil {
		return nil, err
	}
	if !state.shallNotInitialize() {
		if err := r.initializeScanState(state, template); err != nil {
			return nil, err
		}
	}
	// Every shard owes one more page this call.
	for i := range state.Requests {
		state.Requests[i].Tracker = Pending
	}

	var rows []msgs.ScanResultRow
	for !scanPageGathered(state) {
		i := 0
		for i < len(state.ShardCache) {
			work := &state.Requests[i]
			if work.Tracker != Pending {
				i++
				continue
			}
			shard := state.ShardCache[i]
			cli := r.pool.GetClient(shard)
			cli.SendAsyncReadRequest(msgs.StorageReadRequest{ScanVertices: &work.Request})
			r.countShardRequest("scan_vertices")

			resp, err := cli.AwaitAsyncReadRequest(ctx)
			if err != nil {
				return nil, fmt.Errorf("scan on shard %s: %w", shard.Key(), err)
			}
			sv := resp.ScanVertices
			if sv == nil {
				return nil, fmt.Errorf("scan on shard %s: malformed response", shard.Key())
			}
			if sv.Error != nil {
				if sv.Error.Code == msgs.CodeNotFound {
					// The shard no longer owns the cursor: re-plan the
					// remaining range of this entry under a fresh map.
					if err := r.replanScanEntry(ctx, state, i); err != nil {
						return nil, err
					}
					continue
				}
				return nil, fmt.Errorf("scan on shard %s: %w", shard.Key(), sv.Error)
			}

			rows = append(rows, sv.Results...)
			switch {
			case sv.NextStartId == nil:
				state.erase(i)
			case work.High != nil && msgs.ComparePrimaryKeys(sv.NextStartId.PrimaryKey, work.High) >= 0:
				// The cursor left this entry's range: the rest belongs
				// to other planned entries.
				state.erase(i)
			default:
				work.Request.StartId = *sv.NextStartId
				work.Tracker = PartiallyFinished
				i++
			}
		}
	}
	state.maybeComplete()
	return rows, nil
}

func scanPageGathered(state *ExecutionState[scanShardWork]) bool {
	for i := range state.Requests {
		if state.Requests[i].Tracker == Pending {
			return false
		}
	}
	return true
}

func (r *RequestRouter) initializeScanState(state *ExecutionState[scanShardWork], template msgs.ScanVerticesRequest) error {
	if state.Label == nil {
		return fmt.Errorf("scan requires a label")
	}
	labelId, ok := r.NameToLabel(*state.Label)
	if !ok {
		return fmt.Errorf("unknown label %q", *state.Label)
	}
	if !r.IsPrimaryLabel(labelId) {
		return fmt.Errorf("label %q has no label space", *state.Label)
	}
	shards, err := r.shardMap.GetShardsForLabel(labelId)
	if err != nil {
		return err
	}

	state.TransactionId = r.transactionId
	for i, shard := range shards {
		req := template
		req.TransactionId = r.transactionId
		req.StartId = msgs.VertexId{Label: labelId, PrimaryKey: shard.LowKey}
		work := scanShardWork{Request: req, Tracker: Pending}
		if i+1 < len(shards) {
			work.High = shards[i+1].LowKey
		}
		state.ShardCache = append(state.ShardCache, shard)
		state.Requests = append(state.Requests, work)
	}
	r.touch(labelId)
	state.State = StateExecuting
	return nil
}

// replanScanEntry replaces entry i with the shards covering its
// remaining range [cursor, high) under a freshly fetched map. Completed
// sub-requests are never re-issued.
func (r *RequestRouter) replanScanEntry(ctx context.Context, state *ExecutionState[scanShardWork], i int) error {
	failing := state.ShardCache[i]
	work := state.Requests[i]
	cursor := work.Request.StartId.PrimaryKey
	if len(cursor) == 0 {
		cursor = failing.LowKey
	}
	r.pool.Drop(failing)
	if err := r.refreshShardMap(ctx); err != nil {
		return err
	}

	labelId := failing.Label
	owner, err := r.shardMap.GetShardForKey(labelId, cursor)
	if err != nil {
		return fmt.Errorf("re-plan scan: %w", err)
	}
	shards, err := r.shardMap.GetShardsForLabel(labelId)
	if err != nil {
		return err
	}

	var newShards []shardmap.Shard
	var newWork []scanShardWork
	for idx, shard := range shards {
		startsBefore := work.High == nil || msgs.ComparePrimaryKeys(shard.LowKey, work.High) < 0
		inRange := msgs.ComparePrimaryKeys(shard.LowKey, cursor) >= 0 && startsBefore
		isOwner := shard.Key() == owner.Key()
		if !inRange && !isOwner {
			continue
		}
		req := work.Request
		if isOwner {
			req.StartId = msgs.VertexId{Label: labelId, PrimaryKey: cursor}
		} else {
			req.StartId = msgs.VertexId{Label: labelId, PrimaryKey: shard.LowKey}
		}
		entry := scanShardWork{Request: req, Tracker: Pending}
		if idx+1 < len(shards) {
			next := shards[idx+1].LowKey
			if work.High == nil || msgs.ComparePrimaryKeys(next, work.High) < 0 {
				entry.High = next
			} else {
				entry.High = work.High
			}
		} else {
			entry.High = work.High
		}
		newShards = append(newShards, shard)
		newWork = append(newWork, entry)
	}
	if len(newShards) == 0 {
		return fmt.Errorf("re-plan scan: no shard owns the remaining range")
	}

	state.ShardCache = append(state.ShardCache[:i], append(newShards, state.ShardCache[i+1:]...)...)
	state.Requests = append(state.Requests[:i], append(newWork, state.Requests[i+1:]...)...)
	r.logger.Debug("scan re-planned after shard map refresh",
		zap.Int("replacement_shards", len(newShards)))
	return nil
}

// CreateVertices creates the given vertices, fanning out one request
// per owning shard.
func (r *RequestRouter) CreateVertices(ctx context.Context, state *ExecutionState[msgs.CreateVerticesRequest], newVertices []msgs.NewVertex) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		if err := r.initializeCreateVertices(state, newVertices); err != nil {
			return err
		}
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{CreateVertices: &state.Requests[i]})
		r.countShardRequest("create_vertices")
	}
	if err := awaitWritesHelper(ctx, r, state, "create vertices"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

func (r *RequestRouter) initializeCreateVertices(state *ExecutionState[msgs.CreateVerticesRequest], newVertices []msgs.NewVertex) error {
	if len(newVertices) == 0 {
		return fmt.Errorf("no vertices to create")
	}
	state.TransactionId = r.transactionId
	perShard := make(map[string]int)
	for _, nv := range newVertices {
		if len(nv.LabelIds) == 0 {
			return fmt.Errorf("new vertex without labels")
		}
		shard, err := r.shardMap.GetShardForKey(nv.LabelIds[0], nv.PrimaryKey)
		if err != nil {
			return err
		}
		idx, ok := perShard[shard.Key()]
		if !ok {
			idx = len(state.ShardCache)
			perShard[shard.Key()] = idx
			state.ShardCache = append(state.ShardCache, shard)
			state.Requests = append(state.Requests, msgs.CreateVerticesRequest{TransactionId: r.transactionId})
		}
		state.Requests[idx].NewVertices = append(state.Requests[idx].NewVertices, nv)
		r.touch(nv.LabelIds[0])
	}
	state.State = StateExecuting
	return nil
}

// awaitWritesHelper drains every outstanding async write, erasing shard and
// request together on success.
func awaitWritesHelper[R any](ctx context.Context, r *RequestRouter, state *ExecutionState[R], what string) error {
	for len(state.ShardCache) > 0 {
		shard := state.ShardCache[0]
		cli := r.pool.GetClient(shard)
		resp, err := cli.AwaitAsyncWriteRequest(ctx)
		if err != nil {
			return fmt.Errorf("%s on shard %s: %w", what, shard.Key(), err)
		}
		if shardErr := resp.FirstError(); shardErr != nil {
			return fmt.Errorf("%s on shard %s: %w", what, shard.Key(), shardErr)
		}
		state.erase(0)
	}
	return nil
}

// CreateExpand creates edges. A cross-shard edge is dispatched to both
// endpoint shards so each side records its incident entry.
func (r *RequestRouter) CreateExpand(ctx context.Context, state *ExecutionState[msgs.CreateExpandRequest], newExpands []msgs.NewExpand) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		if err := r.initializeCreateExpand(state, newExpands); err != nil {
			return err
		}
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{CreateExpand: &state.Requests[i]})
		r.countShardRequest("create_expand")
	}
	if err := awaitWritesHelper(ctx, r, state, "create expand"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

func (r *RequestRouter) initializeCreateExpand(state *ExecutionState[msgs.CreateExpandRequest], newExpands []msgs.NewExpand) error {
	if len(newExpands) == 0 {
		return fmt.Errorf("no edges to create")
	}
	state.TransactionId = r.transactionId
	perShard := make(map[string]int)
	ensure := func(shard shardmap.Shard) int {
		idx, ok := perShard[shard.Key()]
		if !ok {
			idx = len(state.ShardCache)
			perShard[shard.Key()] = idx
			state.ShardCache = append(state.ShardCache, shard)
			state.Requests = append(state.Requests, msgs.CreateExpandRequest{TransactionId: r.transactionId})
		}
		return idx
	}

	for _, ne := range newExpands {
		srcShard, err := r.shardMap.GetShardForKey(ne.SrcVertex.Label, ne.SrcVertex.PrimaryKey)
		if err != nil {
			return err
		}
		dstShard, err := r.shardMap.GetShardForKey(ne.DstVertex.Label, ne.DstVertex.PrimaryKey)
		if err != nil {
			return err
		}
		srcIdx := ensure(srcShard)
		state.Requests[srcIdx].NewExpands = append(state.Requests[srcIdx].NewExpands, ne)
		if dstShard.Key() != srcShard.Key() {
			dstIdx := ensure(dstShard)
			state.Requests[dstIdx].NewExpands = append(state.Requests[dstIdx].NewExpands, ne)
		}
		r.touch(ne.SrcVertex.Label)
		r.touch(ne.DstVertex.Label)
	}
	state.State = StateExecuting
	return nil
}

// ExpandOne expands the given source vertices on their owning shards
// and returns the flattened per-source rows. Destination properties are
// the caller's second hop.
func (r *RequestRouter) ExpandOne(ctx context.Context, state *ExecutionState[msgs.ExpandOneRequest], request msgs.ExpandOneRequest) ([]msgs.ExpandOneResultRow, error) {
	if err := state.throwIfCompleted(); err != nil {
		return nil, err
	}
	if !state.shallNotInitialize() {
		if err := r.initializeExpandOne(state, request); err != nil {
			return nil, err
		}
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncReadRequest(msgs.StorageReadRequest{ExpandOne: &state.Requests[i]})
		r.countShardRequest("expand_one")
	}

	var rows []msgs.ExpandOneResultRow
	for len(state.ShardCache) > 0 {
		shard := state.ShardCache[0]
		cli := r.pool.GetClient(shard)
		resp, err := cli.AwaitAsyncReadRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("expand on shard %s: %w", shard.Key(), err)
		}
		eo := resp.ExpandOne
		if eo == nil {
			return nil, fmt.Errorf("expand on shard %s: malformed response", shard.Key())
		}
		if eo.Error != nil {
			if eo.Error.Code == msgs.CodeNotFound {
				if err := r.replanExpandEntry(ctx, state, 0); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("expand on shard %s: %w", shard.Key(), eo.Error)
		}
		rows = append(rows, eo.Result...)
		state.erase(0)
	}
	state.maybeComplete()
	return rows, nil
}

func (r *RequestRouter) initializeExpandOne(state *ExecutionState[msgs.ExpandOneRequest], request msgs.ExpandOneRequest) error {
	if len(request.SrcVertices) == 0 {
		return fmt.Errorf("no source vertices to expand")
	}
	state.TransactionId = r.transactionId
	template := request
	template.TransactionId = r.transactionId
	template.SrcVertices = nil

	perShard := make(map[string]int)
	for _, src := range request.SrcVertices {
		shard, err := r.shardMap.GetShardForKey(src.Label, src.PrimaryKey)
		if err != nil {
			return err
		}
		idx, ok := perShard[shard.Key()]
		if !ok {
			idx = len(state.ShardCache)
			perShard[shard.Key()] = idx
			state.ShardCache = append(state.ShardCache, shard)
			state.Requests = append(state.Requests, template)
		}
		state.Requests[idx].SrcVertices = append(state.Requests[idx].SrcVertices, src)
		r.touch(src.Label)
	}
	state.State = StateExecuting
	return nil
}

// replanExpandEntry re-partitions one failed expand request's source
// vertices under a fresh map and re-dispatches them.
func (r *RequestRouter) replanExpandEntry(ctx context.Context, state *ExecutionState[msgs.ExpandOneRequest], i int) error {
	failing := state.ShardCache[i]
	request := state.Requests[i]
	r.pool.Drop(failing)
	if err := r.refreshShardMap(ctx); err != nil {
		return err
	}

	perShard := make(map[string]int)
	var newShards []shardmap.Shard
	var newRequests []msgs.ExpandOneRequest
	template := request
	template.SrcVertices = nil
	for _, src := range request.SrcVertices {
		shard, err := r.shardMap.GetShardForKey(src.Label, src.PrimaryKey)
		if err != nil {
			return err
		}
		idx, ok := perShard[shard.Key()]
		if !ok {
			idx = len(newShards)
			perShard[shard.Key()] = idx
			newShards = append(newShards, shard)
			newRequests = append(newRequests, template)
		}
		newRequests[idx].SrcVertices = append(newRequests[idx].SrcVertices, src)
	}

	state.ShardCache = append(state.ShardCache[:i], append(newShards, state.ShardCache[i+1:]...)...)
	state.Requests = append(state.Requests[:i], append(newRequests, state.Requests[i+1:]...)...)
	for idx := range newShards {
		cli := r.pool.GetClient(state.ShardCache[i+idx])
		cli.SendAsyncReadRequest(msgs.StorageReadRequest{ExpandOne: &state.Requests[i+idx]})
		r.countShardRequest("expand_one")
	}
	return nil
}

// DeleteVertices deletes vertices of one label by primary key.
func (r *RequestRouter) DeleteVertices(ctx context.Context, state *ExecutionState[msgs.DeleteVerticesRequest], label msgs.LabelId, primaryKeys []msgs.PrimaryKey, deletionType msgs.DeletionType) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		state.TransactionId = r.transactionId
		perShard := make(map[string]int)
		for _, pk := range primaryKeys {
			shard, err := r.shardMap.GetShardForKey(label, pk)
			if err != nil {
				return err
			}
			idx, ok := perShard[shard.Key()]
			if !ok {
				idx = len(state.ShardCache)
				perShard[shard.Key()] = idx
				state.ShardCache = append(state.ShardCache, shard)
				state.Requests = append(state.Requests, msgs.DeleteVerticesRequest{
					TransactionId: r.transactionId,
					Label:         label,
					DeletionType:  deletionType,
				})
			}
			state.Requests[idx].PrimaryKeys = append(state.Requests[idx].PrimaryKeys, pk)
		}
		r.touch(label)
		state.State = StateExecuting
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{DeleteVertices: &state.Requests[i]})
		r.countShardRequest("delete_vertices")
	}
	if err := awaitWritesHelper(ctx, r, state, "delete vertices"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

// UpdateVertices updates vertex properties on their owning shards.
func (r *RequestRouter) UpdateVertices(ctx context.Context, state *ExecutionState[msgs.UpdateVerticesRequest], updates []msgs.UpdateVertexProp) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		state.TransactionId = r.transactionId
		perShard := make(map[string]int)
		for _, update := range updates {
			shard, err := r.shardMap.GetShardForKey(update.Vertex.Label, update.Vertex.PrimaryKey)
			if err != nil {
				return err
			}
			idx, ok := perShard[shard.Key()]
			if !ok {
				idx = len(state.ShardCache)
				perShard[shard.Key()] = idx
				state.ShardCache = append(state.ShardCache, shard)
				state.Requests = append(state.Requests, msgs.UpdateVerticesRequest{TransactionId: r.transactionId})
			}
			state.Requests[idx].NewProperties = append(state.Requests[idx].NewProperties, update)
			r.touch(update.Vertex.Label)
		}
		state.State = StateExecuting
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{UpdateVertices: &state.Requests[i]})
		r.countShardRequest("update_vertices")
	}
	if err := awaitWritesHelper(ctx, r, state, "update vertices"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

// UpdateEdges updates edge properties on the shard owning each edge's
// source vertex, where the edge record lives.
func (r *RequestRouter) UpdateEdges(ctx context.Context, state *ExecutionState[msgs.UpdateEdgesRequest], updates []msgs.UpdateEdgeProp) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		state.TransactionId = r.transactionId
		perShard := make(map[string]int)
		for _, update := range updates {
			shard, err := r.shardMap.GetShardForKey(update.Edge.Src.Label, update.Edge.Src.PrimaryKey)
			if err != nil {
				return err
			}
			idx, ok := perShard[shard.Key()]
			if !ok {
				idx = len(state.ShardCache)
				perShard[shard.Key()] = idx
				state.ShardCache = append(state.ShardCache, shard)
				state.Requests = append(state.Requests, msgs.UpdateEdgesRequest{TransactionId: r.transactionId})
			}
			state.Requests[idx].NewProperties = append(state.Requests[idx].NewProperties, update)
			r.touch(update.Edge.Src.Label)
		}
		state.State = StateExecuting
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{UpdateEdges: &state.Requests[i]})
		r.countShardRequest("update_edges")
	}
	if err := awaitWritesHelper(ctx, r, state, "update edges"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

// DeleteEdges deletes edges on both endpoint shards.
func (r *RequestRouter) DeleteEdges(ctx context.Context, state *ExecutionState[msgs.DeleteEdgesRequest], edges []msgs.EdgeId) error {
	if err := state.throwIfCompleted(); err != nil {
		return err
	}
	if !state.shallNotInitialize() {
		state.TransactionId = r.transactionId
		perShard := make(map[string]int)
		ensure := func(shard shardmap.Shard) int {
			idx, ok := perShard[shard.Key()]
			if !ok {
				idx = len(state.ShardCache)
				perShard[shard.Key()] = idx
				state.ShardCache = append(state.ShardCache, shard)
				state.Requests = append(state.Requests, msgs.DeleteEdgesRequest{TransactionId: r.transactionId})
			}
			return idx
		}
		for _, edge := range edges {
			srcShard, err := r.shardMap.GetShardForKey(edge.Src.Label, edge.Src.PrimaryKey)
			if err != nil {
				return err
			}
			dstShard, err := r.shardMap.GetShardForKey(edge.Dst.Label, edge.Dst.PrimaryKey)
			if err != nil {
				return err
			}
			srcIdx := ensure(srcShard)
			state.Requests[srcIdx].Edges = append(state.Requests[srcIdx].Edges, edge)
			if dstShard.Key() != srcShard.Key() {
				dstIdx := ensure(dstShard)
				state.Requests[dstIdx].Edges = append(state.Requests[dstIdx].Edges, edge)
			}
			r.touch(edge.Src.Label)
			r.touch(edge.Dst.Label)
		}
		state.State = StateExecuting
	}

	for i := range state.ShardCache {
		cli := r.pool.GetClient(state.ShardCache[i])
		cli.SendAsyncWriteRequest(msgs.StorageWriteRequest{DeleteEdges: &state.Requests[i]})
		r.countShardRequest("delete_edges")
	}
	if err := awaitWritesHelper(ctx, r, state, "delete edges"); err != nil {
		return err
	}
	state.maybeComplete()
	return nil
}

// GetProperties reads selected properties of vertices on their owning
// shards.
func (r *RequestRouter) GetProperties(ctx context.Context, request msgs.GetPropertiesRequest) ([]msgs.PropertiesRow, error) {
	perShard := make(map[string]*msgs.GetPropertiesRequest)
	var shards []shardmap.Shard
	for _, id := range request.VertexIds {
		shard, err := r.shardMap.GetShardForKey(id.Label, id.PrimaryKey)
		if err != nil {
			return nil, err
		}
		req, ok := perShard[shard.Key()]
		if !ok {
			template := request
			template.TransactionId = r.transactionId
			template.VertexIds = nil
			template.EdgeIds = nil
			req = &template
			perShard[shard.Key()] = req
			shards = append(shards, shard)
		}
		req.VertexIds = append(req.VertexIds, id)
		r.touch(id.Label)
	}
	for _, id := range request.EdgeIds {
		shard, err := r.shardMap.GetShardForKey(id.Src.Label, id.Src.PrimaryKey)
		if err != nil {
			return nil, err
		}
		req, ok := perShard[shard.Key()]
		if !ok {
			template := request
			template.TransactionId = r.transactionId
			template.VertexIds = nil
			template.EdgeIds = nil
			req = &template
			perShard[shard.Key()] = req
			shards = append(shards, shard)
		}
		req.EdgeIds = append(req.EdgeIds, id)
	}

	var rows []msgs.PropertiesRow
	for _, shard := range shards {
		cli := r.pool.GetClient(shard)
		cli.SendAsyncReadRequest(msgs.StorageReadRequest{GetProperties: perShard[shard.Key()]})
		r.countShardRequest("get_properties")
		resp, err := cli.AwaitAsyncReadRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("get properties on shard %s: %w", shard.Key(), err)
		}
		gp := resp.GetProperties
		if gp == nil {
			return nil, fmt.Errorf("get properties on shard %s: malformed response", shard.Key())
		}
		if gp.Error != nil {
			return nil, fmt.Errorf("get properties on shard %s: %w", shard.Key(), gp.Error)
		}
		rows = append(rows, gp.Rows...)
	}
	return rows, nil
}

// Commit obtains the commit timestamp from the coordinator and
// broadcasts CommitRequest to every shard of every touched label space.
// Committing on a shard the transaction never reached is a trivial
// success, which keeps the broadcast correct when a concurrent split
// cloned the transaction onto a new shard. Any failure aborts the
// transaction with an aggregated error.
func (r *RequestRouter) Commit(ctx context.Context) error {
	resp, err := r.coordCli.SendReadRequest(ctx, coordinator.ReadRequest{
		Hlc: &coordinator.HlcRequest{LastShardMapVersion: r.shardMap.GetHlc()},
	})
	if err != nil {
		return fmt.Errorf("hlc request for commit failed: %w", err)
	}
	if resp.Hlc == nil {
		return fmt.Errorf("coordinator returned no commit hlc")
	}
	if resp.Hlc.FresherShardMap != nil {
		r.installShardMap(resp.Hlc.FresherShardMap)
	}
	commitTimestamp := resp.Hlc.NewHlc

	commitReq := msgs.CommitRequest{
		TransactionId:   r.transactionId,
		CommitTimestamp: commitTimestamp,
	}

	var aggregated error
	for label := range r.touchedLabels {
		shards, err := r.shardMap.GetShardsForLabel(label)
		if err != nil {
			aggregated = multierr.Append(aggregated, err)
			continue
		}
		for _, shard := range shards {
			cli := r.pool.GetClient(shard)
			writeResp, err := cli.SendWriteRequest(ctx, msgs.StorageWriteRequest{Commit: &commitReq})
			r.countShardRequest("commit")
			if err != nil {
				aggregated = multierr.Append(aggregated, fmt.Errorf("commit on shard %s: %w", shard.Key(), err))
				continue
			}
			if writeResp.Commit == nil {
				aggregated = multierr.Append(aggregated, fmt.Errorf("commit on shard %s: malformed response", shard.Key()))
				continue
			}
			if writeResp.Commit.Error != nil {
				aggregated = multierr.Append(aggregated, fmt.Errorf("commit on shard %s: %w", shard.Key(), writeResp.Commit.Error))
			}
		}
	}

	if aggregated != nil {
		if r.metrics != nil {
			r.metrics.CommitsTotal.WithLabelValues("aborted").Inc()
		}
		return fmt.Errorf("commit aborted: %w", aggregated)
	}
	if r.metrics != nil {
		r.metrics.CommitsTotal.WithLabelValues("committed").Inc()
	}
	r.logger.Debug("transaction committed",
		zap.Uint64("transaction_id", r.transactionId.LogicalId),
		zap.Uint64("commit_timestamp", commitTimestamp.LogicalId))
	r.touchedLabels = make(map[msgs.LabelId]struct{})
	return nil
}
