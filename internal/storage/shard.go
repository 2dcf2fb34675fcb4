package storage

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// Config holds shard engine configuration.
type Config struct {
	// PropertiesOnEdges enables edge records; without it edges are bare
	// gid references on their endpoint vertices.
	PropertiesOnEdges bool
	// ScanBatchSize is the page size used when a scan request carries no
	// batch limit.
	ScanBatchSize int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{PropertiesOnEdges: true, ScanBatchSize: 128}
}

// ShardEngine is one shard's MVCC store. It owns the primary-key range
// [LowKey, HighKey) of its label space. Request application is
// serialized; reads walk delta chains lock-free once the materialized
// state is copied under the entity lock.
type ShardEngine struct {
	mu sync.Mutex

	label   msgs.LabelId
	lowKey  msgs.PrimaryKey
	highKey msgs.PrimaryKey // nil means unbounded
	// truncated is set once a split carved off the upper part of the
	// range; scans then hand the cursor over so stale callers discover
	// the move instead of silently losing the suffix.
	truncated bool
	schema    []shardmap.SchemaProperty

	vertices     *VertexContainer
	edges        EdgeContainer
	indices      *Indices
	transactions map[uint64]*Transaction

	clock  hlc.Clock
	config Config
	logger *zap.Logger
}

// NewShardEngine creates an empty shard owning [lowKey, highKey) of the
// given label space. A nil highKey means the range is unbounded above.
func NewShardEngine(label msgs.LabelId, schema []shardmap.SchemaProperty, lowKey, highKey msgs.PrimaryKey, cfg Config, logger *zap.Logger) *ShardEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = DefaultConfig().ScanBatchSize
	}
	return &ShardEngine{
		label:        label,
		lowKey:       msgs.ClonePrimaryKey(lowKey),
		highKey:      msgs.ClonePrimaryKey(highKey),
		schema:       append([]shardmap.SchemaProperty(nil), schema...),
		vertices:     NewVertexContainer(),
		edges:        make(EdgeContainer),
		indices:      NewIndices(),
		transactions: make(map[uint64]*Transaction),
		config:       cfg,
		logger:       logger,
	}
}

// Label returns the shard's primary label.
func (s *ShardEngine) Label() msgs.LabelId { return s.label }

// LowKey returns the inclusive lower bound of the owned range.
func (s *ShardEngine) LowKey() msgs.PrimaryKey { return s.lowKey }

// ownsKey reports whether the key lies in the shard's owned range.
func (s *ShardEngine) ownsKey(pk msgs.PrimaryKey) bool {
	if msgs.ComparePrimaryKeys(pk, s.lowKey) < 0 {
		return false
	}
	if s.highKey != nil && msgs.ComparePrimaryKeys(pk, s.highKey) >= 0 {
		return false
	}
	return true
}

// getTransaction returns the shard-local record of a transaction,
// creating a pending one on first contact.
func (s *ShardEngine) getTransaction(txId hlc.Hlc) *Transaction {
	if tx, ok := s.transactions[txId.LogicalId]; ok {
		return tx
	}
	tx := NewTransaction(txId)
	s.transactions[txId.LogicalId] = tx
	s.clock.Observe(txId)
	return tx
}

// checkWriteConflict rejects a write when the chain head was produced by
// a different live transaction or by a commit the writer's snapshot does
// not include.
func (s *ShardEngine) checkWriteConflict(tx *Transaction, head *Delta) *msgs.ShardError {
	if head == nil {
		return nil
	}
	ci := head.CommitInfo
	if !ci.IsCommitted() {
		if !ci.StartTimestamp.Equal(tx.StartTimestamp) {
			return msgs.NewShardError(msgs.CodeAborted,
				"write conflict: entity has pending changes of transaction %s", ci.StartTimestamp)
		}
		return nil
	}
	if ci.CommitTimestamp().LogicalId >= tx.StartTimestamp.LogicalId {
		return msgs.NewShardError(msgs.CodeAborted,
			"write conflict: entity committed at %s after snapshot %s", ci.CommitTimestamp(), tx.StartTimestamp)
	}
	return nil
}

// validateSchema checks a primary key against the label schema.
func (s *ShardEngine) validateSchema(pk msgs.PrimaryKey) *msgs.ShardError {
	if len(pk) != len(s.schema) {
		return msgs.NewShardError(msgs.CodeSchemaViolation,
			"primary key has %d components, schema wants %d", len(pk), len(s.schema))
	}
	for i, component := range pk {
		if component.Kind != s.schema[i].Type {
			return msgs.NewShardError(msgs.CodeSchemaViolation,
				"primary key component %d is %s, schema wants %s", i, component.Kind, s.schema[i].Type)
		}
	}
	return nil
}

// HandleRead serves a read request at the requested snapshot.
func (s *ShardEngine) HandleRead(req msgs.StorageReadRequest) msgs.StorageReadResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case req.ScanVertices != nil:
		resp := s.scanVertices(req.ScanVertices)
		return msgs.StorageReadResponse{ScanVertices: &resp}
	case req.GetProperties != nil:
		resp := s.getProperties(req.GetProperties)
		return msgs.StorageReadResponse{GetProperties: &resp}
	case req.ExpandOne != nil:
		resp := s.expandOne(req.ExpandOne)
		return msgs.StorageReadResponse{ExpandOne: &resp}
	default:
		err := msgs.NewShardError(msgs.CodeInternal, "empty read request")
		return msgs.StorageReadResponse{ScanVertices: &msgs.ScanVerticesResponse{Error: err}}
	}
}

// ApplyWrite applies a write request. Write payloads are idempotent:
// the RSM may apply them more than once on retry.
func (s *ShardEngine) ApplyWrite(req msgs.StorageWriteRequest) msgs.StorageWriteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case req.CreateVertices != nil:
		resp := msgs.CreateVerticesResponse{Error: s.createVertices(req.CreateVertices)}
		return msgs.StorageWriteResponse{CreateVertices: &resp}
	case req.CreateExpand != nil:
		resp := msgs.CreateExpandResponse{Error: s.createExpand(req.CreateExpand)}
		return msgs.StorageWriteResponse{CreateExpand: &resp}
	case req.DeleteVertices != nil:
		resp := msgs.DeleteVerticesResponse{Error: s.deleteVertices(req.DeleteVertices)}
		return msgs.StorageWriteResponse{DeleteVertices: &resp}
	case req.UpdateVertices != nil:
		resp := msgs.UpdateVerticesResponse{Error: s.updateVertices(req.UpdateVertices)}
		return msgs.StorageWriteResponse{UpdateVertices: &resp}
	case req.UpdateEdges != nil:
		resp := msgs.UpdateEdgesResponse{Error: s.updateEdges(req.UpdateEdges)}
		return msgs.StorageWriteResponse{UpdateEdges: &resp}
	case req.DeleteEdges != nil:
		resp := msgs.DeleteEdgesResponse{Error: s.deleteEdges(req.DeleteEdges)}
		return msgs.StorageWriteResponse{DeleteEdges: &resp}
	case req.Commit != nil:
		resp := msgs.CommitResponse{Error: s.commit(req.Commit)}
		return msgs.StorageWriteResponse{Commit: &resp}
	default:
		err := msgs.NewShardError(msgs.CodeInternal, "empty write request")
		return msgs.StorageWriteResponse{Commit: &msgs.CommitResponse{Error: err}}
	}
}

func (s *ShardEngine) createVertices(req *msgs.CreateVerticesRequest) *msgs.ShardError {
	tx := s.getTransaction(req.TransactionId)
	for _, nv := range req.NewVertices {
		if len(nv.LabelIds) == 0 {
			return msgs.NewShardError(msgs.CodeSchemaViolation, "new vertex has no labels")
		}
		if nv.LabelIds[0] != s.label {
			return msgs.NewShardError(msgs.CodeNotFound,
				"primary label %d not served by this shard", nv.LabelIds[0])
		}
		if err := s.validateSchema(nv.PrimaryKey); err != nil {
			return err
		}
		if !s.ownsKey(nv.PrimaryKey) {
			return msgs.NewShardError(msgs.CodeNotFound, "primary key outside the shard's range")
		}
		if existing, ok := s.vertices.Get(nv.PrimaryKey); ok {
			// Re-applied request: creation by the same transaction is a
			// no-op, anything else is a conflict.
			if existing.Delta != nil && existing.Delta.CommitInfo == tx.CommitInfo &&
				existing.Delta.Action == ActionDeleteObject {
				continue
			}
			snap := readVertexSnapshot(existing, req.TransactionId, msgs.ViewNew)
			if snap.Exists {
				return msgs.NewShardError(msgs.CodeAborted, "vertex already exists")
			}
			return msgs.NewShardError(msgs.CodeAborted, "vertex tombstone still present")
		}

		d := tx.newDelta(ActionDeleteObject)
		v := &Vertex{
			PrimaryLabel: s.label,
			Keys:         msgs.ClonePrimaryKey(nv.PrimaryKey),
			Labels:       append([]msgs.LabelId(nil), nv.LabelIds[1:]...),
			Properties:   make(map[msgs.PropertyId]msgs.Value, len(nv.Properties)),
			Delta:        d,
		}
		d.Prev = PreviousPtr{Kind: PrevVertex, Vertex: v}
		for p, value := range nv.Properties {
			v.Properties[p] = value.Clone()
		}
		s.vertices.Insert(v)
		s.indices.IndexVertex(v)
	}
	return nil
}

func (s *ShardEngine) createExpand(req *msgs.CreateExpandRequest) *msgs.ShardError {
	tx := s.getTransaction(req.TransactionId)
	for _, ne := range req.NewExpands {
		srcLocal := ne.SrcVertex.Label == s.label && s.ownsKey(ne.SrcVertex.PrimaryKey)
		dstLocal := ne.DstVertex.Label == s.label && s.ownsKey(ne.DstVertex.PrimaryKey)
		if !srcLocal && !dstLocal {
			return msgs.NewShardError(msgs.CodeNotFound, "neither endpoint of edge %d is on this shard", ne.Gid)
		}

		// The edge record lives on the source shard when edges carry
		// properties; the destination side stores a bare reference.
		var record *Edge
		if s.config.PropertiesOnEdges && srcLocal {
			if existing, ok := s.edges[ne.Gid]; ok {
				record = existing // re-applied request
			} else {
				record = &Edge{
					Gid:        ne.Gid,
					Properties: make(map[msgs.PropertyId]msgs.Value, len(ne.Properties)),
				}
				d := tx.newDelta(ActionDeleteObject)
				record.Delta = d
				d.Prev = PreviousPtr{Kind: PrevEdge, Edge: record}
				for p, value := range ne.Properties {
					record.Properties[p] = value.Clone()
				}
				s.edges[ne.Gid] = record
			}
		}

		if srcLocal {
			if err := s.attachEdge(tx, ne, record, true); err != nil {
				return err
			}
		}
		if dstLocal {
			if err := s.attachEdge(tx, ne, record, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// attachEdge appends the edge triple to the local endpoint vertex,
// splicing the inverse removal delta first.
func (s *ShardEngine) attachEdge(tx *Transaction, ne msgs.NewExpand, record *Edge, out bool) *msgs.ShardError {
	endpoint := ne.SrcVertex
	other := ne.DstVertex
	action := ActionRemoveOutEdge
	if !out {
		endpoint = ne.DstVertex
		other = ne.SrcVertex
		action = ActionRemoveInEdge
	}
	v, ok := s.vertices.Get(endpoint.PrimaryKey)
	if !ok {
		return msgs.NewShardError(msgs.CodeNotFound, "endpoint vertex of edge %d not found", ne.Gid)
	}
	snap := readVertexSnapshot(v, tx.StartTimestamp, msgs.ViewNew)
	if !snap.Exists {
		return msgs.NewShardError(msgs.CodeAborted, "endpoint vertex of edge %d is deleted", ne.Gid)
	}
	if err := s.checkWriteConflict(tx, v.Delta); err != nil {
		return err
	}
	triples := v.OutEdges
	if !out {
		triples = v.InEdges
	}
	for _, t := range triples {
		if t.EdgeRef.Gid == ne.Gid {
			return nil // re-applied request
		}
	}
	triple := EdgeTriple{
		EdgeType:    ne.EdgeType,
		OtherVertex: other,
		EdgeRef:     EdgeRef{Gid: ne.Gid, Ptr: record},
	}
	d := tx.newDelta(action)
	d.Triple = triple
	v.spliceDelta(d)
	if out {
		v.OutEdges = append(v.OutEdges, triple)
	} else {
		v.InEdges = append(v.InEdges, triple)
	}
	return nil
}

func (s *ShardEngine) deleteVertices(req *msgs.DeleteVerticesRequest) *msgs.ShardError {
	tx := s.getTransaction(req.TransactionId)
	for _, pk := range req.PrimaryKeys {
		if !s.ownsKey(pk) {
			return msgs.NewShardError(msgs.CodeNotFound, "primary key outside the shard's range")
		}
		v, ok := s.vertices.Get(pk)
		if !ok {
			return msgs.NewShardError(msgs.CodeNotFound, "vertex not found")
		}
		snap := readVertexSnapshot(v, req.TransactionId, msgs.ViewNew)
		if !snap.Exists {
			if v.Deleted {
				continue // re-applied request
			}
			return msgs.NewShardError(msgs.CodeNotFound, "vertex not visible to the transaction")
		}
		if err := s.checkWriteConflict(tx, v.Delta); err != nil {
			return err
		}
		if len(snap.InEdges)+len(snap.OutEdges) > 0 {
			if req.DeletionType == msgs.DeletionDelete {
				return msgs.NewShardError(msgs.CodeAborted, "vertex still has incident edges")
			}
			for _, triple := range snap.OutEdges {
				s.detachTriple(tx, v, triple, true)
			}
			for _, triple := range snap.InEdges {
				s.detachTriple(tx, v, triple, false)
			}
		}
		d := tx.newDelta(ActionRecreateObject)
		v.spliceDelta(d)
		v.Deleted = true
	}
	return nil
}

// detachTriple removes one incident edge triple from the vertex and, if
// the other endpoint is local, its mirror triple as well.
func (s *ShardEngine) detachTriple(tx *Transaction, v *Vertex, triple EdgeTriple, out bool) {
	action := ActionAddOutEdge
	if !out {
		action = ActionAddInEdge
	}
	d := tx.newDelta(action)
	d.Triple = triple
	v.spliceDelta(d)
	if out {
		v.OutEdges = removeTriple(v.OutEdges, triple.EdgeRef.Gid)
	} else {
		v.InEdges = removeTriple(v.InEdges, triple.EdgeRef.Gid)
	}

	if triple.OtherVertex.Label == s.label && s.ownsKey(triple.OtherVertex.PrimaryKey) {
		if other, ok := s.vertices.Get(triple.OtherVertex.PrimaryKey); ok && other != v {
			mirrorAction := ActionAddInEdge
			mirror := other.InEdges
			if !out {
				mirrorAction = ActionAddOutEdge
				mirror = other.OutEdges
			}
			for _, t := range mirror {
				if t.EdgeRef.Gid == triple.EdgeRef.Gid {
					md := tx.newDelta(mirrorAction)
					md.Triple = t
					other.spliceDelta(md)
					if out {
						other.InEdges = removeTriple(other.InEdges, triple.EdgeRef.Gid)
					} else {
						other.OutEdges = removeTriple(other.OutEdges, triple.EdgeRef.Gid)
					}
					break
				}
			}
		}
	}

	if record := triple.EdgeRef.Ptr; record != nil && !record.Deleted {
		rd := tx.newDelta(ActionRecreateObject)
		record.spliceDelta(rd)
		record.Deleted = true
	}
}

func (s *ShardEngine) updateVertices(req *msgs.UpdateVerticesRequest) *msgs.ShardError {
	tx := s.getTransaction(req.TransactionId)
	for _, update := range req.NewProperties {
		if !s.ownsKey(update.Vertex.PrimaryKey) {
			return msgs.NewShardError(msgs.CodeNotFound, "primary key outside the shard's range")
		}
		v, ok := s.vertices.Get(update.Vertex.PrimaryKey)
		if !ok {
			return msgs.NewShardError(msgs.CodeNotFound, "vertex not found")
		}
		snap := readVertexSnapshot(v, req.TransactionId, msgs.ViewNew)
		if !snap.Exists {
			return msgs.NewShardError(msgs.CodeNotFound, "vertex not visible to the transaction")
		}
		if err := s.checkWriteConflict(tx, v.Delta); err != nil {
			return err
		}
		for _, pu := range update.PropertyUpdates {
			old, had := v.Properties[pu.Property]
			d := tx.newDelta(ActionSetProperty)
			d.Property = pu.Property
			if had {
				d.Value = old
			} else {
				d.Value = msgs.NullValue()
			}
			v.spliceDelta(d)
			if pu.Value.IsNull() {
				delete(v.Properties, pu.Property)
				s.indices.RemoveLabelProperty(v.PrimaryLabel, pu.Property, v)
			} else {
				v.Properties[pu.Property] = pu.Value.Clone()
				s.indices.AddLabelProperty(v.PrimaryLabel, pu.Property, v)
			}
		}
	}
	return nil
}

func (s *ShardEngine) updateEdges(req *msgs.UpdateEdgesRequest) *msgs.ShardError {
	if !s.config.PropertiesOnEdges {
		return msgs.NewShardError(msgs.CodeSchemaViolation, "edges do not carry properties")
	}
	tx := s.getTransaction(req.TransactionId)
	for _, update := range req.NewProperties {
		record, ok := s.edges[update.Edge.Gid]
		if !ok {
			return msgs.NewShardError(msgs.CodeNotFound, "edge %d not found", update.Edge.Gid)
		}
		snap := readEdgeSnapshot(record, req.TransactionId, msgs.ViewNew)
		if !snap.Exists {
			return msgs.NewShardError(msgs.CodeNotFound, "edge %d not visible to the transaction", update.Edge.Gid)
		}
		if err := s.checkWriteConflict(tx, record.Delta); err != nil {
			return err
		}
		for _, pu := range update.PropertyUpdates {
			old, had := record.Properties[pu.Property]
			d := tx.newDelta(ActionSetProperty)
			d.Property = pu.Property
			if had {
				d.Value = old
			} else {
				d.Value = msgs.NullValue()
			}
			record.spliceDelta(d)
			if pu.Value.IsNull() {
				delete(record.Properties, pu.Property)
			} else {
				record.Properties[pu.Property] = pu.Value.Clone()
			}
		}
	}
	return nil
}

func (s *ShardEngine) deleteEdges(req *msgs.DeleteEdgesRequest) *msgs.ShardError {
	tx := s.getTransaction(req.TransactionId)
	for _, id := range req.Edges {
		srcLocal := id.Src.Label == s.label && s.ownsKey(id.Src.PrimaryKey)
		dstLocal := id.Dst.Label == s.label && s.ownsKey(id.Dst.PrimaryKey)
		if !srcLocal && !dstLocal {
			return msgs.NewShardError(msgs.CodeNotFound, "neither endpoint of edge %d is on this shard", id.Gid)
		}
		if srcLocal {
			if err := s.detachNamedEdge(tx, id.Src, id.Gid, true); err != nil {
				return err
			}
		}
		if dstLocal {
			if err := s.detachNamedEdge(tx, id.Dst, id.Gid, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ShardEngine) detachNamedEdge(tx *Transaction, endpoint msgs.VertexId, gid msgs.Gid, out bool) *msgs.ShardError {
	v, ok := s.vertices.Get(endpoint.PrimaryKey)
	if !ok {
		return msgs.NewShardError(msgs.CodeNotFound, "endpoint vertex of edge %d not found", gid)
	}
	if err := s.checkWriteConflict(tx, v.Delta); err != nil {
		return err
	}
	triples := v.OutEdges
	if !out {
		triples = v.InEdges
	}
	for _, t := range triples {
		if t.EdgeRef.Gid != gid {
			continue
		}
		action := ActionAddOutEdge
		if !out {
			action = ActionAddInEdge
		}
		d := tx.newDelta(action)
		d.Triple = t
		v.spliceDelta(d)
		if out {
			v.OutEdges = removeTriple(v.OutEdges, gid)
		} else {
			v.InEdges = removeTriple(v.InEdges, gid)
		}
		if record := t.EdgeRef.Ptr; record != nil && !record.Deleted {
			rd := tx.newDelta(ActionRecreateObject)
			record.spliceDelta(rd)
			record.Deleted = true
		}
		return nil
	}
	return nil // re-applied request: triple already gone
}

func (s *ShardEngine) commit(req *msgs.CommitRequest) *msgs.ShardError {
	tx, ok := s.transactions[req.TransactionId.LogicalId]
	if !ok {
		// The shard never saw this transaction; committing nothing is a
		// success so commit broadcasts stay idempotent.
		s.clock.Observe(req.CommitTimestamp)
		return nil
	}
	if tx.Status == StatusCommitted {
		if tx.CommitInfo.CommitTimestamp().Equal(req.CommitTimestamp) {
			return nil
		}
		return msgs.NewShardError(msgs.CodeInternal,
			"transaction %s already committed at %s", req.TransactionId, tx.CommitInfo.CommitTimestamp())
	}
	if tx.Status == StatusAborted {
		return msgs.NewShardError(msgs.CodeAborted, "transaction %s already aborted", req.TransactionId)
	}
	tx.CommitInfo.MarkCommitted(req.CommitTimestamp)
	tx.Status = StatusCommitted
	s.clock.Observe(req.CommitTimestamp)
	s.logger.Debug("transaction committed",
		zap.Uint64("transaction_id", req.TransactionId.LogicalId),
		zap.Uint64("commit_timestamp", req.CommitTimestamp.LogicalId))
	return nil
}

func (s *ShardEngine) scanVertices(req *msgs.ScanVerticesRequest) msgs.ScanVerticesResponse {
	start := req.StartId.PrimaryKey
	if len(start) == 0 {
		start = s.lowKey
	}
	if !s.ownsKey(start) {
		return msgs.ScanVerticesResponse{Error: msgs.NewShardError(msgs.CodeNotFound,
			"scan start key outside the shard's range")}
	}
	filters, err := parseFilterExpressions(req.FilterExpressions)
	if err != nil {
		return msgs.ScanVerticesResponse{Error: err.(*msgs.ShardError)}
	}

	limit := s.config.ScanBatchSize
	if req.BatchLimit != nil && *req.BatchLimit > 0 {
		limit = *req.BatchLimit
	}

	resp := msgs.ScanVerticesResponse{Results: []msgs.ScanResultRow{}}
	s.vertices.AscendFrom(start, func(v *Vertex) bool {
		if s.highKey != nil && msgs.ComparePrimaryKeys(v.Keys, s.highKey) >= 0 {
			return false
		}
		if len(resp.Results) == limit {
			next := v.Id()
			resp.NextStartId = &next
			return false
		}
		snap := readVertexSnapshot(v, req.TransactionId, req.StorageView)
		if !snap.Exists || !allMatch(filters, snap.Props) {
			return true
		}
		resp.Results = append(resp.Results, msgs.ScanResultRow{
			Vertex: msgs.Vertex{Id: v.Id(), Labels: append([]msgs.LabelId{v.PrimaryLabel}, snap.Labels...)},
			Props:  selectProps(snap.Props, req.PropsToReturn),
		})
		return true
	})
	if resp.NextStartId == nil && s.truncated {
		// Hand the cursor to the carved-off suffix; the owner answers
		// NotFound there, which is the stale caller's refresh signal.
		next := msgs.VertexId{Label: s.label, PrimaryKey: msgs.ClonePrimaryKey(s.highKey)}
		resp.NextStartId = &next
	}
	return resp
}

func (s *ShardEngine) getProperties(req *msgs.GetPropertiesRequest) msgs.GetPropertiesResponse {
	var filters []filterExpr
	if req.Filter != nil {
		parsed, err := parseFilterExpressions([]string{*req.Filter})
		if err != nil {
			return msgs.GetPropertiesResponse{Error: err.(*msgs.ShardError)}
		}
		filters = parsed
	}

	rows := []msgs.PropertiesRow{}
	for _, id := range req.VertexIds {
		if !s.ownsKey(id.PrimaryKey) {
			return msgs.GetPropertiesResponse{Error: msgs.NewShardError(msgs.CodeNotFound,
				"primary key outside the shard's range")}
		}
		v, ok := s.vertices.Get(id.PrimaryKey)
		if !ok {
			continue
		}
		snap := readVertexSnapshot(v, req.TransactionId, req.StorageView)
		if !snap.Exists || !allMatch(filters, snap.Props) {
			continue
		}
		vid := v.Id()
		rows = append(rows, msgs.PropertiesRow{VertexId: &vid, Props: selectProps(snap.Props, req.PropertyIds)})
	}
	for _, id := range req.EdgeIds {
		record, ok := s.edges[id.Gid]
		if !ok {
			continue
		}
		snap := readEdgeSnapshot(record, req.TransactionId, req.StorageView)
		if !snap.Exists || !allMatch(filters, snap.Props) {
			continue
		}
		eid := id
		rows = append(rows, msgs.PropertiesRow{EdgeId: &eid, Props: selectProps(snap.Props, req.PropertyIds)})
	}

	if req.OnlyUnique {
		rows = dedupRows(rows)
	}
	if len(req.OrderBy) > 0 {
		orderRows(rows, req.OrderBy)
	}
	if req.Limit != nil && len(rows) > *req.Limit {
		rows = rows[:*req.Limit]
	}
	return msgs.GetPropertiesResponse{Rows: rows}
}

func (s *ShardEngine) expandOne(req *msgs.ExpandOneRequest) msgs.ExpandOneResponse {
	resp := msgs.ExpandOneResponse{Result: []msgs.ExpandOneResultRow{}}
	for _, src := range req.SrcVertices {
		if src.Label != s.label || !s.ownsKey(src.PrimaryKey) {
			return msgs.ExpandOneResponse{Error: msgs.NewShardError(msgs.CodeNotFound,
				"source vertex outside the shard's range")}
		}
		v, ok := s.vertices.Get(src.PrimaryKey)
		if !ok {
			continue
		}
		snap := readVertexSnapshot(v, req.TransactionId, req.StorageView)
		if !snap.Exists {
			continue
		}

		row := msgs.ExpandOneResultRow{
			SrcVertex: msgs.Vertex{Id: v.Id(), Labels: append([]msgs.LabelId{v.PrimaryLabel}, snap.Labels...)},
			Edges:     []msgs.ExpandEdge{},
		}
		if req.SrcVertexProperties != nil {
			row.SrcVertexProperties = selectProps(snap.Props, req.SrcVertexProperties)
		}
		if req.Direction&msgs.DirectionOut != 0 {
			row.Edges = append(row.Edges, s.collectExpandEdges(snap.OutEdges, msgs.DirectionOut, req)...)
		}
		if req.Direction&msgs.DirectionIn != 0 {
			row.Edges = append(row.Edges, s.collectExpandEdges(snap.InEdges, msgs.DirectionIn, req)...)
		}
		if req.OnlyUniqueNeighborRows {
			row.Edges = dedupEdgesByNeighbor(row.Edges)
		}
		resp.Result = append(resp.Result, row)
		if req.Limit != nil && len(resp.Result) == *req.Limit {
			break
		}
	}
	return resp
}

func (s *ShardEngine) collectExpandEdges(triples []EdgeTriple, direction msgs.EdgeDirection, req *msgs.ExpandOneRequest) []msgs.ExpandEdge {
	var out []msgs.ExpandEdge
	for _, triple := range triples {
		if len(req.EdgeTypes) > 0 && !containsEdgeType(req.EdgeTypes, triple.EdgeType) {
			continue
		}
		edge := msgs.ExpandEdge{
			Gid:         triple.EdgeRef.Gid,
			Type:        triple.EdgeType,
			OtherVertex: triple.OtherVertex,
			Direction:   direction,
		}
		if req.EdgeProperties != nil && triple.EdgeRef.Ptr != nil {
			snap := readEdgeSnapshot(triple.EdgeRef.Ptr, req.TransactionId, req.StorageView)
			if snap.Exists {
				edge.Properties = selectProps(snap.Props, req.EdgeProperties)
			}
		}
		out = append(out, edge)
	}
	return out
}

func containsEdgeType(types []msgs.EdgeTypeId, t msgs.EdgeTypeId) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// selectProps copies the requested properties, or all of them when no
// selection is given.
func selectProps(props map[msgs.PropertyId]msgs.Value, selection []msgs.PropertyId) map[msgs.PropertyId]msgs.Value {
	out := make(map[msgs.PropertyId]msgs.Value)
	if selection == nil {
		for p, v := range props {
			out[p] = v.Clone()
		}
		return out
	}
	for _, p := range selection {
		if v, ok := props[p]; ok {
			out[p] = v.Clone()
		}
	}
	return out
}

func dedupRows(rows []msgs.PropertiesRow) []msgs.PropertiesRow {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		key := rowKey(row)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func rowKey(row msgs.PropertiesRow) string {
	keys := make([]int, 0, len(row.Props))
	for p := range row.Props {
		keys = append(keys, int(p))
	}
	sort.Ints(keys)
	var b []byte
	for _, p := range keys {
		data, _ := row.Props[msgs.PropertyId(p)].MarshalJSON()
		b = append(b, byte(p))
		b = append(b, data...)
	}
	return string(b)
}

func orderRows(rows []msgs.PropertiesRow, orderBy []msgs.OrderBy) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ord := range orderBy {
			a := rows[i].Props[ord.Property]
			b := rows[j].Props[ord.Property]
			c := msgs.CompareValues(a, b)
			if c == 0 {
				continue
			}
			if ord.Direction == msgs.OrderDescending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func dedupEdgesByNeighbor(edges []msgs.ExpandEdge) []msgs.ExpandEdge {
	seen := make(map[string]struct{}, len(edges))
	out := edges[:0]
	for _, e := range edges {
		key := e.OtherVertex.PrimaryKey
		data, _ := msgs.ListValue(key).MarshalJSON()
		k := string(data)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
