package storage

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/shardmap"
)

// SplitData is the bundle a shard split produces: everything the new
// shard needs to install the suffix [SplitKey, old HighKey) of the
// parent's range. Vertices and wholly-moved edges keep their identity
// (the same records move); transactions with live deltas touching moved
// entities are cloned and rewired onto the moved graph.
type SplitData struct {
	Label    msgs.LabelId
	Schema   []shardmap.SchemaProperty
	SplitKey msgs.PrimaryKey
	HighKey  msgs.PrimaryKey

	Vertices     []*Vertex
	Edges        EdgeContainer
	Transactions map[uint64]*Transaction
}

// PerformSplit extracts the suffix of the shard's range at splitKey and
// returns the bundle for the new shard. After it returns, the parent
// owns [LowKey, splitKey) and no longer serves the moved keys.
//
// The invariant the rewiring preserves: a reader arriving with any
// transaction id sees, on parent and child together, exactly the logical
// state it would have seen on the unsplit parent.
func (s *ShardEngine) PerformSplit(splitKey msgs.PrimaryKey) (*SplitData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ownsKey(splitKey) {
		return nil, msgs.NewShardError(msgs.CodeNotFound, "split key outside the shard's range")
	}

	data := &SplitData{
		Label:        s.label,
		Schema:       append([]shardmap.SchemaProperty(nil), s.schema...),
		SplitKey:     msgs.ClonePrimaryKey(splitKey),
		HighKey:      msgs.ClonePrimaryKey(s.highKey),
		Edges:        make(EdgeContainer),
		Transactions: make(map[uint64]*Transaction),
	}

	collected := make(map[uint64]struct{})
	s.collectVertices(data, collected, splitKey)
	s.collectEdges(data, collected, splitKey)
	s.collectTransactions(data, collected)
	s.alignClonedTransactions(data)

	s.highKey = msgs.ClonePrimaryKey(splitKey)
	s.truncated = true
	s.logger.Info("shard split",
		zap.Int("moved_vertices", len(data.Vertices)),
		zap.Int("moved_edges", len(data.Edges)),
		zap.Int("cloned_transactions", len(data.Transactions)))
	return data, nil
}

// scanDeltas records the start timestamps of every transaction a chain
// references.
func scanDeltas(collected map[uint64]struct{}, head *Delta) {
	for d := head; d != nil; d = d.Next {
		collected[d.CommitInfo.StartTimestamp.LogicalId] = struct{}{}
	}
}

func (s *ShardEngine) collectVertices(data *SplitData, collected map[uint64]struct{}, splitKey msgs.PrimaryKey) {
	var moved []*Vertex
	s.vertices.AscendFrom(splitKey, func(v *Vertex) bool {
		moved = append(moved, v)
		return true
	})
	for _, v := range moved {
		scanDeltas(collected, v.Delta)
		s.vertices.Remove(v.Keys)
		s.indices.RemoveVertex(v)
		data.Vertices = append(data.Vertices, v)
	}
}

// collectEdges walks the moved vertices' incident edges. An edge wholly
// inside the moved range moves with its record; a cross-range edge stays
// where its record is and the far side keeps a reference-only entry.
func (s *ShardEngine) collectEdges(data *SplitData, collected map[uint64]struct{}, splitKey msgs.PrimaryKey) {
	inMovedRange := func(id msgs.VertexId) bool {
		return id.Label == s.label && msgs.ComparePrimaryKeys(id.PrimaryKey, splitKey) >= 0
	}
	for _, v := range data.Vertices {
		for listIdx, list := range [][]EdgeTriple{v.OutEdges, v.InEdges} {
			for i, triple := range list {
				record := triple.EdgeRef.Ptr
				if record == nil {
					continue
				}
				scanDeltas(collected, record.Delta)
				if _, local := s.edges[record.Gid]; !local {
					continue // record already extracted via the other endpoint
				}
				if inMovedRange(triple.OtherVertex) {
					// Entirely within the new range: move the record.
					delete(s.edges, record.Gid)
					data.Edges[record.Gid] = record
				} else {
					// Cross-range: the record stays with the parent; the
					// moved endpoint keeps a reference-only entry.
					if listIdx == 0 {
						v.OutEdges[i].EdgeRef.Ptr = nil
					} else {
						v.InEdges[i].EdgeRef.Ptr = nil
					}
				}
			}
		}
	}
}

// collectTransactions clones every referenced transaction that is still
// pending. Committed and aborted transactions are frozen history: their
// effects live in the materialized records and their deltas are dropped
// from the moved chains during alignment.
func (s *ShardEngine) collectTransactions(data *SplitData, collected map[uint64]struct{}) {
	for id := range collected {
		tx, ok := s.transactions[id]
		if !ok || tx.Status != StatusPending {
			continue
		}
		data.Transactions[id] = tx.Clone()
	}
}

// alignClonedTransactions rewires the cloned delta graph: next pointers
// are relinked to the clone carrying the same uuid (skipping deltas of
// transactions that were not cloned), prev pointers of kind DELTA are
// relinked likewise, and the moved entities' chain heads are repointed
// at their clones. Vertices and moved edge records keep their addresses,
// so prev pointers of kind VERTEX/EDGE stay valid as they are.
func (s *ShardEngine) alignClonedTransactions(data *SplitData) {
	cloneByUuid := make(map[uuid.UUID]*Delta)
	for _, cloned := range data.Transactions {
		for _, d := range cloned.Deltas {
			cloneByUuid[d.Uuid] = d
		}
	}

	// nearestClone follows a chain until it reaches a delta whose
	// transaction was cloned, then returns that delta's clone.
	nearestClone := func(d *Delta) *Delta {
		for ; d != nil; d = d.Next {
			if clone, ok := cloneByUuid[d.Uuid]; ok {
				return clone
			}
		}
		return nil
	}

	for id, cloned := range data.Transactions {
		original := s.transactions[id]
		for i, cd := range cloned.Deltas {
			od := original.Deltas[i]
			cd.Next = nearestClone(od.Next)
			switch od.Prev.Kind {
			case PrevDelta:
				if clone, ok := cloneByUuid[od.Prev.Delta.Uuid]; ok {
					cd.Prev = PreviousPtr{Kind: PrevDelta, Delta: clone}
				}
			default:
				// VERTEX/EDGE targets moved by pointer; NULL stays NULL.
			}
		}
	}

	for _, v := range data.Vertices {
		v.Delta = nearestClone(v.Delta)
	}
	for _, record := range data.Edges {
		record.Delta = nearestClone(record.Delta)
	}
}

// NewShardEngineFromSplit installs a split bundle as a new shard owning
// [SplitKey, HighKey). Indices are rebuilt from the moved vertices.
func NewShardEngineFromSplit(data *SplitData, cfg Config, logger *zap.Logger) *ShardEngine {
	engine := NewShardEngine(data.Label, data.Schema, data.SplitKey, data.HighKey, cfg, logger)
	for _, v := range data.Vertices {
		engine.vertices.Insert(v)
		engine.indices.IndexVertex(v)
	}
	for gid, record := range data.Edges {
		engine.edges[gid] = record
	}
	for id, tx := range data.Transactions {
		engine.transactions[id] = tx
		engine.clock.Observe(tx.StartTimestamp)
	}
	return engine
}
