package storage

import (
	"github.com/filigreedb/filigree/internal/msgs"
)

// EdgeRef points at an edge either through its loaded record (when the
// record lives on this shard and edges carry properties) or by bare gid.
type EdgeRef struct {
	Gid msgs.Gid
	Ptr *Edge
}

// EdgeTriple is one entry of a vertex's incident-edge list: the edge
// type, the other endpoint, and the edge reference. The other endpoint
// is addressed by id rather than pointer so that a triple stays valid
// when the endpoint lives on another shard.
type EdgeTriple struct {
	EdgeType    msgs.EdgeTypeId
	OtherVertex msgs.VertexId
	EdgeRef     EdgeRef
}

// Vertex is the materialized newest version of a vertex plus the head of
// its delta chain. Mutators splice deltas under the entity lock; readers
// walk the chain lock-free.
type Vertex struct {
	PrimaryLabel msgs.LabelId
	Keys         msgs.PrimaryKey

	Labels     []msgs.LabelId
	Properties map[msgs.PropertyId]msgs.Value
	InEdges    []EdgeTriple
	OutEdges   []EdgeTriple

	Deleted bool
	Delta   *Delta

	lock SpinLock
}

// Id returns the vertex's wire identity.
func (v *Vertex) Id() msgs.VertexId {
	return msgs.VertexId{Label: v.PrimaryLabel, PrimaryKey: v.Keys}
}

// HasLabel reports whether the vertex carries the label as primary or
// secondary.
func (v *Vertex) HasLabel(label msgs.LabelId) bool {
	if v.PrimaryLabel == label {
		return true
	}
	for _, l := range v.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// spliceDelta installs d as the new chain head under the entity lock.
func (v *Vertex) spliceDelta(d *Delta) {
	v.lock.Lock()
	d.Next = v.Delta
	d.Prev = PreviousPtr{Kind: PrevVertex, Vertex: v}
	if v.Delta != nil {
		v.Delta.Prev = PreviousPtr{Kind: PrevDelta, Delta: d}
	}
	v.Delta = d
	v.lock.Unlock()
}

// Edge is the materialized newest version of an edge record. Records
// exist only when the configuration stores properties on edges; the
// record lives on the shard owning the edge's source vertex.
type Edge struct {
	Gid        msgs.Gid
	Properties map[msgs.PropertyId]msgs.Value

	Deleted bool
	Delta   *Delta

	lock SpinLock
}

// spliceDelta installs d as the new chain head under the entity lock.
func (e *Edge) spliceDelta(d *Delta) {
	e.lock.Lock()
	d.Next = e.Delta
	d.Prev = PreviousPtr{Kind: PrevEdge, Edge: e}
	if e.Delta != nil {
		e.Delta.Prev = PreviousPtr{Kind: PrevDelta, Delta: d}
	}
	e.Delta = d
	e.lock.Unlock()
}
