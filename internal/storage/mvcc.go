package storage

import (
	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
)

// vertexSnapshot is a vertex reconstructed at a transaction's snapshot.
type vertexSnapshot struct {
	Exists   bool
	Labels   []msgs.LabelId
	Props    map[msgs.PropertyId]msgs.Value
	InEdges  []EdgeTriple
	OutEdges []EdgeTriple
}

// edgeSnapshot is an edge record reconstructed at a transaction's
// snapshot.
type edgeSnapshot struct {
	Exists bool
	Props  map[msgs.PropertyId]msgs.Value
}

// deltaVisible decides whether the change a delta describes is visible
// to a reader at txId under the given view. Chains run newest to oldest,
// so the reader rolls back (applies the inverse of) every invisible
// delta and stops at the first visible one.
func deltaVisible(d *Delta, txId hlc.Hlc, view msgs.StorageView) bool {
	ci := d.CommitInfo
	if ci.IsCommitted() {
		return ci.CommitTimestamp().LogicalId < txId.LogicalId
	}
	// Pending: visible only to its own transaction under the NEW view.
	return view == msgs.ViewNew && ci.StartTimestamp.Equal(txId)
}

// readVertexSnapshot reconstructs the vertex version visible at txId
// under the given view. The materialized fields are copied under the
// entity lock together with the chain head; the chain walk itself is
// lock-free.
func readVertexSnapshot(v *Vertex, txId hlc.Hlc, view msgs.StorageView) *vertexSnapshot {
	v.lock.Lock()
	snap := &vertexSnapshot{
		Exists:   !v.Deleted,
		Labels:   append([]msgs.LabelId(nil), v.Labels...),
		Props:    make(map[msgs.PropertyId]msgs.Value, len(v.Properties)),
		InEdges:  append([]EdgeTriple(nil), v.InEdges...),
		OutEdges: append([]EdgeTriple(nil), v.OutEdges...),
	}
	for p, val := range v.Properties {
		snap.Props[p] = val
	}
	head := v.Delta
	v.lock.Unlock()

	for d := head; d != nil; d = d.Next {
		if deltaVisible(d, txId, view) {
			break
		}
		applyVertexDelta(snap, d)
	}
	return snap
}

// readEdgeSnapshot reconstructs the edge version visible at txId under
// the given view.
func readEdgeSnapshot(e *Edge, txId hlc.Hlc, view msgs.StorageView) *edgeSnapshot {
	e.lock.Lock()
	snap := &edgeSnapshot{
		Exists: !e.Deleted,
		Props:  make(map[msgs.PropertyId]msgs.Value, len(e.Properties)),
	}
	for p, val := range e.Properties {
		snap.Props[p] = val
	}
	head := e.Delta
	e.lock.Unlock()

	for d := head; d != nil; d = d.Next {
		if deltaVisible(d, txId, view) {
			break
		}
		applyEdgeDelta(snap, d)
	}
	return snap
}

// applyVertexDelta performs the inverse operation a delta records,
// rolling the snapshot back by one version.
func applyVertexDelta(snap *vertexSnapshot, d *Delta) {
	switch d.Action {
	case ActionDeleteObject:
		snap.Exists = false
	case ActionRecreateObject:
		snap.Exists = true
	case ActionSetProperty:
		if d.Value.IsNull() {
			delete(snap.Props, d.Property)
		} else {
			snap.Props[d.Property] = d.Value
		}
	case ActionAddLabel:
		snap.Labels = append(snap.Labels, d.Label)
	case ActionRemoveLabel:
		snap.Labels = removeLabel(snap.Labels, d.Label)
	case ActionAddInEdge:
		snap.InEdges = append(snap.InEdges, d.Triple)
	case ActionAddOutEdge:
		snap.OutEdges = append(snap.OutEdges, d.Triple)
	case ActionRemoveInEdge:
		snap.InEdges = removeTriple(snap.InEdges, d.Triple.EdgeRef.Gid)
	case ActionRemoveOutEdge:
		snap.OutEdges = removeTriple(snap.OutEdges, d.Triple.EdgeRef.Gid)
	}
}

func applyEdgeDelta(snap *edgeSnapshot, d *Delta) {
	switch d.Action {
	case ActionDeleteObject:
		snap.Exists = false
	case ActionRecreateObject:
		snap.Exists = true
	case ActionSetProperty:
		if d.Value.IsNull() {
			delete(snap.Props, d.Property)
		} else {
			snap.Props[d.Property] = d.Value
		}
	}
}

func removeLabel(labels []msgs.LabelId, label msgs.LabelId) []msgs.LabelId {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

func removeTriple(triples []EdgeTriple, gid msgs.Gid) []EdgeTriple {
	out := triples[:0]
	for _, t := range triples {
		if t.EdgeRef.Gid != gid {
			out = append(out, t)
		}
	}
	return out
}
