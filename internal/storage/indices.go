package storage

import (
	"github.com/filigreedb/filigree/internal/msgs"
)

type labelProperty struct {
	Label    msgs.LabelId
	Property msgs.PropertyId
}

// Indices holds the per-label and per-(label, property) secondary
// indices of one shard. Entries are maintained synchronously under the
// entity lock by the write path.
type Indices struct {
	label         map[msgs.LabelId]map[*Vertex]struct{}
	labelProperty map[labelProperty]map[*Vertex]struct{}
}

// NewIndices returns empty indices.
func NewIndices() *Indices {
	return &Indices{
		label:         make(map[msgs.LabelId]map[*Vertex]struct{}),
		labelProperty: make(map[labelProperty]map[*Vertex]struct{}),
	}
}

// AddLabel indexes a vertex under a label.
func (ix *Indices) AddLabel(label msgs.LabelId, v *Vertex) {
	set, ok := ix.label[label]
	if !ok {
		set = make(map[*Vertex]struct{})
		ix.label[label] = set
	}
	set[v] = struct{}{}
}

// RemoveLabel drops a vertex's entry under a label.
func (ix *Indices) RemoveLabel(label msgs.LabelId, v *Vertex) {
	if set, ok := ix.label[label]; ok {
		delete(set, v)
	}
}

// AddLabelProperty indexes a vertex under a (label, property) pair.
func (ix *Indices) AddLabelProperty(label msgs.LabelId, property msgs.PropertyId, v *Vertex) {
	key := labelProperty{Label: label, Property: property}
	set, ok := ix.labelProperty[key]
	if !ok {
		set = make(map[*Vertex]struct{})
		ix.labelProperty[key] = set
	}
	set[v] = struct{}{}
}

// RemoveLabelProperty drops a vertex's entry under a (label, property)
// pair.
func (ix *Indices) RemoveLabelProperty(label msgs.LabelId, property msgs.PropertyId, v *Vertex) {
	if set, ok := ix.labelProperty[labelProperty{Label: label, Property: property}]; ok {
		delete(set, v)
	}
}

// RemoveVertex drops every entry referencing the vertex. Used when a
// split extracts the vertex from the shard.
func (ix *Indices) RemoveVertex(v *Vertex) {
	for _, set := range ix.label {
		delete(set, v)
	}
	for _, set := range ix.labelProperty {
		delete(set, v)
	}
}

// IndexVertex adds entries for every label and property the vertex
// currently carries.
func (ix *Indices) IndexVertex(v *Vertex) {
	for _, label := range v.Labels {
		ix.AddLabel(label, v)
	}
	for property := range v.Properties {
		ix.AddLabelProperty(v.PrimaryLabel, property, v)
	}
}

// VerticesWithLabel returns the vertices indexed under a label.
func (ix *Indices) VerticesWithLabel(label msgs.LabelId) []*Vertex {
	set := ix.label[label]
	out := make([]*Vertex, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
