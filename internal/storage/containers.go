package storage

import (
	"github.com/google/btree"

	"github.com/filigreedb/filigree/internal/msgs"
)

const btreeDegree = 16

func vertexLess(a, b *Vertex) bool {
	return msgs.ComparePrimaryKeys(a.Keys, b.Keys) < 0
}

// VertexContainer is the ordered vertex map of one shard, keyed by
// primary key.
type VertexContainer struct {
	tree *btree.BTreeG[*Vertex]
}

// NewVertexContainer returns an empty container.
func NewVertexContainer() *VertexContainer {
	return &VertexContainer{tree: btree.NewG[*Vertex](btreeDegree, vertexLess)}
}

// Get looks up a vertex by primary key.
func (c *VertexContainer) Get(pk msgs.PrimaryKey) (*Vertex, bool) {
	return c.tree.Get(&Vertex{Keys: pk})
}

// Insert adds or replaces a vertex.
func (c *VertexContainer) Insert(v *Vertex) {
	c.tree.ReplaceOrInsert(v)
}

// Remove deletes the vertex with the given primary key.
func (c *VertexContainer) Remove(pk msgs.PrimaryKey) (*Vertex, bool) {
	return c.tree.Delete(&Vertex{Keys: pk})
}

// AscendFrom visits vertices with primary key >= start in ascending
// order until fn returns false.
func (c *VertexContainer) AscendFrom(start msgs.PrimaryKey, fn func(*Vertex) bool) {
	c.tree.AscendGreaterOrEqual(&Vertex{Keys: start}, fn)
}

// Ascend visits every vertex in ascending order until fn returns false.
func (c *VertexContainer) Ascend(fn func(*Vertex) bool) {
	c.tree.Ascend(fn)
}

// Len returns the number of stored vertices.
func (c *VertexContainer) Len() int { return c.tree.Len() }

// EdgeContainer holds the edge records of one shard, keyed by gid.
type EdgeContainer map[msgs.Gid]*Edge
