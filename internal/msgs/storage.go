package msgs

import (
	"github.com/filigreedb/filigree/internal/hlc"
)

// StorageView selects which snapshot a read observes relative to the
// requesting transaction's own pending writes.
type StorageView uint8

const (
	// ViewOld ignores uncommitted changes, including the caller's own.
	ViewOld StorageView = iota
	// ViewNew includes the caller's own pending deltas.
	ViewNew
)

// EdgeDirection selects which incident edges an expansion follows.
type EdgeDirection uint8

const (
	DirectionOut  EdgeDirection = 1
	DirectionIn   EdgeDirection = 2
	DirectionBoth EdgeDirection = 3
)

// OrderingDirection orders a result column ascending or descending.
type OrderingDirection uint8

const (
	OrderAscending  OrderingDirection = 1
	OrderDescending OrderingDirection = 2
)

// OrderBy sorts result rows by a property.
type OrderBy struct {
	Property  PropertyId        `json:"property"`
	Direction OrderingDirection `json:"direction"`
}

// ScanVerticesRequest reads a page of vertices from a shard. StartId is
// the pagination cursor; the first request for a shard uses the shard's
// low key.
type ScanVerticesRequest struct {
	TransactionId     hlc.Hlc      `json:"transaction_id"`
	StartId           VertexId     `json:"start_id"`
	PropsToReturn     []PropertyId `json:"props_to_return,omitempty"`
	FilterExpressions []string     `json:"filter_expressions,omitempty"`
	BatchLimit        *int         `json:"batch_limit,omitempty"`
	StorageView       StorageView  `json:"storage_view"`
}

// ScanResultRow is one vertex of a scan page.
type ScanResultRow struct {
	Vertex Vertex               `json:"vertex"`
	Props  map[PropertyId]Value `json:"props"`
}

// ScanVerticesResponse carries a scan page. A present NextStartId means
// the caller must re-issue the request with that cursor to continue.
type ScanVerticesResponse struct {
	Results     []ScanResultRow `json:"results"`
	NextStartId *VertexId       `json:"next_start_id,omitempty"`
	Error       *ShardError     `json:"error,omitempty"`
}

// GetPropertiesRequest reads selected properties of vertices or edges.
type GetPropertiesRequest struct {
	TransactionId hlc.Hlc      `json:"transaction_id"`
	VertexIds     []VertexId   `json:"vertex_ids,omitempty"`
	EdgeIds       []EdgeId     `json:"edge_ids,omitempty"`
	PropertyIds   []PropertyId `json:"property_ids,omitempty"`
	Expressions   []string     `json:"expressions,omitempty"`
	OrderBy       []OrderBy    `json:"order_by,omitempty"`
	Limit         *int         `json:"limit,omitempty"`
	Filter        *string      `json:"filter,omitempty"`
	OnlyUnique    bool         `json:"only_unique,omitempty"`
	StorageView   StorageView  `json:"storage_view"`
}

// PropertiesRow is one row of a GetProperties result set.
type PropertiesRow struct {
	VertexId *VertexId            `json:"vertex_id,omitempty"`
	EdgeId   *EdgeId              `json:"edge_id,omitempty"`
	Props    map[PropertyId]Value `json:"props"`
}

// GetPropertiesResponse carries the result rows.
type GetPropertiesResponse struct {
	Rows  []PropertiesRow `json:"rows"`
	Error *ShardError     `json:"error,omitempty"`
}

// ExpandOneRequest expands edges of the given source vertices on their
// owning shard. Destination-vertex properties are never fetched here; the
// caller issues a second expansion on the destination shard if needed.
type ExpandOneRequest struct {
	TransactionId          hlc.Hlc       `json:"transaction_id"`
	SrcVertices            []VertexId    `json:"src_vertices"`
	EdgeTypes              []EdgeTypeId  `json:"edge_types,omitempty"`
	Direction              EdgeDirection `json:"direction"`
	OnlyUniqueNeighborRows bool          `json:"only_unique_neighbor_rows,omitempty"`
	SrcVertexProperties    []PropertyId  `json:"src_vertex_properties,omitempty"`
	EdgeProperties         []PropertyId  `json:"edge_properties,omitempty"`
	OrderBy                []OrderBy     `json:"order_by,omitempty"`
	Limit                  *int          `json:"limit,omitempty"`
	Filter                 *string       `json:"filter,omitempty"`
	StorageView            StorageView   `json:"storage_view"`
}

// ExpandEdge is one chosen edge of an expansion row.
type ExpandEdge struct {
	Gid         Gid                  `json:"gid"`
	Type        EdgeTypeId           `json:"type"`
	OtherVertex VertexId             `json:"other_vertex"`
	Direction   EdgeDirection        `json:"direction"`
	Properties  map[PropertyId]Value `json:"properties,omitempty"`
}

// ExpandOneResultRow lists the edges chosen for one source vertex.
type ExpandOneResultRow struct {
	SrcVertex           Vertex               `json:"src_vertex"`
	SrcVertexProperties map[PropertyId]Value `json:"src_vertex_properties,omitempty"`
	Edges               []ExpandEdge         `json:"edges"`
}

// ExpandOneResponse carries per-source-vertex rows.
type ExpandOneResponse struct {
	Result []ExpandOneResultRow `json:"result"`
	Error  *ShardError          `json:"error,omitempty"`
}

// NewVertex describes a vertex to create. The first label is the primary
// label and must own the shard the request lands on.
type NewVertex struct {
	LabelIds   []LabelId            `json:"label_ids"`
	PrimaryKey PrimaryKey           `json:"primary_key"`
	Properties map[PropertyId]Value `json:"properties,omitempty"`
}

// CreateVerticesRequest creates vertices on one shard.
type CreateVerticesRequest struct {
	TransactionId hlc.Hlc     `json:"transaction_id"`
	NewVertices   []NewVertex `json:"new_vertices"`
}

// CreateVerticesResponse reports the outcome of a CreateVerticesRequest.
type CreateVerticesResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// NewExpand describes an edge to create. A cross-shard edge is recorded
// on both endpoint shards.
type NewExpand struct {
	Gid        Gid                  `json:"gid"`
	EdgeType   EdgeTypeId           `json:"edge_type"`
	SrcVertex  VertexId             `json:"src_vertex"`
	DstVertex  VertexId             `json:"dst_vertex"`
	Properties map[PropertyId]Value `json:"properties,omitempty"`
}

// CreateExpandRequest creates edges on one shard.
type CreateExpandRequest struct {
	TransactionId hlc.Hlc     `json:"transaction_id"`
	NewExpands    []NewExpand `json:"new_expands"`
}

// CreateExpandResponse reports the outcome of a CreateExpandRequest.
type CreateExpandResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// DeletionType selects plain or detaching vertex deletion.
type DeletionType uint8

const (
	// DeletionDelete fails when the vertex still has incident edges.
	DeletionDelete DeletionType = iota
	// DeletionDetachDelete removes incident edges first.
	DeletionDetachDelete
)

// DeleteVerticesRequest deletes vertices by primary key.
type DeleteVerticesRequest struct {
	TransactionId hlc.Hlc      `json:"transaction_id"`
	Label         LabelId      `json:"label"`
	PrimaryKeys   []PrimaryKey `json:"primary_keys"`
	DeletionType  DeletionType `json:"deletion_type"`
}

// DeleteVerticesResponse reports the outcome of a DeleteVerticesRequest.
type DeleteVerticesResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// PropertyUpdate sets one property to a new value. A null value erases
// the property.
type PropertyUpdate struct {
	Property PropertyId `json:"property"`
	Value    Value      `json:"value"`
}

// UpdateVertexProp updates properties of one vertex.
type UpdateVertexProp struct {
	Vertex          VertexId         `json:"vertex"`
	PropertyUpdates []PropertyUpdate `json:"property_updates"`
}

// UpdateVerticesRequest updates vertex properties on one shard.
type UpdateVerticesRequest struct {
	TransactionId hlc.Hlc            `json:"transaction_id"`
	NewProperties []UpdateVertexProp `json:"new_properties"`
}

// UpdateVerticesResponse reports the outcome of an UpdateVerticesRequest.
type UpdateVerticesResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// UpdateEdgeProp updates properties of one edge, addressed by its id.
type UpdateEdgeProp struct {
	Edge            EdgeId           `json:"edge"`
	PropertyUpdates []PropertyUpdate `json:"property_updates"`
}

// UpdateEdgesRequest updates edge properties on one shard.
type UpdateEdgesRequest struct {
	TransactionId hlc.Hlc          `json:"transaction_id"`
	NewProperties []UpdateEdgeProp `json:"new_properties"`
}

// UpdateEdgesResponse reports the outcome of an UpdateEdgesRequest.
type UpdateEdgesResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// DeleteEdgesRequest deletes edges on one shard.
type DeleteEdgesRequest struct {
	TransactionId hlc.Hlc  `json:"transaction_id"`
	Edges         []EdgeId `json:"edges"`
}

// DeleteEdgesResponse reports the outcome of a DeleteEdgesRequest.
type DeleteEdgesResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// CommitRequest commits the transaction on one shard under the
// coordinator-issued commit timestamp. Commits are idempotent by
// transaction id.
type CommitRequest struct {
	TransactionId   hlc.Hlc `json:"transaction_id"`
	CommitTimestamp hlc.Hlc `json:"commit_timestamp"`
}

// CommitResponse reports the outcome of a CommitRequest.
type CommitResponse struct {
	Error *ShardError `json:"error,omitempty"`
}

// StorageReadRequest is the read-side tagged union. Exactly one field is
// set.
type StorageReadRequest struct {
	ScanVertices  *ScanVerticesRequest  `json:"scan_vertices,omitempty"`
	GetProperties *GetPropertiesRequest `json:"get_properties,omitempty"`
	ExpandOne     *ExpandOneRequest     `json:"expand_one,omitempty"`
}

// StorageReadResponse is the read-side response union.
type StorageReadResponse struct {
	ScanVertices  *ScanVerticesResponse  `json:"scan_vertices,omitempty"`
	GetProperties *GetPropertiesResponse `json:"get_properties,omitempty"`
	ExpandOne     *ExpandOneResponse     `json:"expand_one,omitempty"`
}

// StorageWriteRequest is the write-side tagged union. Exactly one field
// is set.
type StorageWriteRequest struct {
	CreateVertices *CreateVerticesRequest `json:"create_vertices,omitempty"`
	CreateExpand   *CreateExpandRequest   `json:"create_expand,omitempty"`
	DeleteVertices *DeleteVerticesRequest `json:"delete_vertices,omitempty"`
	UpdateVertices *UpdateVerticesRequest `json:"update_vertices,omitempty"`
	UpdateEdges    *UpdateEdgesRequest    `json:"update_edges,omitempty"`
	DeleteEdges    *DeleteEdgesRequest    `json:"delete_edges,omitempty"`
	Commit         *CommitRequest         `json:"commit,omitempty"`
}

// StorageWriteResponse is the write-side response union.
type StorageWriteResponse struct {
	CreateVertices *CreateVerticesResponse `json:"create_vertices,omitempty"`
	CreateExpand   *CreateExpandResponse   `json:"create_expand,omitempty"`
	DeleteVertices *DeleteVerticesResponse `json:"delete_vertices,omitempty"`
	UpdateVertices *UpdateVerticesResponse `json:"update_vertices,omitempty"`
	UpdateEdges    *UpdateEdgesResponse    `json:"update_edges,omitempty"`
	DeleteEdges    *DeleteEdgesResponse    `json:"delete_edges,omitempty"`
	Commit         *CommitResponse         `json:"commit,omitempty"`
}

// FirstError returns the error of whichever variant is set, or nil.
func (r *StorageWriteResponse) FirstError() *ShardError {
	switch {
	case r.CreateVertices != nil:
		return r.CreateVertices.Error
	case r.CreateExpand != nil:
		return r.CreateExpand.Error
	case r.DeleteVertices != nil:
		return r.DeleteVertices.Error
	case r.UpdateVertices != nil:
		return r.UpdateVertices.Error
	case r.UpdateEdges != nil:
		return r.UpdateEdges.Error
	case r.DeleteEdges != nil:
		return r.DeleteEdges.Error
	case r.Commit != nil:
		return r.Commit.Error
	default:
		return nil
	}
}
