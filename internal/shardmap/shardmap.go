// Package shardmap holds the authoritative, versioned mapping from
// (label, primary key) to the shard and replica set that owns it. The
// coordinator state machine is the only writer; routers hold read-only
// copies and replace them wholesale when a fresher version arrives.
package shardmap

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/filigreedb/filigree/internal/hlc"
	"github.com/filigreedb/filigree/internal/msgs"
)

// Replica is one member of a shard's replica set. The first replica of a
// set is the current leader hint; routing must tolerate the hint being
// stale.
type Replica struct {
	Address      msgs.Address `json:"address"`
	IsLeaderHint bool         `json:"is_leader_hint"`
}

// Shard owns the half-open primary-key range [LowKey, next shard's
// LowKey) within one label space.
type Shard struct {
	Label    msgs.LabelId    `json:"label"`
	LowKey   msgs.PrimaryKey `json:"low_key"`
	Replicas []Replica       `json:"replicas"`
}

// Key returns a stable identity string for the shard, usable as a cache
// key. Two shards compare equal iff they cover the same low key of the
// same label space.
func (s Shard) Key() string {
	pk, _ := json.Marshal(s.LowKey)
	return fmt.Sprintf("%d/%s", s.Label, pk)
}

// GroupId returns the RSM group name hosting this shard. It is derived
// from the shard identity so every replica and every router computes
// the same name.
func (s Shard) GroupId() string {
	pk, _ := json.Marshal(s.LowKey)
	sum := sha256.Sum256(pk)
	return fmt.Sprintf("shard-%d-%x", s.Label, sum[:6])
}

// hostOf strips the group suffix of an address.
func hostOf(addr msgs.Address) string {
	if i := strings.IndexByte(string(addr), '/'); i >= 0 {
		return string(addr)[:i]
	}
	return string(addr)
}

// withGroup rebinds the replica set's addresses to the shard's own RSM
// group endpoint on the same hosts.
func withGroup(replicas []Replica, group string) []Replica {
	out := make([]Replica, len(replicas))
	for i, r := range replicas {
		out[i] = Replica{
			Address:      msgs.Address(hostOf(r.Address) + "/" + group),
			IsLeaderHint: r.IsLeaderHint,
		}
	}
	return out
}

// LeaderHint returns the address of the first replica.
func (s Shard) LeaderHint() msgs.Address {
	if len(s.Replicas) == 0 {
		return ""
	}
	return s.Replicas[0].Address
}

// Addresses returns the replica addresses in order.
func (s Shard) Addresses() []msgs.Address {
	addrs := make([]msgs.Address, len(s.Replicas))
	for i, r := range s.Replicas {
		addrs[i] = r.Address
	}
	return addrs
}

// SchemaProperty is one component of a label's primary key schema.
type SchemaProperty struct {
	PropertyId msgs.PropertyId `json:"property_id"`
	Type       msgs.ValueKind  `json:"type"`
}

// LabelSpace is the ordered shard list of one label, ascending by LowKey.
type LabelSpace struct {
	Shards            []Shard `json:"shards"`
	ReplicationFactor int     `json:"replication_factor"`
}

// ShardMap is the versioned cluster routing table. Versions are monotone;
// a newer map supersedes an older one wholesale.
type ShardMap struct {
	Version     hlc.Hlc                          `json:"version"`
	Labels      map[string]msgs.LabelId          `json:"labels"`
	Properties  map[string]msgs.PropertyId       `json:"properties"`
	EdgeTypes   map[string]msgs.EdgeTypeId       `json:"edge_types"`
	Schemas     map[msgs.LabelId][]SchemaProperty `json:"schemas"`
	LabelSpaces map[msgs.LabelId]*LabelSpace     `json:"label_spaces"`

	NextLabelId    uint64 `json:"next_label_id"`
	NextPropertyId uint64 `json:"next_property_id"`
	NextEdgeTypeId uint64 `json:"next_edge_type_id"`
}

// New returns an empty shard map at version zero.
func New() *ShardMap {
	return &ShardMap{
		Labels:      make(map[string]msgs.LabelId),
		Properties:  make(map[string]msgs.PropertyId),
		EdgeTypes:   make(map[string]msgs.EdgeTypeId),
		Schemas:     make(map[msgs.LabelId][]SchemaProperty),
		LabelSpaces: make(map[msgs.LabelId]*LabelSpace),
	}
}

// GetHlc returns the map version.
func (m *ShardMap) GetHlc() hlc.Hlc { return m.Version }

// GetLabelId looks up a label by name.
func (m *ShardMap) GetLabelId(name string) (msgs.LabelId, bool) {
	id, ok := m.Labels[name]
	return id, ok
}

// GetPropertyId looks up a property by name.
func (m *ShardMap) GetPropertyId(name string) (msgs.PropertyId, bool) {
	id, ok := m.Properties[name]
	return id, ok
}

// GetEdgeTypeId looks up an edge type by name.
func (m *ShardMap) GetEdgeTypeId(name string) (msgs.EdgeTypeId, bool) {
	id, ok := m.EdgeTypes[name]
	return id, ok
}

// RegisterProperty registers a property name, allocating an id on first
// use. The registry is append-only.
func (m *ShardMap) RegisterProperty(name string) msgs.PropertyId {
	if id, ok := m.Properties[name]; ok {
		return id
	}
	id := msgs.PropertyId(m.NextPropertyId)
	m.NextPropertyId++
	m.Properties[name] = id
	return id
}

// RegisterEdgeType registers an edge type name, allocating an id on
// first use.
func (m *ShardMap) RegisterEdgeType(name string) msgs.EdgeTypeId {
	if id, ok := m.EdgeTypes[name]; ok {
		return id
	}
	id := msgs.EdgeTypeId(m.NextEdgeTypeId)
	m.NextEdgeTypeId++
	m.EdgeTypes[name] = id
	return id
}

// InitializeLabel registers a label with its primary-key schema and
// creates its label space with one shard per split point. All shards
// start with the given replica set. The first split point must be the
// lowest key the space serves.
func (m *ShardMap) InitializeLabel(name string, schema []SchemaProperty, replicationFactor int, splitPoints []msgs.PrimaryKey, replicas []Replica) (msgs.LabelId, error) {
	if _, ok := m.Labels[name]; ok {
		return 0, fmt.Errorf("label %q already initialized", name)
	}
	if len(splitPoints) == 0 {
		return 0, fmt.Errorf("label %q needs at least one split point", name)
	}
	id := msgs.LabelId(m.NextLabelId)
	m.NextLabelId++
	m.Labels[name] = id
	m.Schemas[id] = append([]SchemaProperty(nil), schema...)

	space := &LabelSpace{ReplicationFactor: replicationFactor}
	for _, point := range splitPoints {
		shard := Shard{Label: id, LowKey: msgs.ClonePrimaryKey(point)}
		shard.Replicas = withGroup(replicas, shard.GroupId())
		space.Shards = append(space.Shards, shard)
	}
	sort.Slice(space.Shards, func(i, j int) bool {
		return msgs.ComparePrimaryKeys(space.Shards[i].LowKey, space.Shards[j].LowKey) < 0
	})
	m.LabelSpaces[id] = space
	return id, nil
}

// GetShardForKey resolves the shard owning the given primary key.
func (m *ShardMap) GetShardForKey(label msgs.LabelId, key msgs.PrimaryKey) (Shard, error) {
	space, ok := m.LabelSpaces[label]
	if !ok {
		return Shard{}, fmt.Errorf("label %d has no label space", label)
	}
	// First shard strictly above the key; the owner is its predecessor.
	idx := sort.Search(len(space.Shards), func(i int) bool {
		return msgs.ComparePrimaryKeys(space.Shards[i].LowKey, key) > 0
	})
	if idx == 0 {
		return Shard{}, fmt.Errorf("key below the lowest shard of label %d", label)
	}
	return space.Shards[idx-1], nil
}

// GetShardsForLabel returns the ordered shard list of a label space.
func (m *ShardMap) GetShardsForLabel(label msgs.LabelId) ([]Shard, error) {
	space, ok := m.LabelSpaces[label]
	if !ok {
		return nil, fmt.Errorf("label %d has no label space", label)
	}
	return append([]Shard(nil), space.Shards...), nil
}

// GetAllShards returns every shard of every label space.
func (m *ShardMap) GetAllShards() []Shard {
	var out []Shard
	for _, space := range m.LabelSpaces {
		out = append(out, space.Shards...)
	}
	return out
}

// SplitShard inserts a new shard at splitKey, inheriting the parent's
// replica set, and truncates the parent's range at splitKey. It fails
// with a conflict when prevVersion does not match the current version.
// The caller supplies the fresh map version.
func (m *ShardMap) SplitShard(prevVersion hlc.Hlc, label msgs.LabelId, splitKey msgs.PrimaryKey, newVersion hlc.Hlc) error {
	if !prevVersion.Equal(m.Version) {
		return msgs.NewShardError(msgs.CodeConflict,
			"shard map version moved: have %s, caller expected %s", m.Version, prevVersion)
	}
	space, ok := m.LabelSpaces[label]
	if !ok {
		return msgs.NewShardError(msgs.CodeNotFound, "label %d has no label space", label)
	}
	idx := sort.Search(len(space.Shards), func(i int) bool {
		return msgs.ComparePrimaryKeys(space.Shards[i].LowKey, splitKey) > 0
	})
	if idx == 0 {
		return msgs.NewShardError(msgs.CodeNotFound, "split key below the lowest shard of label %d", label)
	}
	parent := space.Shards[idx-1]
	if msgs.ComparePrimaryKeys(parent.LowKey, splitKey) == 0 {
		return msgs.NewShardError(msgs.CodeConflict, "shard already starts at the split key")
	}
	child := Shard{Label: label, LowKey: msgs.ClonePrimaryKey(splitKey)}
	child.Replicas = withGroup(parent.Replicas, child.GroupId())
	space.Shards = append(space.Shards, Shard{})
	copy(space.Shards[idx+1:], space.Shards[idx:])
	space.Shards[idx] = child
	m.Version = newVersion
	return nil
}

// Clone returns a deep copy of the map.
func (m *ShardMap) Clone() *ShardMap {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("shard map not serializable: %v", err))
	}
	out := New()
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("shard map clone failed: %v", err))
	}
	return out
}
