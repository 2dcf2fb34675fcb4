package shardmap

// NameIdMapper is an append-only bidirectional registry between names and
// numeric ids. The shard map owns one per id space (labels, properties,
// edge types); the router rebuilds its own copies on every map refresh.
type NameIdMapper struct {
	nameToId map[string]uint64
	idToName map[uint64]string
	nextId   uint64
}

// NewNameIdMapper returns an empty registry.
func NewNameIdMapper() *NameIdMapper {
	return &NameIdMapper{
		nameToId: make(map[string]uint64),
		idToName: make(map[uint64]string),
	}
}

// Register returns the id for name, allocating the next id on first use.
func (m *NameIdMapper) Register(name string) uint64 {
	if id, ok := m.nameToId[name]; ok {
		return id
	}
	id := m.nextId
	m.nextId++
	m.nameToId[name] = id
	m.idToName[id] = name
	return id
}

// NameToId looks up the id of a registered name.
func (m *NameIdMapper) NameToId(name string) (uint64, bool) {
	id, ok := m.nameToId[name]
	return id, ok
}

// IdToName looks up the name of a registered id.
func (m *NameIdMapper) IdToName(id uint64) (string, bool) {
	name, ok := m.idToName[id]
	return name, ok
}

// StoreMapping replaces the registry contents wholesale.
func (m *NameIdMapper) StoreMapping(idToName map[uint64]string) {
	m.nameToId = make(map[string]uint64, len(idToName))
	m.idToName = make(map[uint64]string, len(idToName))
	m.nextId = 0
	for id, name := range idToName {
		m.idToName[id] = name
		m.nameToId[name] = id
		if id >= m.nextId {
			m.nextId = id + 1
		}
	}
}
