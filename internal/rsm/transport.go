package rsm

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/filigreedb/filigree/internal/msgs"
)

// Transport delivers raft messages to group peers.
type Transport interface {
	Send(group string, m raftpb.Message)
}

// Caller delivers a client request to an RSM node and returns its
// response. Implementations exist for in-process dispatch (tests,
// single-binary deployments) and HTTP.
type Caller interface {
	Call(ctx context.Context, to msgs.Address, req Request) (Response, error)
}

// MemoryNetwork connects nodes living in the same process: raft traffic
// is stepped directly into the peer and client requests dispatch to the
// addressed node. It implements both Transport and Caller.
type MemoryNetwork struct {
	mu       sync.RWMutex
	groups   map[string]map[uint64]*Node
	handlers map[msgs.Address]*Node
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		groups:   make(map[string]map[uint64]*Node),
		handlers: make(map[msgs.Address]*Node),
	}
}

// Register adds a node to the network, reachable for raft traffic by
// (group, id) and for client requests by its address.
func (mn *MemoryNetwork) Register(node *Node) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	group, ok := mn.groups[node.Group()]
	if !ok {
		group = make(map[uint64]*Node)
		mn.groups[node.Group()] = group
	}
	group[node.id] = node
	mn.handlers[node.Address()] = node
}

// Deregister removes a node, typically after a shard moved elsewhere.
func (mn *MemoryNetwork) Deregister(node *Node) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if group, ok := mn.groups[node.Group()]; ok {
		delete(group, node.id)
	}
	delete(mn.handlers, node.Address())
}

// Send implements Transport.
func (mn *MemoryNetwork) Send(group string, m raftpb.Message) {
	mn.mu.RLock()
	peer := mn.groups[group][m.To]
	mn.mu.RUnlock()
	if peer == nil {
		return // dropped, raft retries
	}
	go func() {
		_ = peer.Step(context.Background(), m)
	}()
}

// Call implements Caller.
func (mn *MemoryNetwork) Call(ctx context.Context, to msgs.Address, req Request) (Response, error) {
	mn.mu.RLock()
	node := mn.handlers[to]
	mn.mu.RUnlock()
	if node == nil {
		return Response{}, fmt.Errorf("no node at address %s", to)
	}
	return node.HandleRequest(ctx, req), nil
}
