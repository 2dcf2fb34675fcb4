// Package server hosts RSM nodes on a process: the per-group node
// registry, the shard-map reconciler that materializes shards (and
// drives splits) on the replicas named by the map, and the HTTP surface
// exposing raft traffic, RSM requests, metrics and health.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/coordinator"
	"github.com/filigreedb/filigree/internal/metrics"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/shardmap"
	"github.com/filigreedb/filigree/internal/storage"
)

// CoordinatorReader reads the shard map; the router package's
// CoordinatorClient satisfies it.
type CoordinatorReader interface {
	SendReadRequest(ctx context.Context, req coordinator.ReadRequest) (*coordinator.ReadResponse, error)
}

// RaftSettings carries the RSM timing knobs shared by every group a
// host serves.
type RaftSettings struct {
	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int
}

// Host runs the RSM nodes of one process: at most one coordinator
// replica plus one node per hosted shard.
type Host struct {
	mu sync.Mutex

	hostAddr  string
	transport rsm.Transport
	raft      RaftSettings

	nodes   map[string]*rsm.Node
	engines map[string]*storage.ShardEngine
	cancels map[string]context.CancelFunc

	storageCfg storage.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics

	onRegister func(node *rsm.Node)
}

// NewHost builds an empty host serving RSM groups at hostAddr.
func NewHost(hostAddr string, transport rsm.Transport, raft RaftSettings, storageCfg storage.Config, logger *zap.Logger, m *metrics.Metrics) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		hostAddr:   hostAddr,
		transport:  transport,
		raft:       raft,
		nodes:      make(map[string]*rsm.Node),
		engines:    make(map[string]*storage.ShardEngine),
		cancels:    make(map[string]context.CancelFunc),
		storageCfg: storageCfg,
		logger:     logger,
		metrics:    m,
	}
}

// SetRegisterHook installs a callback invoked for every node the host
// starts; the in-process network uses it to learn dispatch targets.
func (h *Host) SetRegisterHook(hook func(node *rsm.Node)) { h.onRegister = hook }

// Node returns the RSM node serving a group.
func (h *Host) Node(group string) (*rsm.Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	node, ok := h.nodes[group]
	return node, ok
}

// Engine returns the shard engine of a hosted shard group.
func (h *Host) Engine(group string) (*storage.ShardEngine, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	engine, ok := h.engines[group]
	return engine, ok
}

// peerRegistrar is satisfied by transports that keep a peer table
// (the HTTP transport); the in-process network resolves peers itself.
type peerRegistrar interface {
	AddPeer(group string, id uint64, addr msgs.Address)
}

func (h *Host) startNode(group string, cfg rsm.Config, sm rsm.StateMachine) (*rsm.Node, error) {
	if pr, ok := h.transport.(peerRegistrar); ok {
		for _, p := range cfg.Peers {
			pr.AddPeer(group, p.ID, p.Address)
		}
	}
	node, err := rsm.NewNode(cfg, sm, h.transport)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h.nodes[group] = node
	h.cancels[group] = cancel
	if h.onRegister != nil {
		h.onRegister(node)
	}
	go func() {
		if err := node.Run(runCtx); err != nil && runCtx.Err() == nil {
			h.logger.Error("rsm node stopped", zap.String("group", group), zap.Error(err))
		}
	}()
	return node, nil
}

// ServeCoordinator starts the coordinator replica of this host.
func (h *Host) ServeCoordinator(coord *coordinator.Coordinator, id uint64, peers []rsm.Peer) (*rsm.Node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	const group = "coordinator"
	if _, ok := h.nodes[group]; ok {
		return nil, fmt.Errorf("coordinator already served")
	}
	node, err := h.startNode(group, rsm.Config{
		ID:            id,
		Group:         group,
		Peers:         peers,
		TickInterval:  h.raft.TickInterval,
		ElectionTick:  h.raft.ElectionTick,
		HeartbeatTick: h.raft.HeartbeatTick,
		Logger:        h.logger,
	}, coord)
	if err != nil {
		return nil, err
	}
	coord.SetProposer(node)
	node.SetLeadershipCallback(coord.OnLeadershipChange)
	return node, nil
}

// replicaId returns this host's 1-based position in a shard's replica
// set, or false when the host is not a member.
func (h *Host) replicaId(shard shardmap.Shard) (uint64, bool) {
	for i, replica := range shard.Replicas {
		if rsm.HostOf(replica.Address) == h.hostAddr {
			return uint64(i + 1), true
		}
	}
	return 0, false
}

func shardPeers(shard shardmap.Shard) []rsm.Peer {
	peers := make([]rsm.Peer, len(shard.Replicas))
	for i, replica := range shard.Replicas {
		peers[i] = rsm.Peer{ID: uint64(i + 1), Address: replica.Address}
	}
	return peers
}

// serveShardLocked starts an RSM node around an existing engine.
func (h *Host) serveShardLocked(shard shardmap.Shard, engine *storage.ShardEngine) error {
	id, member := h.replicaId(shard)
	if !member {
		return fmt.Errorf("host %s is not a replica of shard %s", h.hostAddr, shard.Key())
	}
	group := shard.GroupId()
	if _, ok := h.nodes[group]; ok {
		return fmt.Errorf("shard group %s already served", group)
	}
	if _, err := h.startNode(group, rsm.Config{
		ID:            id,
		Group:         group,
		Peers:         shardPeers(shard),
		TickInterval:  h.raft.TickInterval,
		ElectionTick:  h.raft.ElectionTick,
		HeartbeatTick: h.raft.HeartbeatTick,
		Logger:        h.logger,
	}, storage.NewShardStateMachine(engine)); err != nil {
		return err
	}
	h.engines[group] = engine
	h.logger.Info("shard served",
		zap.String("group", group),
		zap.Uint64("label", uint64(shard.Label)))
	return nil
}

// ServeShard materializes an empty shard this host replicates.
func (h *Host) ServeShard(shard shardmap.Shard, schema []shardmap.SchemaProperty, highKey msgs.PrimaryKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	engine := storage.NewShardEngine(shard.Label, schema, shard.LowKey, highKey, h.storageCfg, h.logger)
	return h.serveShardLocked(shard, engine)
}

// ApplySplit splits a hosted parent shard at the child's low key and
// serves the resulting shard. The parent keeps serving its truncated
// range.
func (h *Host) ApplySplit(parent shardmap.Shard, child shardmap.Shard) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	parentEngine, ok := h.engines[parent.GroupId()]
	if !ok {
		return fmt.Errorf("parent shard %s not hosted here", parent.Key())
	}
	data, err := parentEngine.PerformSplit(child.LowKey)
	if err != nil {
		return err
	}
	childEngine := storage.NewShardEngineFromSplit(data, h.storageCfg, h.logger)
	if h.metrics != nil {
		h.metrics.ShardSplitsTotal.Inc()
	}
	return h.serveShardLocked(child, childEngine)
}

// ReconcileShardMap materializes every shard of the map this host
// replicates but does not serve yet. A shard whose range is carved out
// of a hosted parent is installed through a split; anything else starts
// empty.
func (h *Host) ReconcileShardMap(m *shardmap.ShardMap) error {
	for label, space := range m.LabelSpaces {
		shards := space.Shards
		for i, shard := range shards {
			if _, member := h.replicaId(shard); !member {
				continue
			}
			if _, served := h.Node(shard.GroupId()); served {
				continue
			}
			var highKey msgs.PrimaryKey
			if i+1 < len(shards) {
				highKey = shards[i+1].LowKey
			}
			if parent, ok := h.splitParent(shards, i); ok {
				if err := h.ApplySplit(parent, shard); err != nil {
					return fmt.Errorf("split for shard %s: %w", shard.Key(), err)
				}
				continue
			}
			if err := h.ServeShard(shard, m.Schemas[label], highKey); err != nil {
				return fmt.Errorf("serve shard %s: %w", shard.Key(), err)
			}
		}
	}
	return nil
}

// splitParent finds a hosted shard whose current range still covers the
// unserved shard's low key, meaning the map change was a split of that
// shard.
func (h *Host) splitParent(shards []shardmap.Shard, i int) (shardmap.Shard, bool) {
	for j := i - 1; j >= 0; j-- {
		candidate := shards[j]
		engine, hosted := h.Engine(candidate.GroupId())
		if !hosted {
			continue
		}
		// The parent still owns the child's low key until PerformSplit
		// truncates it.
		if msgs.ComparePrimaryKeys(shards[i].LowKey, engine.LowKey()) >= 0 {
			return candidate, true
		}
	}
	return shardmap.Shard{}, false
}

// WatchShardMap polls the coordinator and reconciles until the context
// is done.
func (h *Host) WatchShardMap(ctx context.Context, reader CoordinatorReader, interval time.Duration) {
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := reader.SendReadRequest(ctx, coordinator.ReadRequest{
			GetShardMap: &coordinator.GetShardMapRequest{},
		})
		if err != nil {
			h.logger.Debug("shard map poll failed", zap.Error(err))
			continue
		}
		if resp.GetShardMap == nil || resp.GetShardMap.ShardMap == nil {
			continue
		}
		m := resp.GetShardMap.ShardMap
		if m.Version.LogicalId == lastVersion {
			continue
		}
		if err := h.ReconcileShardMap(m); err != nil {
			h.logger.Warn("shard map reconcile failed", zap.Error(err))
			continue
		}
		lastVersion = m.Version.LogicalId
	}
}

// Stop shuts down every hosted node.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for group, cancel := range h.cancels {
		cancel()
		h.nodes[group].Stop()
	}
	h.cancels = make(map[string]context.CancelFunc)
	h.nodes = make(map[string]*rsm.Node)
	h.engines = make(map[string]*storage.ShardEngine)
}
