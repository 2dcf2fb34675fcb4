// Package registrar ties cluster membership to the coordinator's
// storage-engine pool: storage nodes join a gossip cluster, and the
// coordinator side translates join/leave events into
// Register/DeregisterStorageEngine writes.
package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/coordinator"
	"github.com/filigreedb/filigree/internal/msgs"
)

// Config holds gossip settings.
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// CoordinatorWriter issues coordinator writes; the router package's
// CoordinatorClient satisfies it.
type CoordinatorWriter interface {
	SendWriteRequest(ctx context.Context, req coordinator.WriteRequest) (*coordinator.WriteResponse, error)
}

// nodeMeta is the payload a member advertises: the RPC address the
// coordinator should register.
type nodeMeta struct {
	NodeID  string       `json:"node_id"`
	Address msgs.Address `json:"address"`
}

// Registrar is a gossip member. On a coordinator it additionally writes
// pool changes through the RSM; on a storage node writer is nil and the
// member only advertises itself.
type Registrar struct {
	config     *Config
	memberlist *memberlist.Memberlist
	meta       nodeMeta
	writer     CoordinatorWriter
	logger     *zap.Logger
}

// New joins the gossip cluster advertising the given RPC address.
func New(cfg *Config, nodeID string, rpcAddress msgs.Address, writer CoordinatorWriter, logger *zap.Logger) (*Registrar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registrar{
		config: cfg,
		meta:   nodeMeta{NodeID: nodeID, Address: rpcAddress},
		writer: writer,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = r
	mlConfig.Events = &eventDelegate{registrar: r}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	r.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	return r, nil
}

// NodeMeta implements memberlist.Delegate.
func (r *Registrar) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(r.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (r *Registrar) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (r *Registrar) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (r *Registrar) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (r *Registrar) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the gossip cluster.
func (r *Registrar) Shutdown() error {
	return r.memberlist.Shutdown()
}

// eventDelegate forwards membership events to the coordinator pool.
type eventDelegate struct {
	registrar *Registrar
}

func decodeMeta(node *memberlist.Node) (nodeMeta, bool) {
	var meta nodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return meta, false
	}
	return meta, meta.Address != ""
}

// NotifyJoin registers the joining storage node with the coordinator.
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	r := d.registrar
	r.logger.Info("node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	if r.writer == nil {
		return
	}
	meta, ok := decodeMeta(node)
	if !ok || meta.NodeID == r.meta.NodeID {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := r.writer.SendWriteRequest(ctx, coordinator.WriteRequest{
			RegisterStorageEngine: &coordinator.RegisterStorageEngineRequest{Address: meta.Address},
		})
		if err != nil {
			r.logger.Warn("failed to register storage engine",
				zap.String("address", string(meta.Address)),
				zap.Error(err))
		}
	}()
}

// NotifyLeave deregisters the leaving storage node.
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	r := d.registrar
	r.logger.Info("node left", zap.String("node_id", node.Name))
	if r.writer == nil {
		return
	}
	meta, ok := decodeMeta(node)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := r.writer.SendWriteRequest(ctx, coordinator.WriteRequest{
			DeregisterStorageEngine: &coordinator.DeregisterStorageEngineRequest{Address: meta.Address},
		})
		if err != nil {
			r.logger.Warn("failed to deregister storage engine",
				zap.String("address", string(meta.Address)),
				zap.Error(err))
		}
	}()
}

// NotifyUpdate implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.registrar.logger.Debug("node updated", zap.String("node_id", node.Name))
}
