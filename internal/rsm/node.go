package rsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/msgs"
)

// Peer is one member of an RSM group.
type Peer struct {
	ID      uint64       `yaml:"id" json:"id"`
	Address msgs.Address `yaml:"address" json:"address"`
}

// Config configures a Node.
type Config struct {
	ID            uint64
	Group         string
	Peers         []Peer
	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int
	Logger        *zap.Logger
}

// LeadershipCallback is invoked from the Ready loop whenever this node
// gains or loses leadership.
type LeadershipCallback func(isLeader bool)

type proposal struct {
	ID      uuid.UUID       `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type proposalResult struct {
	payload []byte
	err     error
}

// Node hosts one state machine replica inside a raft group.
type Node struct {
	id    uint64
	group string
	peers map[uint64]msgs.Address

	raw       raft.Node
	storage   *raft.MemoryStorage
	sm        StateMachine
	transport Transport

	tickInterval time.Duration

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposalResult

	leaderMu     sync.RWMutex
	leader       uint64
	onLeadership LeadershipCallback

	logger *zap.Logger
}

// NewNode builds a node. Run must be called to start the tick/Ready
// loop.
func NewNode(cfg Config, sm StateMachine, transport Transport) (*Node, error) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ElectionTick == 0 {
		cfg.ElectionTick = 10
	}
	if cfg.HeartbeatTick == 0 {
		cfg.HeartbeatTick = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	peers := make(map[uint64]msgs.Address, len(cfg.Peers))
	raftPeers := make([]raft.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer id %d in group %s", p.ID, cfg.Group)
		}
		peers[p.ID] = p.Address
		raftPeers = append(raftPeers, raft.Peer{ID: p.ID, Context: []byte(p.Address)})
	}
	if _, ok := peers[cfg.ID]; !ok {
		return nil, fmt.Errorf("node id %d not in peer list of group %s", cfg.ID, cfg.Group)
	}

	storage := raft.NewMemoryStorage()
	rcfg := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:           cfg.ID,
		group:        cfg.Group,
		peers:        peers,
		raw:          raft.StartNode(rcfg, raftPeers),
		storage:      storage,
		sm:           sm,
		transport:    transport,
		tickInterval: cfg.TickInterval,
		ctx:          ctx,
		stop:         cancel,
		proposals:    make(map[uuid.UUID]chan proposalResult),
		logger:       cfg.Logger.With(zap.String("group", cfg.Group), zap.Uint64("node_id", cfg.ID)),
	}
	return n, nil
}

// Group returns the RSM group name.
func (n *Node) Group() string { return n.group }

// Address returns this node's own address within the group.
func (n *Node) Address() msgs.Address { return n.peers[n.id] }

// SetLeadershipCallback installs the leadership notification hook. Must
// be called before Run.
func (n *Node) SetLeadershipCallback(cb LeadershipCallback) { n.onLeadership = cb }

// Run drives the raft tick and Ready loop until the context is done.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.raw.Tick()
		case rd := <-n.raw.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}

	if rd.SoftState != nil {
		n.observeLeadership(rd.SoftState.Lead)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if err := n.applyEntry(entry); err != nil {
				return fmt.Errorf("apply entry: %w", err)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.raw.ApplyConfChange(cc)
		}
	}

	n.raw.Advance()
	return nil
}

func (n *Node) observeLeadership(lead uint64) {
	n.leaderMu.Lock()
	prev := n.leader
	n.leader = lead
	n.leaderMu.Unlock()

	if prev != lead && n.onLeadership != nil {
		// Callbacks run off the Ready loop: a new leader's first act is
		// often a proposal, which must not block its own apply path.
		if lead == n.id {
			n.logger.Info("became leader")
			go n.onLeadership(true)
		} else if prev == n.id {
			n.logger.Info("lost leadership", zap.Uint64("new_leader", lead))
			go n.onLeadership(false)
		}
	}
}

func (n *Node) sendMessages(messages []raftpb.Message) {
	for _, m := range messages {
		if m.To == n.id {
			continue
		}
		n.transport.Send(n.group, m)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		return nil
	}
	var p proposal
	if err := json.Unmarshal(entry.Data, &p); err != nil {
		return fmt.Errorf("unmarshal proposal: %w", err)
	}

	payload, err := n.sm.Apply(p.Payload)

	n.notifyProposal(p.ID, proposalResult{payload: payload, err: err})
	return nil
}

func (n *Node) notifyProposal(id uuid.UUID, result proposalResult) {
	n.proposalsMu.RLock()
	ch, ok := n.proposals[id]
	n.proposalsMu.RUnlock()
	if !ok {
		// Follower apply, or the proposer already gave up.
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// IsLeader reports whether this node currently believes it leads the
// group.
func (n *Node) IsLeader() bool {
	n.leaderMu.RLock()
	defer n.leaderMu.RUnlock()
	return n.leader == n.id
}

// LeaderAddress returns the address of the current leader, if known.
func (n *Node) LeaderAddress() (msgs.Address, bool) {
	n.leaderMu.RLock()
	defer n.leaderMu.RUnlock()
	addr, ok := n.peers[n.leader]
	return addr, ok && n.leader != 0
}

// Propose replicates a payload through the log and returns the state
// machine's apply result.
func (n *Node) Propose(ctx context.Context, payload []byte) ([]byte, error) {
	p := proposal{ID: uuid.New(), Payload: payload}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}

	ch := make(chan proposalResult, 1)
	n.proposalsMu.Lock()
	n.proposals[p.ID] = ch
	n.proposalsMu.Unlock()
	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, p.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.raw.Propose(ctx, data); err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-ch:
		return result.payload, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, fmt.Errorf("node stopped")
	}
}

// Step feeds an inbound raft message from a peer into the node.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	return n.raw.Step(ctx, m)
}

// HandleRequest serves a client request: reads and writes on the
// leader, a leader hint everywhere else.
func (n *Node) HandleRequest(ctx context.Context, req Request) Response {
	if !n.IsLeader() {
		resp := Response{NotLeader: true}
		if addr, ok := n.LeaderAddress(); ok {
			resp.LeaderHint = &addr
		}
		return resp
	}

	switch req.Kind {
	case KindRead:
		payload, err := n.sm.Read(req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true, Payload: payload}
	case KindWrite:
		payload, err := n.Propose(ctx, req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true, Payload: payload}
	default:
		return Response{Error: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}

// Stop terminates the node and fails every in-flight proposal.
func (n *Node) Stop() {
	n.raw.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for id, ch := range n.proposals {
		select {
		case ch <- proposalResult{err: fmt.Errorf("node stopped")}:
		default:
		}
		delete(n.proposals, id)
	}
	n.proposalsMu.Unlock()
}
