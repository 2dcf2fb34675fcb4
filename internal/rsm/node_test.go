package rsm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filigreedb/filigree/internal/msgs"
)

// echoSM records applied payloads and echoes them back.
type echoSM struct {
	mu      sync.Mutex
	applied []string
}

func (s *echoSM) Apply(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, string(payload))
	return payload, nil
}

func (s *echoSM) Read(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(len(s.applied))
	if err != nil {
		return nil, err
	}
	_ = payload
	return data, nil
}

func startCluster(t *testing.T, size int) (*MemoryNetwork, []*Node, []*echoSM, context.CancelFunc) {
	t.Helper()
	network := NewMemoryNetwork()

	peers := make([]Peer, size)
	for i := 0; i < size; i++ {
		peers[i] = Peer{ID: uint64(i + 1), Address: msgs.Address(string(rune('a'+i)) + "/group")}
	}

	ctx, cancel := context.WithCancel(context.Background())
	nodes := make([]*Node, size)
	sms := make([]*echoSM, size)
	for i := 0; i < size; i++ {
		sm := &echoSM{}
		node, err := NewNode(Config{
			ID:           uint64(i + 1),
			Group:        "group",
			Peers:        peers,
			TickInterval: 5 * time.Millisecond,
		}, sm, network)
		require.NoError(t, err)
		network.Register(node)
		nodes[i] = node
		sms[i] = sm
		go func() { _ = node.Run(ctx) }()
	}
	return network, nodes, sms, cancel
}

func waitForLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, node := range nodes {
			if node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

func TestClusterElectsLeaderAndReplicates(t *testing.T) {
	_, nodes, sms, cancel := startCluster(t, 3)
	defer cancel()

	leader := waitForLeader(t, nodes)

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	result, err := leader.Propose(ctx, []byte(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(result))

	// Committed entries reach every replica.
	assert.Eventually(t, func() bool {
		for _, sm := range sms {
			sm.mu.Lock()
			n := len(sm.applied)
			sm.mu.Unlock()
			if n != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFollowerRedirectsWithLeaderHint(t *testing.T) {
	network, nodes, _, cancel := startCluster(t, 3)
	defer cancel()

	leader := waitForLeader(t, nodes)

	var follower *Node
	for _, node := range nodes {
		if node != leader {
			follower = node
			break
		}
	}
	require.NotNil(t, follower)

	// Followers eventually learn the leader and hint at it.
	assert.Eventually(t, func() bool {
		resp := follower.HandleRequest(context.Background(), Request{Kind: KindRead, Payload: json.RawMessage(`{}`)})
		return resp.NotLeader && resp.LeaderHint != nil && *resp.LeaderHint == leader.Address()
	}, 5*time.Second, 20*time.Millisecond)

	// A client pointed at the follower transparently reaches the leader.
	cli := NewClient(network, []msgs.Address{follower.Address(), leader.Address()}, ClientConfig{}, nil)
	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	payload, err := cli.SendWriteRequest(ctx, json.RawMessage(`"from-follower"`))
	require.NoError(t, err)
	assert.Equal(t, `"from-follower"`, string(payload))
}

func TestSingleNodeClusterServesRequests(t *testing.T) {
	network := NewMemoryNetwork()
	sm := &echoSM{}
	node, err := NewNode(Config{
		ID:           1,
		Group:        "solo",
		Peers:        []Peer{{ID: 1, Address: "solo-a/solo"}},
		TickInterval: 5 * time.Millisecond,
	}, sm, network)
	require.NoError(t, err)
	network.Register(node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = node.Run(ctx) }()

	waitForLeader(t, []*Node{node})

	resp := node.HandleRequest(context.Background(), Request{Kind: KindWrite, Payload: json.RawMessage(`1`)})
	require.True(t, resp.Success, "write failed: %s", resp.Error)

	resp = node.HandleRequest(context.Background(), Request{Kind: KindRead, Payload: json.RawMessage(`{}`)})
	require.True(t, resp.Success)
	assert.JSONEq(t, `1`, string(resp.Payload))
}
