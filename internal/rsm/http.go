package rsm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/msgs"
)

const (
	raftEndpoint = "/internal/raft"
	rsmEndpoint  = "/internal/rsm"
)

// HTTPTransport ships raft messages to peers over HTTP. Addresses carry
// an optional group suffix ("host:port/group"); the HTTP endpoint is
// derived from the host part.
type HTTPTransport struct {
	peersMu sync.RWMutex
	peers   map[string]map[uint64]msgs.Address // group -> id -> address
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPTransport builds a transport with empty per-group peer tables;
// AddPeer fills them.
func NewHTTPTransport(logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		peers:  make(map[string]map[uint64]msgs.Address),
		client: &http.Client{Timeout: 3 * time.Second},
		logger: logger,
	}
}

// AddPeer registers a peer endpoint for a group.
func (t *HTTPTransport) AddPeer(group string, id uint64, addr msgs.Address) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	peers, ok := t.peers[group]
	if !ok {
		peers = make(map[uint64]msgs.Address)
		t.peers[group] = peers
	}
	peers[id] = addr
}

// RemovePeer drops a peer endpoint.
func (t *HTTPTransport) RemovePeer(group string, id uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if peers, ok := t.peers[group]; ok {
		delete(peers, id)
	}
}

type raftFrame struct {
	Group   string          `json:"group"`
	Message json.RawMessage `json:"message"`
}

// Send implements Transport. Failures are logged and dropped; raft
// retries through its own heartbeat machinery.
func (t *HTTPTransport) Send(group string, m raftpb.Message) {
	t.peersMu.RLock()
	addr, ok := t.peers[group][m.To]
	t.peersMu.RUnlock()
	if !ok {
		return
	}

	body, err := json.Marshal(m)
	if err != nil {
		t.logger.Error("marshal raft message", zap.Error(err))
		return
	}
	frame, err := json.Marshal(raftFrame{Group: group, Message: body})
	if err != nil {
		t.logger.Error("marshal raft frame", zap.Error(err))
		return
	}

	go func() {
		url := "http://" + HostOf(addr) + raftEndpoint
		resp, err := t.client.Post(url, "application/json", bytes.NewReader(frame))
		if err != nil {
			t.logger.Debug("raft send failed",
				zap.String("group", group),
				zap.Uint64("to", m.To),
				zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(resp.Body)
			t.logger.Debug("raft send rejected",
				zap.String("group", group),
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", payload))
		}
	}()
}

// HostOf strips the group suffix of an address, leaving the HTTP
// host:port.
func HostOf(addr msgs.Address) string {
	if i := strings.IndexByte(string(addr), '/'); i >= 0 {
		return string(addr)[:i]
	}
	return string(addr)
}

// HTTPCaller delivers client requests to RSM nodes over HTTP using the
// message envelope.
type HTTPCaller struct {
	from   msgs.Address
	client *http.Client
	msgId  atomic.Uint64
}

// NewHTTPCaller builds a caller identifying itself with the given
// address.
func NewHTTPCaller(from msgs.Address, timeout time.Duration) *HTTPCaller {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPCaller{from: from, client: &http.Client{Timeout: timeout}}
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, to msgs.Address, req Request) (Response, error) {
	env := Envelope{
		MsgId:   c.msgId.Add(1),
		From:    c.from,
		To:      to,
		Request: &req,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, fmt.Errorf("marshal envelope: %w", err)
	}

	url := "http://" + HostOf(to) + rsmEndpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(httpResp.Body)
		return Response{}, fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, payload)
	}

	var reply Envelope
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return Response{}, fmt.Errorf("decode envelope: %w", err)
	}
	if reply.Response == nil {
		return Response{}, fmt.Errorf("envelope without response")
	}
	return *reply.Response, nil
}
