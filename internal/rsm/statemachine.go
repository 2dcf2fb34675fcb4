// Package rsm is the replicated-state-machine runtime shared by the
// coordinator and the shards: a raft-backed node hosting a state
// machine, transports for raft traffic and client requests, and a
// client with leader-hint redirection and sync/async request variants.
package rsm

import (
	"encoding/json"

	"github.com/filigreedb/filigree/internal/msgs"
)

// StateMachine is the replicated application hosted by a Node. Apply is
// invoked for committed log entries, possibly more than once for the
// same logical write, so payloads must be idempotent. Read is served on
// the leader without a log entry; it observes state at or after the
// leader's last committed index.
type StateMachine interface {
	Apply(payload []byte) ([]byte, error)
	Read(payload []byte) ([]byte, error)
}

// RequestKind discriminates reads from writes at the RSM boundary.
type RequestKind string

const (
	KindRead  RequestKind = "read"
	KindWrite RequestKind = "write"
)

// Request is a client request addressed to an RSM group.
type Request struct {
	Kind    RequestKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Response carries the state machine's answer or a leader redirection.
type Response struct {
	Success    bool            `json:"success"`
	NotLeader  bool            `json:"not_leader,omitempty"`
	LeaderHint *msgs.Address   `json:"leader_hint,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Envelope is the on-the-wire message frame.
type Envelope struct {
	MsgId    uint64       `json:"msg_id"`
	From     msgs.Address `json:"from"`
	To       msgs.Address `json:"to"`
	Request  *Request     `json:"request,omitempty"`
	Response *Response    `json:"response,omitempty"`
}
